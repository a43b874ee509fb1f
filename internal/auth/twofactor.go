package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultTOTPPeriod = 30
	DefaultTOTPSkew   = 1

	backupCodeLength   = 10
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// TwoFactorVerifier checks TOTP codes and consumes backup codes.
type TwoFactorVerifier struct {
	directory UserDirectory
	period    uint
	skew      uint
	now       func() time.Time
}

// TwoFactorOption configures TwoFactorVerifier.
type TwoFactorOption func(*TwoFactorVerifier)

// WithTOTPSkew sets how many 30 second steps either side are accepted.
func WithTOTPSkew(steps uint) TwoFactorOption {
	return func(v *TwoFactorVerifier) { v.skew = steps }
}

// WithTOTPPeriod overrides the step length in seconds.
func WithTOTPPeriod(seconds uint) TwoFactorOption {
	return func(v *TwoFactorVerifier) {
		if seconds > 0 {
			v.period = seconds
		}
	}
}

// WithTOTPClock overrides the time source.
func WithTOTPClock(fn func() time.Time) TwoFactorOption {
	return func(v *TwoFactorVerifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewTwoFactorVerifier builds a verifier that consumes backup codes through
// directory.
func NewTwoFactorVerifier(directory UserDirectory, opts ...TwoFactorOption) *TwoFactorVerifier {
	v := &TwoFactorVerifier{
		directory: directory,
		period:    DefaultTOTPPeriod,
		skew:      DefaultTOTPSkew,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *TwoFactorVerifier) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    v.period,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// VerifyToken reports whether code is valid for secret at the current step
// or within the configured skew. Malformed input is simply invalid.
func (v *TwoFactorVerifier) VerifyToken(code, secret string) bool {
	code = strings.TrimSpace(code)
	secret = strings.TrimSpace(secret)
	if len(code) != 6 || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, v.now().UTC(), v.validateOpts())
	if err != nil {
		return false
	}
	return ok
}

// VerifyBackupCode consumes code for subjectID. Only the first of any
// concurrent calls with the same code succeeds.
func (v *TwoFactorVerifier) VerifyBackupCode(ctx context.Context, subjectID, code string) (bool, error) {
	code = NormalizeBackupCode(code)
	if code == "" || subjectID == "" {
		return false, nil
	}
	if v.directory == nil {
		return false, errors.New("auth: no directory for backup codes")
	}
	return v.directory.InvalidateBackupCode(ctx, subjectID, code)
}

// GenerateCode returns the current code for secret. Used by tooling and tests.
func (v *TwoFactorVerifier) GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at.UTC(), v.validateOpts())
}

// EnrollTOTP creates a new TOTP key for account under issuer.
func EnrollTOTP(issuer, account string) (*otp.Key, error) {
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("%w: account is required", ErrInvalidInput)
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      DefaultTOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// NormalizeBackupCode uppercases the code and strips separators.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// HashBackupCode returns the storage digest of a backup code.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// GenerateBackupCodes returns n random codes formatted as XXXXX-XXXXX.
func GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: backup code count must be positive", ErrInvalidInput)
	}
	codes := make([]string, 0, n)
	buf := make([]byte, backupCodeLength)
	for len(codes) < n {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		var b strings.Builder
		for i, c := range buf {
			if i == backupCodeLength/2 {
				b.WriteByte('-')
			}
			b.WriteByte(backupCodeAlphabet[int(c)%len(backupCodeAlphabet)])
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}
