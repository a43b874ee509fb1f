package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"corpportal.org/internal/obs"
)

// LoginStage is the furthest point a login attempt reached.
type LoginStage int

const (
	StageStart LoginStage = iota
	StageLockChecked
	StageDirectoryLookedUp
	StageSecretVerified
	StageTwoFactorRequired
	StageTwoFactorVerified
	StagePermissionsAggregated
	StageSuccess
)

var stageNames = [...]string{
	"start",
	"lock_checked",
	"directory_looked_up",
	"secret_verified",
	"two_factor_required",
	"two_factor_verified",
	"permissions_aggregated",
	"success",
}

func (s LoginStage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// Login outcomes used for metrics labels.
const (
	OutcomeSuccess           = "success"
	OutcomeInvalid           = "invalid_credentials"
	OutcomeLocked            = "locked"
	OutcomeTwoFactorRequired = "two_factor_required"
	OutcomeError             = "error"
)

// Service orchestrates a login: lockout check, directory lookup, secret
// and second-factor verification, permission aggregation, audit and
// session issuance.
type Service struct {
	directory UserDirectory
	guard     *Guard
	twoFactor *TwoFactorVerifier
	sessions  *SessionIssuer
	audit     AuditSink
	logger    *zap.Logger
	now       func() time.Time

	directoryTimeout time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithGuard sets the brute-force guard.
func WithGuard(g *Guard) ServiceOption {
	return func(s *Service) error {
		if g == nil {
			return errors.New("auth: guard is nil")
		}
		s.guard = g
		return nil
	}
}

// WithTwoFactor sets the second-factor verifier.
func WithTwoFactor(v *TwoFactorVerifier) ServiceOption {
	return func(s *Service) error {
		if v != nil {
			s.twoFactor = v
		}
		return nil
	}
}

// WithSessionIssuer enables token issuance on successful login.
func WithSessionIssuer(issuer *SessionIssuer) ServiceOption {
	return func(s *Service) error {
		s.sessions = issuer
		return nil
	}
}

// WithAuditSink sets where security events go.
func WithAuditSink(sink AuditSink) ServiceOption {
	return func(s *Service) error {
		if sink != nil {
			s.audit = sink
		}
		return nil
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithDirectoryTimeout bounds each directory call.
func WithDirectoryTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.directoryTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(directory UserDirectory, opts ...ServiceOption) (*Service, error) {
	if directory == nil {
		return nil, errors.New("auth: directory is nil")
	}
	svc := &Service{
		directory: directory,
		audit:     discardSink{},
		logger:    obs.Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.guard == nil {
		g, err := NewGuard(WithGuardClock(svc.now))
		if err != nil {
			return nil, err
		}
		svc.guard = g
	}
	if svc.twoFactor == nil {
		svc.twoFactor = NewTwoFactorVerifier(directory, WithTOTPClock(svc.now))
	}
	return svc, nil
}

// Sessions returns the configured session issuer, if any.
func (s *Service) Sessions() *SessionIssuer { return s.sessions }

// Login authenticates req. Every denial is ErrInvalidCredentials; a missing
// second factor is ErrTwoFactorRequired; collaborator failures are
// *InfrastructureError and leave the guard untouched.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	start := time.Now()
	res, stage, outcome, err := s.login(ctx, req)
	obs.ObserveLogin(outcome, time.Since(start))
	s.logger.Debug("login finished",
		zap.String("subject", normalizeSubject(req.Subject)),
		zap.Stringer("stage", stage),
		zap.String("outcome", outcome),
	)
	return res, err
}

func (s *Service) login(ctx context.Context, req LoginRequest) (LoginResult, LoginStage, string, error) {
	subject := normalizeSubject(req.Subject)
	identifier := req.Identifier
	if identifier == "" {
		identifier = BuildIdentifier(subject, req.Origin.Address)
	}

	locked, err := s.guard.IsLocked(ctx, identifier)
	if err != nil {
		return s.infraFailure(ctx, req, "attempt store", err, StageStart)
	}
	if locked {
		s.emit(ctx, s.event(EventBruteForceLocked, req, "", ReasonLocked))
		return LoginResult{}, StageLockChecked, OutcomeLocked, ErrInvalidCredentials
	}

	if subject == "" || req.Secret == "" {
		burnPasswordCheck(req.Secret)
		return s.credentialFailure(ctx, req, identifier, "", EventLoginFailure, ReasonUnknownSubject, StageLockChecked)
	}

	record, err := s.lookup(ctx, subject)
	if err != nil {
		return s.infraFailure(ctx, req, "directory lookup", err, StageLockChecked)
	}
	if record == nil || !record.Active {
		burnPasswordCheck(req.Secret)
		reason := ReasonUnknownSubject
		subjectID := ""
		if record != nil {
			reason = ReasonInactiveAccount
			subjectID = record.SubjectID
		}
		return s.credentialFailure(ctx, req, identifier, subjectID, EventLoginFailure, reason, StageDirectoryLookedUp)
	}

	if err := VerifyPassword(record.PasswordHash, req.Secret); err != nil {
		if !errors.Is(err, errPasswordMismatch) {
			s.logger.Warn("stored password hash unusable",
				zap.String("subject_id", record.SubjectID), zap.Error(err))
		}
		return s.credentialFailure(ctx, req, identifier, record.SubjectID, EventLoginFailure, ReasonBadSecret, StageDirectoryLookedUp)
	}

	usedBackup := false
	if record.TwoFactorEnabled {
		if req.Proof.Empty() {
			s.emit(ctx, s.event(EventTwoFactorRequired, req, record.SubjectID, ""))
			return LoginResult{}, StageTwoFactorRequired, OutcomeTwoFactorRequired, ErrTwoFactorRequired
		}
		ok, reason, err := s.verifyProof(ctx, record, req.Proof)
		if err != nil {
			return s.infraFailure(ctx, req, "backup code invalidation", err, StageSecretVerified)
		}
		if !ok {
			return s.credentialFailure(ctx, req, identifier, record.SubjectID, EventTwoFactorFailed, reason, StageSecretVerified)
		}
		if req.Proof.Token == "" {
			usedBackup = true
			s.emit(ctx, s.event(EventBackupCodeUsed, req, record.SubjectID, ""))
		}
	}

	identity := record.Identity()
	perms := AggregatePermissions(identity.Roles, identity.Department)

	result := LoginResult{
		Identity:       identity,
		Permissions:    perms,
		UsedBackupCode: usedBackup,
	}
	// The token is minted before anything records the login as successful.
	if s.sessions != nil {
		tok, err := s.sessions.Issue(identity, perms)
		if err != nil {
			return s.infraFailure(ctx, req, "session issue", err, StagePermissionsAggregated)
		}
		result.Token = tok.Token
		result.ExpiresAt = tok.ExpiresAt
	}

	if err := s.guard.Clear(ctx, identifier); err != nil {
		return s.infraFailure(ctx, req, "attempt store", err, StagePermissionsAggregated)
	}

	if err := s.touch(ctx, record.SubjectID); err != nil {
		s.logger.Warn("touch last login failed",
			zap.String("subject_id", record.SubjectID), zap.Error(err))
	}

	ev := s.event(EventLoginSuccess, req, record.SubjectID, "")
	ev.Detail["roles"] = strings.Join(RoleStrings(identity.Roles), ",")
	s.emit(ctx, ev)

	return result, StageSuccess, OutcomeSuccess, nil
}

func (s *Service) verifyProof(ctx context.Context, record *UserRecord, proof Proof) (bool, string, error) {
	if proof.Token != "" {
		return s.twoFactor.VerifyToken(proof.Token, record.TwoFactorSecret), ReasonBadTOTP, nil
	}
	ctx, cancel := s.withDirectoryTimeout(ctx)
	defer cancel()
	ok, err := s.twoFactor.VerifyBackupCode(ctx, record.SubjectID, proof.BackupCode)
	if err != nil {
		return false, "", err
	}
	return ok, ReasonBadBackupCode, nil
}

// credentialFailure records the failure against the guard, audits it and
// returns the uniform denial.
func (s *Service) credentialFailure(ctx context.Context, req LoginRequest, identifier, subjectID string, kind EventKind, reason string, stage LoginStage) (LoginResult, LoginStage, string, error) {
	lockedNow, err := s.guard.RecordFailure(ctx, identifier)
	if err != nil {
		return s.infraFailure(ctx, req, "attempt store", err, stage)
	}
	s.emit(ctx, s.event(kind, req, subjectID, reason))
	if lockedNow {
		obs.RecordLockout()
		s.logger.Info("identifier locked",
			zap.String("identifier", identifier),
			zap.Duration("lockout", s.guard.Policy().LockoutDuration))
		s.emit(ctx, s.event(EventAccountLocked, req, subjectID, reason))
	}
	return LoginResult{}, stage, OutcomeInvalid, ErrInvalidCredentials
}

func (s *Service) infraFailure(ctx context.Context, req LoginRequest, op string, err error, stage LoginStage) (LoginResult, LoginStage, string, error) {
	s.logger.Error("login infrastructure failure", zap.String("op", op), zap.Error(err))
	ev := s.event(EventInfrastructureFailure, req, "", "")
	ev.Detail["op"] = op
	s.emit(ctx, ev)
	return LoginResult{}, stage, OutcomeError, infraError(op, err)
}

func (s *Service) lookup(ctx context.Context, subject string) (*UserRecord, error) {
	ctx, cancel := s.withDirectoryTimeout(ctx)
	defer cancel()
	return s.directory.FindBySubject(ctx, subject)
}

func (s *Service) touch(ctx context.Context, subjectID string) error {
	ctx, cancel := s.withDirectoryTimeout(ctx)
	defer cancel()
	return s.directory.TouchLastLogin(ctx, subjectID)
}

func (s *Service) withDirectoryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.directoryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.directoryTimeout)
}

func (s *Service) event(kind EventKind, req LoginRequest, subjectID, reason string) SecurityEvent {
	ev := NewSecurityEvent(kind, s.now(), req.Origin)
	ev.SubjectID = subjectID
	ev.Subject = normalizeSubject(req.Subject)
	ev.Detail = map[string]string{}
	if reason != "" {
		ev.Detail["reason"] = reason
	}
	return ev
}

// emit hands the event to the sink. Sink errors are logged, never returned.
func (s *Service) emit(ctx context.Context, ev SecurityEvent) {
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn("audit sink failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

func normalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}
