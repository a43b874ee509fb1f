package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionTTL is the session lifetime.
	DefaultSessionTTL = 30 * 24 * time.Hour
	DefaultIssuer     = "corpportal"

	minSessionSecretLength = 32
	sessionLeeway          = 5 * time.Second
)

// TokenStatus is the outcome of reconstituting a session token.
type TokenStatus int

const (
	TokenInvalid TokenStatus = iota
	TokenValid
	TokenExpired
)

func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Claims is the session token payload. Roles and permissions are sorted so
// equal inputs encode to identical tokens.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Department  string   `json:"department"`
	Position    string   `json:"position"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// SessionToken is a signed session credential.
type SessionToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Session is a reconstituted token. Permissions are the snapshot taken at
// login; catalog or directory changes apply only to sessions issued later.
type Session struct {
	Identity    Identity
	Permissions PermissionSet
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasPermission reports whether the session grants p.
func (s Session) HasPermission(p Permission) bool {
	return s.Permissions.Has(p)
}

// SessionIssuer signs and verifies HS256 session tokens.
type SessionIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SessionOption configures SessionIssuer.
type SessionOption func(*SessionIssuer) error

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *SessionIssuer) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithTokenIssuer overrides the iss claim.
func WithTokenIssuer(issuer string) SessionOption {
	return func(s *SessionIssuer) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *SessionIssuer) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewSessionIssuer constructs an issuer. The secret must be at least 32 bytes.
func NewSessionIssuer(secret []byte, opts ...SessionOption) (*SessionIssuer, error) {
	if len(secret) < minSessionSecretLength {
		return nil, fmt.Errorf("%w: session secret must be at least %d bytes", ErrInvalidInput, minSessionSecretLength)
	}
	s := &SessionIssuer{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		ttl:    DefaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the configured session lifetime.
func (s *SessionIssuer) TTL() time.Duration { return s.ttl }

// Issue signs a session token for identity carrying the permission snapshot.
func (s *SessionIssuer) Issue(identity Identity, permissions PermissionSet) (SessionToken, error) {
	if strings.TrimSpace(identity.SubjectID) == "" {
		return SessionToken{}, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := Claims{
		Email:       identity.Email,
		Name:        identity.DisplayName,
		Department:  identity.Department,
		Position:    identity.Position,
		Roles:       RoleStrings(NormalizeRoles(RoleStrings(identity.Roles))),
		Permissions: permissions.Strings(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return SessionToken{}, fmt.Errorf("sign token: %w", err)
	}
	return SessionToken{Token: signed, IssuedAt: now, ExpiresAt: exp}, nil
}

// Reconstitute verifies token and rebuilds the session. It never panics;
// malformed, tampered, foreign or wrongly signed tokens are TokenInvalid.
func (s *SessionIssuer) Reconstitute(token string) (Session, TokenStatus) {
	session, err := s.Parse(token)
	switch {
	case err == nil:
		return session, TokenValid
	case errors.Is(err, ErrTokenExpired):
		return Session{}, TokenExpired
	default:
		return Session{}, TokenInvalid
	}
}

// Parse is Reconstitute with an error instead of a status.
func (s *SessionIssuer) Parse(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(sessionLeeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrTokenExpired
		}
		return Session{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return Session{}, ErrInvalidToken
	}

	roles := make([]RoleName, 0, len(claims.Roles))
	for _, raw := range claims.Roles {
		role, err := ParseRoleName(raw)
		if err != nil {
			return Session{}, ErrInvalidToken
		}
		roles = append(roles, role)
	}
	perms := make(PermissionSet, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms.Add(Permission(p))
	}
	return Session{
		Identity: Identity{
			SubjectID:   claims.Subject,
			Email:       claims.Email,
			DisplayName: claims.Name,
			Department:  claims.Department,
			Position:    claims.Position,
			Roles:       roles,
			Active:      true,
		},
		Permissions: perms,
		IssuedAt:    claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
