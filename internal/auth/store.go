package auth

import "context"

// UserDirectory is the external user store consulted during login.
type UserDirectory interface {
	// FindBySubject returns nil, nil when no user matches.
	FindBySubject(ctx context.Context, email string) (*UserRecord, error)
	// InvalidateBackupCode consumes a backup code and reports whether it was
	// valid and unused. Concurrent calls for the same code succeed at most once.
	InvalidateBackupCode(ctx context.Context, subjectID, code string) (bool, error)
	// TouchLastLogin records a successful login. Failures are tolerated.
	TouchLastLogin(ctx context.Context, subjectID string) error
}

// AuditSink receives security events. Implementations should not block.
type AuditSink interface {
	Record(ctx context.Context, event SecurityEvent) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, event SecurityEvent) error

// Record calls f.
func (f AuditSinkFunc) Record(ctx context.Context, event SecurityEvent) error {
	return f(ctx, event)
}

type discardSink struct{}

func (discardSink) Record(context.Context, SecurityEvent) error { return nil }
