package auth

import (
	"time"

	"corpportal.org/internal/ids"
)

// EventKind classifies a security event.
type EventKind string

const (
	EventLoginSuccess          EventKind = "LOGIN_SUCCESS"
	EventLoginFailure          EventKind = "LOGIN_FAILURE"
	EventBruteForceLocked      EventKind = "BRUTE_FORCE_LOCKED"
	EventAccountLocked         EventKind = "ACCOUNT_LOCKED"
	EventTwoFactorRequired     EventKind = "2FA_REQUIRED"
	EventTwoFactorFailed       EventKind = "2FA_VERIFICATION_FAILED"
	EventBackupCodeUsed        EventKind = "BACKUP_CODE_USED"
	EventInfrastructureFailure EventKind = "INFRASTRUCTURE_FAILURE"
)

// Internal failure reasons carried in event details. Never shown to callers.
const (
	ReasonUnknownSubject  = "unknown_subject"
	ReasonInactiveAccount = "inactive_account"
	ReasonBadSecret       = "bad_secret"
	ReasonBadTOTP         = "bad_totp"
	ReasonBadBackupCode   = "bad_backup_code"
	ReasonLocked          = "locked"
)

// SecurityEvent is an immutable audit record.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Kind      EventKind         `json:"kind"`
	SubjectID string            `json:"subject_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Origin    Origin            `json:"origin"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// NewSecurityEvent stamps an event with a fresh id.
func NewSecurityEvent(kind EventKind, at time.Time, origin Origin) SecurityEvent {
	return SecurityEvent{
		ID:        ids.NewAt(at),
		Kind:      kind,
		Origin:    origin,
		Timestamp: at.UTC(),
	}
}
