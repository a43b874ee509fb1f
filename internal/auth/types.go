package auth

import "time"

// Identity is the authenticated view of a directory user. It is built by the
// core from a UserRecord and never mutated afterwards.
type Identity struct {
	SubjectID   string     `json:"subject_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Department  string     `json:"department"`
	Position    string     `json:"position"`
	Roles       []RoleName `json:"roles"`
	Active      bool       `json:"active"`
}

// HasRole reports whether the identity holds role.
func (i Identity) HasRole(role RoleName) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserRecord is what a UserDirectory returns for a subject.
type UserRecord struct {
	SubjectID        string
	Email            string
	DisplayName      string
	Department       string
	Position         string
	Roles            []string
	Active           bool
	PasswordHash     string
	TwoFactorEnabled bool
	TwoFactorSecret  string
	LastLoginAt      *time.Time
}

// Identity converts the record, normalizing its raw role strings.
func (u *UserRecord) Identity() Identity {
	return Identity{
		SubjectID:   u.SubjectID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Department:  u.Department,
		Position:    u.Position,
		Roles:       NormalizeRoles(u.Roles),
		Active:      u.Active,
	}
}

// Origin describes where a login attempt came from.
type Origin struct {
	Address string `json:"address,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// Proof carries the optional second factor. At most one field is expected.
type Proof struct {
	Token      string
	BackupCode string
}

// Empty reports whether no proof was supplied.
func (p Proof) Empty() bool {
	return p.Token == "" && p.BackupCode == ""
}

// LoginRequest is the input to Service.Login.
type LoginRequest struct {
	Subject string
	Secret  string
	Proof   Proof
	// Identifier keys brute-force accounting. It is built by the caller
	// (typically subject and client address) and used verbatim.
	Identifier string
	Origin     Origin
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	Identity    Identity
	Permissions PermissionSet
	Token       string
	ExpiresAt   time.Time
	// UsedBackupCode is set when the second factor was a backup code.
	UsedBackupCode bool
}
