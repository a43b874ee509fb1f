package auth

import (
	"fmt"
	"sort"
	"strings"
)

// RoleName is one of the closed set of portal roles.
type RoleName uint8

const (
	roleUnknown RoleName = iota
	RoleBasicUser1
	RoleAdvanceUser1
	RoleAdvanceUser2
	RoleHR
	RoleSystemAdministrator
)

// AllRoles lists every valid role in catalog order.
var AllRoles = []RoleName{
	RoleBasicUser1,
	RoleAdvanceUser1,
	RoleAdvanceUser2,
	RoleHR,
	RoleSystemAdministrator,
}

var roleNames = map[RoleName]string{
	RoleBasicUser1:          "BASIC_USER_1",
	RoleAdvanceUser1:        "ADVANCE_USER_1",
	RoleAdvanceUser2:        "ADVANCE_USER_2",
	RoleHR:                  "HR",
	RoleSystemAdministrator: "SYSTEM_ADMINISTRATOR",
}

// roleSynonyms maps canonicalized legacy spellings onto the closed set.
var roleSynonyms = map[string]RoleName{
	"BASIC_USER_1":         RoleBasicUser1,
	"BASIC_USER":           RoleBasicUser1,
	"BASIC":                RoleBasicUser1,
	"USER":                 RoleBasicUser1,
	"EMPLOYEE":             RoleBasicUser1,
	"STAFF":                RoleBasicUser1,
	"ADVANCE_USER_1":       RoleAdvanceUser1,
	"ADVANCE_USER":         RoleAdvanceUser1,
	"ADVANCED_USER":        RoleAdvanceUser1,
	"ADVANCED_USER_1":      RoleAdvanceUser1,
	"ADVANCE_USER_2":       RoleAdvanceUser2,
	"ADVANCED_USER_2":      RoleAdvanceUser2,
	"HR":                   RoleHR,
	"HR_MANAGER":           RoleHR,
	"HR_OFFICER":           RoleHR,
	"HUMAN_RESOURCES":      RoleHR,
	"SYSTEM_ADMINISTRATOR": RoleSystemAdministrator,
	"SYSTEM_ADMIN":         RoleSystemAdministrator,
	"SYS_ADMIN":            RoleSystemAdministrator,
	"SYSADMIN":             RoleSystemAdministrator,
	"ADMINISTRATOR":        RoleSystemAdministrator,
	"ADMIN":                RoleSystemAdministrator,
	"SUPERUSER":            RoleSystemAdministrator,
	"SUPER_USER":           RoleSystemAdministrator,
}

// String returns the canonical wire name of the role.
func (r RoleName) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RoleName(%d)", uint8(r))
}

// Valid reports whether r belongs to the closed role set.
func (r RoleName) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// MarshalText encodes the role using its canonical name.
func (r RoleName) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: role %d", ErrInvalidInput, uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText accepts canonical names only.
func (r *RoleName) UnmarshalText(text []byte) error {
	role, err := ParseRoleName(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// NormalizeRole maps any raw role string onto exactly one RoleName.
// Unrecognized or empty input falls back to BASIC_USER_1. The function is
// pure and NormalizeRole(x.String()) == x for every valid role.
func NormalizeRole(raw string) RoleName {
	if role, ok := roleSynonyms[canonicalRoleKey(raw)]; ok {
		return role
	}
	return RoleBasicUser1
}

// ParseRoleName accepts only the canonical (or synonym) spellings and
// reports an error instead of defaulting.
func ParseRoleName(raw string) (RoleName, error) {
	if role, ok := roleSynonyms[canonicalRoleKey(raw)]; ok {
		return role, nil
	}
	return roleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// NormalizeRoles normalizes a raw role list into a sorted set. An empty list
// yields BASIC_USER_1 so every identity holds at least one role.
func NormalizeRoles(raw []string) []RoleName {
	seen := make(map[RoleName]struct{}, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		seen[NormalizeRole(r)] = struct{}{}
	}
	if len(seen) == 0 {
		return []RoleName{RoleBasicUser1}
	}
	out := make([]RoleName, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleStrings renders roles with their canonical names.
func RoleStrings(roles []RoleName) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.String())
	}
	return out
}

func canonicalRoleKey(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(raw))
	pendingSep := false
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r', '-', '.', '_':
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(c)
	}
	return b.String()
}
