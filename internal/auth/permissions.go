package auth

import (
	"sort"
	"strings"
)

// Permission is a fine-grained capability string such as "hr.access".
type Permission string

const (
	PermDashboardView     Permission = "dashboard.view"
	PermProfileView       Permission = "profile.view"
	PermProfileUpdate     Permission = "profile.update"
	PermDocumentsView     Permission = "documents.view"
	PermNotificationsView Permission = "notifications.view"

	PermDocumentsRequest Permission = "documents.request"
	PermDocumentsCreate  Permission = "documents.create"
	PermDocumentsApprove Permission = "documents.approve"
	PermDocumentsManage  Permission = "documents.manage"

	PermInventoryView    Permission = "inventory.view"
	PermInventoryRequest Permission = "inventory.request"
	PermInventoryManage  Permission = "inventory.manage"

	PermProgramsView   Permission = "programs.view"
	PermProgramsManage Permission = "programs.manage"

	PermMaintenanceView    Permission = "maintenance.view"
	PermMaintenanceRequest Permission = "maintenance.request"
	PermMaintenanceManage  Permission = "maintenance.manage"

	PermReportsView Permission = "reports.view"

	PermHRAccess          Permission = "hr.access"
	PermHREmployeesView   Permission = "hr.employees.view"
	PermHREmployeesManage Permission = "hr.employees.manage"
	PermHRLeaveApprove    Permission = "hr.leave.approve"

	PermCallCenterAccess    Permission = "callcenter.access"
	PermCallCenterCallsView Permission = "callcenter.calls.view"
	PermCallCenterCallsLog  Permission = "callcenter.calls.log"
	PermCallCenterManage    Permission = "callcenter.manage"

	PermAdminAccess Permission = "admin.access"
	PermUsersManage Permission = "users.manage"
	PermRolesManage Permission = "roles.manage"
	PermAuditView   Permission = "audit.view"
)

// BaselinePermissions is granted to every authenticated identity.
var BaselinePermissions = []Permission{
	PermDashboardView,
	PermProfileView,
	PermProfileUpdate,
	PermDocumentsView,
	PermNotificationsView,
}

var advanceUser1Permissions = []Permission{
	PermDocumentsRequest,
	PermDocumentsCreate,
	PermInventoryView,
	PermInventoryRequest,
	PermProgramsView,
	PermMaintenanceRequest,
}

var rolePermissions = map[RoleName][]Permission{
	RoleBasicUser1: {
		PermDocumentsRequest,
		PermInventoryView,
	},
	RoleAdvanceUser1: advanceUser1Permissions,
	RoleAdvanceUser2: append(append([]Permission(nil), advanceUser1Permissions...),
		PermDocumentsApprove,
		PermInventoryManage,
		PermProgramsManage,
		PermMaintenanceView,
		PermMaintenanceManage,
		PermReportsView,
	),
	RoleHR: {
		PermHRAccess,
		PermHREmployeesView,
		PermHREmployeesManage,
		PermHRLeaveApprove,
		PermDocumentsCreate,
		PermDocumentsApprove,
		PermReportsView,
	},
}

// adminOnlyPermissions are the full-access grants no other role holds.
var adminOnlyPermissions = []Permission{
	PermAdminAccess,
	PermUsersManage,
	PermRolesManage,
	PermAuditView,
	PermDocumentsManage,
	PermCallCenterAccess,
	PermCallCenterCallsView,
	PermCallCenterCallsLog,
	PermCallCenterManage,
}

// departmentPermissions are additive grants keyed by normalized department.
var departmentPermissions = map[string][]Permission{
	"callcenter": {
		PermCallCenterAccess,
		PermCallCenterCallsView,
		PermCallCenterCallsLog,
	},
	"maintenance": {
		PermMaintenanceView,
		PermMaintenanceRequest,
	},
	"humanresources": {
		PermHRAccess,
	},
}

func init() {
	admin := NewPermissionSet(adminOnlyPermissions...)
	for _, perms := range rolePermissions {
		admin.Add(perms...)
	}
	for _, perms := range departmentPermissions {
		admin.Add(perms...)
	}
	rolePermissions[RoleSystemAdministrator] = admin.Sorted()
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

// Add inserts permissions into the set, ignoring blanks.
func (s PermissionSet) Add(perms ...Permission) {
	for _, p := range perms {
		if p == "" {
			continue
		}
		s[p] = struct{}{}
	}
}

// Has reports membership.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Union returns a new set holding the members of s and other.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Contains reports whether every member of other is in s.
func (s PermissionSet) Contains(other PermissionSet) bool {
	for p := range other {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings.
func (s PermissionSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = string(p)
	}
	return out
}

// PermissionsFor returns the baseline, the role's fixed list and the
// department grants. Invalid roles contribute nothing beyond the baseline.
func PermissionsFor(role RoleName, department string) PermissionSet {
	set := NewPermissionSet(BaselinePermissions...)
	set.Add(rolePermissions[role]...)
	set.Add(departmentPermissions[normalizeDepartment(department)]...)
	return set
}

// AggregatePermissions unions the permissions of every role. The result is
// monotonic in the role set and independent of role order.
func AggregatePermissions(roles []RoleName, department string) PermissionSet {
	set := NewPermissionSet(BaselinePermissions...)
	for _, r := range roles {
		set.Add(rolePermissions[r]...)
	}
	set.Add(departmentPermissions[normalizeDepartment(department)]...)
	return set
}

func normalizeDepartment(department string) string {
	department = strings.ToLower(strings.TrimSpace(department))
	if department == "" {
		return ""
	}
	var b strings.Builder
	for _, c := range department {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	switch key := b.String(); key {
	case "callcentre", "callcenterdepartment", "contactcenter":
		return "callcenter"
	case "hr", "hrdepartment":
		return "humanresources"
	default:
		return key
	}
}
