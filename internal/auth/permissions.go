package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermDeviceRead      Permission = "device:read"
	PermDeviceOperate   Permission = "device:operate"
	PermDeviceConfigure Permission = "device:configure"
	PermRuleRead        Permission = "rule:read"
	PermRuleTrigger     Permission = "rule:trigger"
	PermRuleManage      Permission = "rule:manage"
	PermSceneRead       Permission = "scene:read"
	PermSceneExecute    Permission = "scene:execute"
	PermSceneManage     Permission = "scene:manage"
	PermBridgeRead      Permission = "bridge:read"
	PermBridgeManage    Permission = "bridge:manage"
	PermAuditRead       Permission = "audit:read"
	PermSystemRead      Permission = "system:read"
)

var viewerPermissions = []Permission{
	PermDeviceRead,
	PermRuleRead,
	PermSceneRead,
	PermBridgeRead,
	PermSystemRead,
}

var operatorPermissions = append(append([]Permission{}, viewerPermissions...),
	PermDeviceOperate,
	PermRuleTrigger,
	PermSceneExecute,
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer:   viewerPermissions,
	RoleOperator: operatorPermissions,
	RoleAdmin: append(append([]Permission{}, operatorPermissions...),
		PermDeviceConfigure,
		PermRuleManage,
		PermSceneManage,
		PermBridgeManage,
		PermAuditRead,
	),
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
