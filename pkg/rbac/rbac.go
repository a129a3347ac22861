package rbac

import "slices"

// 权限常量
const (
	PermissionCreateProject = "project:create"
	PermissionReadProject   = "project:read"
	PermissionRunAI         = "ai:run"

	// 导师审批
	PermissionDecideApproval = "approval:decide"
	PermissionReviewQueue    = "approval:queue"

	// 管理操作
	PermissionManagePrompts = "prompt:manage"
	PermissionManageUsers   = "user:manage"
	PermissionReplayOutbox  = "outbox:replay"
	PermissionOverrideOwner = "project:override"
)

// 角色常量
const (
	RoleUser   = "user"
	RoleMentor = "mentor"
	RoleAdmin  = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionCreateProject,
		PermissionReadProject,
		PermissionRunAI,
	},
	RoleMentor: {
		PermissionCreateProject,
		PermissionReadProject,
		PermissionRunAI,
		PermissionDecideApproval,
		PermissionReviewQueue,
	},
	RoleAdmin: {
		PermissionCreateProject,
		PermissionReadProject,
		PermissionRunAI,
		PermissionDecideApproval,
		PermissionReviewQueue,
		PermissionManagePrompts,
		PermissionManageUsers,
		PermissionReplayOutbox,
		PermissionOverrideOwner,
	},
}

// ValidRole 是否是已知角色
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	return slices.Contains(rolePermissions[role], permission)
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func CheckPermission(userID int, role string, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     int
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}
