// Package domain defines shared domain constants and types.
package domain

const (
	// RoleAdmin is held by the single configured administrator.
	RoleAdmin = "admin"
	// RoleUser represents a regular user with no elevated privileges.
	RoleUser = "user"
)

// RoleFor derives the role of userID from the configured administrator id.
// Roles are never inherited from stored state.
func RoleFor(userID, adminID int64) string {
	if adminID != 0 && userID == adminID {
		return RoleAdmin
	}
	return RoleUser
}
