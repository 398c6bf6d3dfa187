package domain

import "time"

// Invite code states reported by Status.
const (
	InviteCodeActive    = "active"
	InviteCodeDisabled  = "disabled"
	InviteCodeExpired   = "expired"
	InviteCodeExhausted = "exhausted"
)

// InviteCode is an admin-issued reusable token. Users who start the bot with
// it are credited to the owning admin.
type InviteCode struct {
	Code        string     `bson:"code" json:"code"`
	Enabled     bool       `bson:"enabled" json:"enabled"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	MaxUses     *int       `bson:"max_uses,omitempty" json:"max_uses,omitempty"`
	CurrentUses int        `bson:"current_uses" json:"current_uses"`
	OwnerID     int64      `bson:"owner_id" json:"owner_id"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
}

// Status reports why a code can or cannot be used at now.
func (c InviteCode) Status(now time.Time) string {
	switch {
	case !c.Enabled:
		return InviteCodeDisabled
	case c.ExpiresAt != nil && !c.ExpiresAt.After(now):
		return InviteCodeExpired
	case c.MaxUses != nil && c.CurrentUses >= *c.MaxUses:
		return InviteCodeExhausted
	default:
		return InviteCodeActive
	}
}

// Usable reports whether the code may attribute a referral at now.
func (c InviteCode) Usable(now time.Time) bool {
	return c.Status(now) == InviteCodeActive
}
