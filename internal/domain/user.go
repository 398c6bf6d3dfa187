package domain

import (
	"strconv"
	"strings"
	"time"
)

// User represents a Telegram user registered with the bot.
type User struct {
	UserID         int64   `bson:"user_id" json:"user_id"`
	FirstName      string  `bson:"first_name" json:"first_name"`
	Username       string  `bson:"username,omitempty" json:"username,omitempty"`
	Role           string  `bson:"role" json:"role"`
	ReferredBy     *int64  `bson:"referred_by" json:"referred_by,omitempty"`
	UsedInviteCode *string `bson:"used_invite_code" json:"used_invite_code,omitempty"`

	// Last message the bot sent to this user and the flow that sent it; used
	// to delete and replace stale bot messages.
	LastBotMessageID      int    `bson:"last_bot_message_id,omitempty" json:"last_bot_message_id,omitempty"`
	LastBotMessageContext string `bson:"last_bot_message_context,omitempty" json:"last_bot_message_context,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// IsAdmin reports whether the stored role is admin.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Attributed reports whether referral credit was already recorded for the user.
func (u User) Attributed() bool {
	return u.ReferredBy != nil || u.UsedInviteCode != nil
}

// DisplayName prefers the first name, then the handle, then the numeric id.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.FirstName); name != "" {
		return name
	}
	if handle := strings.TrimSpace(u.Username); handle != "" {
		return handle
	}
	return "User " + strconv.FormatInt(u.UserID, 10)
}

// Handle renders the username with a leading @, or "N/A" when absent.
func (u User) Handle() string {
	if u.Username == "" {
		return "N/A"
	}
	return "@" + u.Username
}

// Attribution is the referral state written once per user.
type Attribution struct {
	ReferrerID int64
	InviteCode *string
}

// UserUpdate lists the fields a returning user may change. Referral is only
// written when non-nil and the stored user is not yet attributed.
type UserUpdate struct {
	FirstName string
	Username  string
	Role      string
	UpdatedAt time.Time
	Referral  *Attribution
}

// Apply returns a copy of u with the update applied. Bookkeeping fields such as
// the last bot message are preserved.
func (u User) Apply(update UserUpdate) User {
	u.FirstName = update.FirstName
	u.Username = update.Username
	u.Role = update.Role
	u.UpdatedAt = update.UpdatedAt
	if update.Referral != nil && !u.Attributed() {
		referrerID := update.Referral.ReferrerID
		u.ReferredBy = &referrerID
		if update.Referral.InviteCode != nil {
			code := *update.Referral.InviteCode
			u.UsedInviteCode = &code
		}
	}
	return u
}
