// Package referral decides referral attribution for incoming users and walks
// the referral ancestry of a user.
package referral

import (
	"context"
	"errors"

	"referral_bot/internal/domain"
)

// ErrStorage marks failures of the storage collaborator. Resolver and Walker
// wrap every storage error with it; callers may match with errors.Is.
var ErrStorage = errors.New("referral storage error")

// UserGetter looks up a user by Telegram id. Missing users must be reported as
// domain.ErrUserNotFound (possibly wrapped).
type UserGetter interface {
	GetUser(ctx context.Context, userID int64) (domain.User, error)
}

// Store is the storage contract the Resolver needs.
//
// RunAtomically executes fn as one all-or-nothing unit. Operations issued with
// the context passed to fn take part in the unit; if fn returns an error none
// of them are persisted.
type Store interface {
	UserGetter
	CreateUser(ctx context.Context, user domain.User) (domain.User, error)
	UpdateUser(ctx context.Context, userID int64, update domain.UserUpdate) (domain.User, error)
	GetInviteCode(ctx context.Context, code string) (domain.InviteCode, error)
	IncrementInviteCodeUse(ctx context.Context, code string) error
	RunAtomically(ctx context.Context, fn func(ctx context.Context) error) error
}
