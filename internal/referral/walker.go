package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"referral_bot/internal/domain"
	"referral_bot/internal/logging"
)

// DefaultMaxDepth bounds a walk when callers pass a non-positive depth.
const DefaultMaxDepth = 10

// Walker reconstructs referral ancestry for admin inspection.
type Walker struct {
	users  UserGetter
	logger *logrus.Entry
}

// NewWalker constructs a Walker reading users from users.
func NewWalker(users UserGetter, logger *logrus.Entry) *Walker {
	return &Walker{
		users:  users,
		logger: logging.OrDefault(logger),
	}
}

// WalkAncestry follows referred_by upward from user, nearest referrer first.
// The walk stops at a user without a referrer (TerminalRoot), at a referrer id
// with no stored user (TerminalBrokenLink), or after maxDepth hops
// (TerminalDepthLimit). Each hop performs exactly one lookup.
func (w *Walker) WalkAncestry(ctx context.Context, user domain.User, maxDepth int) (domain.Ancestry, error) {
	if w == nil || w.users == nil {
		return domain.Ancestry{}, errors.New("walker is not initialized")
	}
	if ctx == nil {
		return domain.Ancestry{}, errors.New("context is required")
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	ancestry := domain.Ancestry{Ancestors: make([]domain.Ancestor, 0)}
	current := user

	for {
		if current.ReferredBy == nil {
			ancestry.Terminal = domain.TerminalRoot
			return ancestry, nil
		}
		if len(ancestry.Ancestors) == maxDepth {
			ancestry.Terminal = domain.TerminalDepthLimit
			w.logger.WithFields(logging.Fields{
				"event":     "chain_depth_limit",
				"user_id":   user.UserID,
				"max_depth": maxDepth,
			}).Warn("referral chain reached depth limit")
			return ancestry, nil
		}

		referrerID := *current.ReferredBy
		referrer, err := w.users.GetUser(ctx, referrerID)
		if errors.Is(err, domain.ErrUserNotFound) {
			ancestry.Terminal = domain.TerminalBrokenLink
			w.logger.WithFields(logging.Fields{
				"event":       "chain_broken_link",
				"user_id":     current.UserID,
				"referrer_id": referrerID,
			}).Warn("referral chain points to a missing user")
			return ancestry, nil
		}
		if err != nil {
			return domain.Ancestry{}, fmt.Errorf("%w: get referrer %d: %w", ErrStorage, referrerID, err)
		}

		ancestry.Ancestors = append(ancestry.Ancestors, domain.AncestorOf(referrer))
		current = referrer
	}
}
