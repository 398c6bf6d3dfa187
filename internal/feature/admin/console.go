package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"referral_bot/internal/domain"
	"referral_bot/internal/logging"
	"referral_bot/internal/store"
)

// maxMessageLength keeps replies under Telegram's 4096 character limit.
const maxMessageLength = 4000

const truncatedSuffix = "\n\n[List truncated... more users exist]"

type userDirectory interface {
	GetUser(ctx context.Context, userID int64) (domain.User, error)
	FindByUsername(ctx context.Context, username string) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	ListReferrals(ctx context.Context, referrerID int64) ([]domain.User, error)
}

type ancestryWalker interface {
	WalkAncestry(ctx context.Context, user domain.User, maxDepth int) (domain.Ancestry, error)
}

type statsSource interface {
	Snapshot(ctx context.Context) (store.Stats, error)
}

type chainRecorder interface {
	ChainWalked(terminal string)
}

// Console renders the admin views of the referral graph.
type Console struct {
	users    userDirectory
	walker   ancestryWalker
	stats    statsSource
	metrics  chainRecorder
	maxDepth int
	logger   *logrus.Entry
}

// NewConsole constructs a Console. stats and metrics may be nil.
func NewConsole(users userDirectory, walker ancestryWalker, stats statsSource, metrics chainRecorder, maxDepth int, logger *logrus.Entry) *Console {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Console{
		users:    users,
		walker:   walker,
		stats:    stats,
		metrics:  metrics,
		maxDepth: maxDepth,
		logger:   logger,
	}
}

// FindUser resolves identifier as "@handle", a numeric id, or a bare handle.
// A numeric identifier that matches no id is retried as a handle.
func (c *Console) FindUser(ctx context.Context, identifier string) (domain.User, error) {
	if err := c.ready(ctx); err != nil {
		return domain.User{}, err
	}

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.User{}, errors.New("identifier is required")
	}

	if strings.HasPrefix(identifier, "@") {
		return c.users.FindByUsername(ctx, identifier)
	}

	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		user, err := c.users.GetUser(ctx, id)
		if !errors.Is(err, domain.ErrUserNotFound) {
			return user, err
		}
	}

	return c.users.FindByUsername(ctx, identifier)
}

// Users lists every user with role and referrer, oldest first, truncated to
// fit one message.
func (c *Console) Users(ctx context.Context) (string, error) {
	if err := c.ready(ctx); err != nil {
		return "", err
	}

	users, err := c.users.ListUsers(ctx)
	if err != nil {
		return "", fmt.Errorf("list users: %w", err)
	}
	if len(users) == 0 {
		return "There are no registered users.", nil
	}

	byID := make(map[int64]domain.User, len(users))
	for _, u := range users {
		byID[u.UserID] = u
	}

	var b strings.Builder
	b.WriteString("Registered users:\n\n")
	for _, u := range users {
		fmt.Fprintf(&b, "ID: %d\n", u.UserID)
		fmt.Fprintf(&b, "  Name: %s\n", u.DisplayName())
		fmt.Fprintf(&b, "  Username: %s\n", u.Handle())
		fmt.Fprintf(&b, "  Role: %s\n", u.Role)
		fmt.Fprintf(&b, "  Invited by: %s\n", describeReferrer(u, byID))
		if u.UsedInviteCode != nil {
			fmt.Fprintf(&b, "  Invite code: %s\n", *u.UsedInviteCode)
		}
		fmt.Fprintf(&b, "  Registered: %s\n\n", u.CreatedAt.Format("2006-01-02"))
	}

	return truncate(b.String()), nil
}

// UserInfo describes the user matching identifier: profile, direct referrer,
// invitees and the full referral chain.
func (c *Console) UserInfo(ctx context.Context, identifier string) (string, error) {
	target, err := c.FindUser(ctx, identifier)
	if err != nil {
		return "", err
	}

	invitees, err := c.users.ListReferrals(ctx, target.UserID)
	if err != nil {
		return "", fmt.Errorf("list referrals: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User details: %s (ID: %d, Username: %s)\n", target.DisplayName(), target.UserID, target.Handle())
	fmt.Fprintf(&b, "Role: %s\n", target.Role)
	if target.UsedInviteCode != nil {
		fmt.Fprintf(&b, "Invite code used: %s\n", *target.UsedInviteCode)
	}

	var ancestry domain.Ancestry
	if c.walker != nil {
		ancestry, err = c.walker.WalkAncestry(ctx, target, c.maxDepth)
		if err != nil {
			return "", fmt.Errorf("walk ancestry: %w", err)
		}
		if c.metrics != nil {
			c.metrics.ChainWalked(ancestry.Terminal)
		}
	}

	switch {
	case target.ReferredBy == nil:
		b.WriteString("Invited by: Nobody\n")
	case len(ancestry.Ancestors) > 0:
		fmt.Fprintf(&b, "Invited by: %s\n", describeAncestor(ancestry.Ancestors[0]))
	default:
		fmt.Fprintf(&b, "Invited by: missing user (ID: %d)\n", *target.ReferredBy)
	}

	b.WriteString("\nUsers they invited:\n")
	if len(invitees) == 0 {
		b.WriteString("- None\n")
	}
	for _, invitee := range invitees {
		fmt.Fprintf(&b, "- %s (ID: %d, Username: %s, joined %s)\n",
			invitee.DisplayName(), invitee.UserID, invitee.Handle(), invitee.CreatedAt.Format("2006-01-02"))
	}

	if c.walker != nil {
		b.WriteString("\nReferral chain:\n")
		b.WriteString(FormatAncestry(target, ancestry))
	}

	c.logger.WithFields(logging.Fields{
		"event":     "admin_user_info",
		"target_id": target.UserID,
		"terminal":  ancestry.Terminal,
	}).Debug("rendered user info")

	return truncate(b.String()), nil
}

// Stats summarizes counts over the referral graph.
func (c *Console) Stats(ctx context.Context) (string, error) {
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	if c.stats == nil {
		return "", errors.New("stats are not configured")
	}

	stats, err := c.stats.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("collect stats: %w", err)
	}

	organic := stats.Users - stats.ReferredUsers
	return fmt.Sprintf("📊 Referral stats\nUsers: %d\nReferred users: %d\nOrganic users: %d\nInvite codes: %d",
		stats.Users, stats.ReferredUsers, organic, stats.InviteCodes), nil
}

// FormatAncestry renders "X was invited by Y" lines for a walk starting at
// user, followed by the reason the chain ended.
func FormatAncestry(user domain.User, ancestry domain.Ancestry) string {
	var b strings.Builder

	current := user.DisplayName()
	for i, ancestor := range ancestry.Ancestors {
		fmt.Fprintf(&b, "%d. %s was invited by %s\n", i+1, current, describeAncestor(ancestor))
		current = displayAncestor(ancestor)
	}

	switch ancestry.Terminal {
	case domain.TerminalRoot:
		if len(ancestry.Ancestors) == 0 {
			fmt.Fprintf(&b, "%s joined without a referrer.\n", current)
		} else {
			fmt.Fprintf(&b, "%s joined without a referrer (chain root).\n", current)
		}
	case domain.TerminalBrokenLink:
		fmt.Fprintf(&b, "%s points to a referrer that no longer exists (broken link).\n", current)
	case domain.TerminalDepthLimit:
		fmt.Fprintf(&b, "Chain truncated after %d hops (depth limit).\n", len(ancestry.Ancestors))
	}

	return b.String()
}

func (c *Console) ready(ctx context.Context) error {
	if c == nil || c.users == nil {
		return errors.New("admin console is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func describeReferrer(u domain.User, byID map[int64]domain.User) string {
	if u.ReferredBy == nil {
		return "Nobody"
	}
	referrer, ok := byID[*u.ReferredBy]
	if !ok {
		return fmt.Sprintf("missing user (ID: %d)", *u.ReferredBy)
	}
	return describeAncestor(domain.AncestorOf(referrer))
}

func describeAncestor(a domain.Ancestor) string {
	handle := "N/A"
	if a.Username != "" {
		handle = "@" + a.Username
	}
	return fmt.Sprintf("%s (ID: %d, Username: %s)", displayAncestor(a), a.UserID, handle)
}

func displayAncestor(a domain.Ancestor) string {
	return domain.User{UserID: a.UserID, FirstName: a.FirstName, Username: a.Username}.DisplayName()
}

func truncate(message string) string {
	if len(message) <= maxMessageLength {
		return message
	}
	cut := maxMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + truncatedSuffix
}
