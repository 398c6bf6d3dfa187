// Package user implements the user-facing flows: registration through /start,
// personal invite links and the list of a user's own referrals.
package user

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"referral_bot/internal/domain"
	"referral_bot/internal/logging"
	"referral_bot/internal/referral"
)

// ErrNotRegistered is returned by flows that require a prior /start.
var ErrNotRegistered = errors.New("user is not registered")

type resolver interface {
	Resolve(ctx context.Context, actor referral.Actor, payload string, adminID int64) (referral.Result, error)
}

type userReader interface {
	GetUser(ctx context.Context, userID int64) (domain.User, error)
	ListReferrals(ctx context.Context, referrerID int64) ([]domain.User, error)
}

type recorder interface {
	UserRegistered()
	AttributionApplied(source string)
	ResolveFailed()
}

// Settings carries the configuration the user flows depend on.
type Settings struct {
	AdminID       int64
	BotUsername   string
	CommunityName string
}

// Registrar registers users on /start and serves their referral views.
type Registrar struct {
	resolver resolver
	users    userReader
	metrics  recorder
	settings Settings
	logger   *logrus.Entry
}

// NewRegistrar constructs a Registrar. metrics may be nil.
func NewRegistrar(resolver resolver, users userReader, metrics recorder, settings Settings, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		resolver: resolver,
		users:    users,
		metrics:  metrics,
		settings: settings,
		logger:   logger,
	}
}

// Greeting is the reply to /start.
type Greeting struct {
	Text   string
	Result referral.Result
}

// Start registers or refreshes actor, applying the referral carried by payload,
// and composes the greeting.
func (r *Registrar) Start(ctx context.Context, actor referral.Actor, payload string) (Greeting, error) {
	if r == nil || r.resolver == nil {
		return Greeting{}, errors.New("user registrar is not initialized")
	}

	result, err := r.resolver.Resolve(ctx, actor, payload, r.settings.AdminID)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ResolveFailed()
		}
		return Greeting{}, fmt.Errorf("resolve user: %w", err)
	}

	fields := logging.Fields{
		"event":            "user_seen",
		"user_id":          actor.ID,
		"referral_applied": result.ReferralApplied,
	}
	if result.ReferralApplied && result.Referrer != nil {
		fields["referrer_id"] = result.Referrer.UserID
		fields["source"] = result.Source
	}

	if result.IsNewUser {
		fields["event"] = "user_registered"
		r.logger.WithFields(fields).Info("registered new user")
	} else {
		r.logger.WithFields(fields).Debug("refreshed returning user")
	}

	if r.metrics != nil {
		if result.IsNewUser {
			r.metrics.UserRegistered()
		}
		if result.ReferralApplied {
			r.metrics.AttributionApplied(result.Source)
		}
	}

	return Greeting{Text: greetingText(result), Result: result}, nil
}

func greetingText(result referral.Result) string {
	var b strings.Builder

	name := result.User.DisplayName()
	referrerName := ""
	if result.ReferralApplied && result.Referrer != nil {
		referrerName = result.Referrer.DisplayName()
	}

	if result.IsNewUser {
		fmt.Fprintf(&b, "Hello, %s! 👋 ", name)
		if referrerName != "" {
			fmt.Fprintf(&b, "You were invited by %s.", referrerName)
		} else {
			b.WriteString("You are now registered.")
		}
	} else {
		fmt.Fprintf(&b, "Welcome back, %s! 👋", name)
		if referrerName != "" {
			fmt.Fprintf(&b, "\nYou are now registered as invited by %s.", referrerName)
		}
	}

	b.WriteString("\nUse /invite to get your link and bring more friends, or /my_referrals to see who you have invited.")
	if result.User.IsAdmin() {
		b.WriteString("\nAdministrator commands are available to you.")
	}

	return b.String()
}

// Invitation holds the two messages sent for /invite: instructions and the
// forwardable invitation carrying the personal link.
type Invitation struct {
	Link         string
	Instructions string
	Forwardable  string
}

// Invite builds the personal invitation of userID.
func (r *Registrar) Invite(ctx context.Context, userID int64) (Invitation, error) {
	user, err := r.registeredUser(ctx, userID)
	if err != nil {
		return Invitation{}, err
	}
	if r.settings.BotUsername == "" {
		return Invitation{}, errors.New("bot username is not configured")
	}

	link := ReferralLink(r.settings.BotUsername, strconv.FormatInt(userID, 10))
	community := r.settings.CommunityName
	if community == "" {
		community = "this community"
	}

	return Invitation{
		Link:         link,
		Instructions: fmt.Sprintf("Great, %s! ✨\nThe next message is ready for you to forward to your friends:", user.DisplayName()),
		Forwardable: fmt.Sprintf(
			"Hi! 👋\n\nI'm inviting you to join %s. I think you might like it!\n\nUse my personal link to get started:\n🔗 %s\n\nHope to see you there! 😉",
			community, link,
		),
	}, nil
}

// MyReferrals lists the users directly invited by userID, oldest first.
func (r *Registrar) MyReferrals(ctx context.Context, userID int64) (string, error) {
	if _, err := r.registeredUser(ctx, userID); err != nil {
		return "", err
	}

	referrals, err := r.users.ListReferrals(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list referrals: %w", err)
	}
	if len(referrals) == 0 {
		return "You haven't invited anyone yet. Share your link with /invite!", nil
	}

	var b strings.Builder
	b.WriteString("👍 These are the users you have invited:\n")
	for _, referred := range referrals {
		fmt.Fprintf(&b, "- %s (joined %s)\n", referred.DisplayName(), referred.CreatedAt.Format("2006-01-02"))
	}

	return b.String(), nil
}

func (r *Registrar) registeredUser(ctx context.Context, userID int64) (domain.User, error) {
	if r == nil || r.users == nil {
		return domain.User{}, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return domain.User{}, errors.New("context is required")
	}

	user, err := r.users.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return domain.User{}, ErrNotRegistered
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}

// ReferralLink builds the deep link that starts the bot with payload.
func ReferralLink(botUsername, payload string) string {
	return "https://t.me/" + strings.TrimPrefix(botUsername, "@") + "?start=" + payload
}
