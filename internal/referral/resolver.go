package referral

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"referral_bot/internal/domain"
	"referral_bot/internal/logging"
)

// Attribution sources reported in Result.Source.
const (
	SourceDirect     = "direct"
	SourceInviteCode = "invite_code"
)

// Actor is the Telegram user on whose behalf an event arrives.
type Actor struct {
	ID        int64
	FirstName string
	Username  string
}

// Result is the outcome of a resolution.
type Result struct {
	User            domain.User
	IsNewUser       bool
	ReferralApplied bool
	// Source is SourceDirect or SourceInviteCode when ReferralApplied.
	Source string
	// Referrer is the credited user (the direct referrer or the code owner).
	// It is only set when ReferralApplied is true.
	Referrer *domain.User
}

type payloadKind int

const (
	payloadNone payloadKind = iota
	payloadDirect
	payloadCode
)

// interpretation is the single reading of a start payload.
type interpretation struct {
	kind     payloadKind
	referrer domain.User
	code     string
}

func (i interpretation) attribution() *domain.Attribution {
	if i.kind == payloadNone {
		return nil
	}
	attr := &domain.Attribution{ReferrerID: i.referrer.UserID}
	if i.kind == payloadCode {
		code := i.code
		attr.InviteCode = &code
	}
	return attr
}

func (i interpretation) source() string {
	switch i.kind {
	case payloadDirect:
		return SourceDirect
	case payloadCode:
		return SourceInviteCode
	default:
		return ""
	}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source used for timestamps and code expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver creates or refreshes users on registration events and decides
// whether the event credits a referrer.
type Resolver struct {
	store  Store
	logger *logrus.Entry
	now    func() time.Time
}

// NewResolver constructs a Resolver over store.
func NewResolver(store Store, logger *logrus.Entry, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve registers or refreshes actor and applies the referral carried by
// payload when the actor has never been attributed. The role is derived from
// adminID on every call. All writes happen inside one atomic unit; on error
// nothing is persisted.
func (r *Resolver) Resolve(ctx context.Context, actor Actor, payload string, adminID int64) (Result, error) {
	if r == nil || r.store == nil {
		return Result{}, errors.New("resolver is not initialized")
	}
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}
	if actor.ID == 0 {
		return Result{}, errors.New("actor id is required")
	}

	role := domain.RoleFor(actor.ID, adminID)

	result, err := r.resolveOnce(ctx, actor, payload, role)
	switch {
	case errors.Is(err, domain.ErrInviteCodeExhausted):
		// The code stopped being usable between the lookup and the increment.
		// A second pass reads the new state and resolves without it.
		r.logger.WithFields(logging.Fields{
			"event":   "invite_code_race",
			"user_id": actor.ID,
		}).Debug("invite code exhausted during attribution, retrying")
		result, err = r.resolveOnce(ctx, actor, payload, role)
	case errors.Is(err, domain.ErrUserExists):
		// A concurrent first /start committed the user; the second pass takes
		// the returning-user path.
		r.logger.WithFields(logging.Fields{
			"event":   "user_create_race",
			"user_id": actor.ID,
		}).Debug("user created concurrently, retrying")
		result, err = r.resolveOnce(ctx, actor, payload, role)
	}
	if err != nil {
		if !errors.Is(err, ErrStorage) {
			err = fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return Result{}, err
	}

	return result, nil
}

func (r *Resolver) resolveOnce(ctx context.Context, actor Actor, payload, role string) (Result, error) {
	var result Result

	err := r.store.RunAtomically(ctx, func(ctx context.Context) error {
		// RunAtomically may invoke fn more than once on transient conflicts.
		result = Result{}

		interp, err := r.interpret(ctx, actor.ID, payload)
		if err != nil {
			return err
		}

		now := r.now().UTC().Truncate(time.Millisecond)
		attribution := interp.attribution()

		existing, err := r.store.GetUser(ctx, actor.ID)
		switch {
		case errors.Is(err, domain.ErrUserNotFound):
			user := domain.User{
				UserID:    actor.ID,
				FirstName: actor.FirstName,
				Username:  actor.Username,
				Role:      role,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if attribution != nil {
				user = user.Apply(domain.UserUpdate{
					FirstName: actor.FirstName,
					Username:  actor.Username,
					Role:      role,
					UpdatedAt: now,
					Referral:  attribution,
				})
			}

			created, err := r.store.CreateUser(ctx, user)
			if errors.Is(err, domain.ErrUserExists) {
				return err
			}
			if err != nil {
				return fmt.Errorf("%w: create user: %w", ErrStorage, err)
			}
			result.User = created
			result.IsNewUser = true
			result.ReferralApplied = attribution != nil

		case err != nil:
			return fmt.Errorf("%w: get user: %w", ErrStorage, err)

		default:
			update := domain.UserUpdate{
				FirstName: actor.FirstName,
				Username:  actor.Username,
				Role:      role,
				UpdatedAt: now,
			}
			if attribution != nil && !existing.Attributed() {
				update.Referral = attribution
			}

			updated, err := r.store.UpdateUser(ctx, actor.ID, update)
			if errors.Is(err, domain.ErrAlreadyAttributed) {
				update.Referral = nil
				updated, err = r.store.UpdateUser(ctx, actor.ID, update)
			}
			if err != nil {
				return fmt.Errorf("%w: update user: %w", ErrStorage, err)
			}
			result.User = updated
			result.ReferralApplied = update.Referral != nil
		}

		if !result.ReferralApplied {
			return nil
		}

		if interp.kind == payloadCode {
			if err := r.store.IncrementInviteCodeUse(ctx, interp.code); err != nil {
				if errors.Is(err, domain.ErrInviteCodeExhausted) {
					return err
				}
				return fmt.Errorf("%w: increment invite code: %w", ErrStorage, err)
			}
		}

		referrer := interp.referrer
		result.Referrer = &referrer
		result.Source = interp.source()
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return result, nil
}

// interpret reads payload as a direct referrer id first and as a custom invite
// code second. Unusable payloads yield payloadNone and are never an error.
func (r *Resolver) interpret(ctx context.Context, actorID int64, payload string) (interpretation, error) {
	if strings.TrimSpace(payload) == "" {
		return interpretation{}, nil
	}

	if referrerID, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64); err == nil {
		switch {
		case referrerID == actorID:
			r.ignore(actorID, "self_referral")
		case referrerID <= 0:
			r.ignore(actorID, "unknown_referrer")
		default:
			referrer, err := r.store.GetUser(ctx, referrerID)
			switch {
			case err == nil:
				return interpretation{kind: payloadDirect, referrer: referrer}, nil
			case errors.Is(err, domain.ErrUserNotFound):
				r.ignore(actorID, "unknown_referrer")
			default:
				return interpretation{}, fmt.Errorf("%w: get referrer: %w", ErrStorage, err)
			}
		}
	}

	code, err := r.store.GetInviteCode(ctx, payload)
	switch {
	case errors.Is(err, domain.ErrInviteCodeNotFound):
		r.ignore(actorID, "unknown_payload")
		return interpretation{}, nil
	case err != nil:
		return interpretation{}, fmt.Errorf("%w: get invite code: %w", ErrStorage, err)
	}

	if status := code.Status(r.now()); status != domain.InviteCodeActive {
		r.ignore(actorID, "invite_code_"+status)
		return interpretation{}, nil
	}
	if code.OwnerID == actorID {
		r.ignore(actorID, "own_invite_code")
		return interpretation{}, nil
	}

	owner, err := r.store.GetUser(ctx, code.OwnerID)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		r.ignore(actorID, "invite_code_owner_missing")
		return interpretation{}, nil
	case err != nil:
		return interpretation{}, fmt.Errorf("%w: get invite code owner: %w", ErrStorage, err)
	}

	return interpretation{kind: payloadCode, referrer: owner, code: code.Code}, nil
}

func (r *Resolver) ignore(actorID int64, reason string) {
	r.logger.WithFields(logging.Fields{
		"event":   "payload_ignored",
		"user_id": actorID,
		"reason":  reason,
	}).Debug("start payload did not yield a referrer")
}
