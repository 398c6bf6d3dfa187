package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Stats summarizes the referral graph for the admin.
type Stats struct {
	Users         int64
	ReferredUsers int64
	InviteCodes   int64
}

// StatsProvider exposes helper methods to retrieve collection counts without
// leaking MongoDB internals to callers.
type StatsProvider struct {
	users       countCollection
	inviteCodes countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the provided users and
// invite_codes collections.
func NewStatsProvider(users, inviteCodes countCollection) *StatsProvider {
	return &StatsProvider{
		users:       users,
		inviteCodes: inviteCodes,
	}
}

// CountUsers returns the number of registered users.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	if err := p.ready(ctx); err != nil {
		return 0, err
	}

	count, err := p.users.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return count, nil
}

// CountReferredUsers returns the number of users credited to a referrer.
func (p *StatsProvider) CountReferredUsers(ctx context.Context) (int64, error) {
	if err := p.ready(ctx); err != nil {
		return 0, err
	}

	count, err := p.users.CountDocuments(ctx, bson.M{"referred_by": bson.M{"$ne": nil}})
	if err != nil {
		return 0, fmt.Errorf("count referred users: %w", err)
	}

	return count, nil
}

// CountInviteCodes returns the number of custom invite codes.
func (p *StatsProvider) CountInviteCodes(ctx context.Context) (int64, error) {
	if err := p.ready(ctx); err != nil {
		return 0, err
	}
	if p.inviteCodes == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.inviteCodes.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count invite codes: %w", err)
	}

	return count, nil
}

// Snapshot collects all counters, stopping at the first failure.
func (p *StatsProvider) Snapshot(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		err   error
	)

	if stats.Users, err = p.CountUsers(ctx); err != nil {
		return Stats{}, err
	}
	if stats.ReferredUsers, err = p.CountReferredUsers(ctx); err != nil {
		return Stats{}, err
	}
	if stats.InviteCodes, err = p.CountInviteCodes(ctx); err != nil {
		return Stats{}, err
	}

	return stats, nil
}

func (p *StatsProvider) ready(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if p == nil || p.users == nil {
		return errors.New("stats provider is not initialized")
	}
	return nil
}
