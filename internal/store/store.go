// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"referral_bot/internal/config"
	"referral_bot/internal/domain"
	"referral_bot/internal/referral"
)

// Collection names used across the bot.
const (
	CollectionUsers       = "users"
	CollectionInviteCodes = "invite_codes"
)

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	StartSession(...*options.SessionOptions) (mongo.Session, error)
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// runTransaction is overridable for tests. fn receives the session context so
// that repository calls made with it join the transaction.
var runTransaction = func(ctx context.Context, client mongoClient, fn func(ctx context.Context) error) error {
	session, err := client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Users returns the users collection handle.
func (m *Manager) Users() *mongo.Collection {
	return m.Collection(CollectionUsers)
}

// InviteCodes returns the invite_codes collection handle.
func (m *Manager) InviteCodes() *mongo.Collection {
	return m.Collection(CollectionInviteCodes)
}

// Ping verifies the primary is reachable. Used by the health endpoint.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	return nil
}

// RunAtomically runs fn inside a multi-document transaction. Mongo retries fn
// on transient transaction errors, so fn must be safe to re-run.
func (m *Manager) RunAtomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}
	if fn == nil {
		return errors.New("transaction function is required")
	}

	if err := runTransaction(ctx, m.client, fn); err != nil {
		return fmt.Errorf("run transaction: %w", err)
	}

	return nil
}

// EnsureBaseIndexes creates the indexes for the users and invite_codes
// collections. Collections are created implicitly if they do not already exist.
func (m *Manager) EnsureBaseIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	userIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().
				SetName("user_id_unique").
				SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "referred_by", Value: 1}},
			Options: options.Index().SetName("referred_by"),
		},
		{
			Keys: bson.D{{Key: "username", Value: 1}},
			Options: options.Index().
				SetName("username_ci").
				SetCollation(&options.Collation{Locale: "en", Strength: 2}),
		},
	}

	if _, err := createIndexes(ctx, m.Users(), userIndexes); err != nil {
		return fmt.Errorf("create users indexes: %w", err)
	}

	codeIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "code", Value: 1}},
			Options: options.Index().
				SetName("code_unique").
				SetUnique(true),
		},
	}

	if _, err := createIndexes(ctx, m.InviteCodes(), codeIndexes); err != nil {
		return fmt.Errorf("create invite_codes indexes: %w", err)
	}

	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}

var _ referral.Store = (*ReferralStore)(nil)

// ReferralStore combines the user and invite code repositories with the
// manager's transactions. It satisfies referral.Store.
type ReferralStore struct {
	*domain.UserRepository
	*domain.InviteCodeRepository
	atomic func(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReferralStore builds a ReferralStore over the manager's collections.
func (m *Manager) ReferralStore() *ReferralStore {
	return &ReferralStore{
		UserRepository:       domain.NewUserRepository(m.Users()),
		InviteCodeRepository: domain.NewInviteCodeRepository(m.InviteCodes()),
		atomic:               m.RunAtomically,
	}
}

// RunAtomically runs fn inside a transaction.
func (s *ReferralStore) RunAtomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if s == nil || s.atomic == nil {
		return errors.New("referral store is not initialized")
	}
	return s.atomic(ctx, fn)
}
