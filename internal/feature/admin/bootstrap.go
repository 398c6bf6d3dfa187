// Package admin provides the administrator tooling: startup bootstrap of the
// configured admin and read-only views over the referral graph.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"referral_bot/internal/domain"
	"referral_bot/internal/logging"
)

type userCollection interface {
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Bootstrapper aligns stored roles with the configured administrator.
type Bootstrapper struct {
	users  userCollection
	logger *logrus.Entry
}

// NewBootstrapper constructs a Bootstrapper for the provided users collection.
func NewBootstrapper(users userCollection, logger *logrus.Entry) *Bootstrapper {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Bootstrapper{
		users:  users,
		logger: logger,
	}
}

// EnsureAdmin demotes stored admins other than adminID and upserts adminID with
// the admin role, so invite codes owned by the admin always have an owner.
// Referral fields of a newly inserted admin start out null.
func (b *Bootstrapper) EnsureAdmin(ctx context.Context, adminID int64) error {
	if b == nil || b.users == nil {
		return errors.New("admin bootstrapper is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if adminID == 0 {
		return errors.New("admin id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)

	demoteResult, err := b.users.UpdateMany(ctx,
		bson.M{"role": domain.RoleAdmin, "user_id": bson.M{"$ne": adminID}},
		bson.M{"$set": bson.M{
			"role":       domain.RoleUser,
			"updated_at": now,
		}},
	)
	if err != nil {
		return fmt.Errorf("demote previous admins: %w", err)
	}

	upsertResult, err := b.users.UpdateOne(ctx,
		bson.M{"user_id": adminID},
		bson.M{
			"$set": bson.M{
				"role":       domain.RoleAdmin,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{
				"first_name":       "",
				"referred_by":      nil,
				"used_invite_code": nil,
				"created_at":       now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}

	b.logger.WithFields(logging.Fields{
		"event":          "admin_bootstrap",
		"admin_id":       adminID,
		"demoted_admins": modifiedCount(demoteResult),
		"matched_admin":  matchedCount(upsertResult),
		"upserted_admin": upsertedCount(upsertResult),
	}).Info("ensured bot admin")

	return nil
}

func modifiedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.ModifiedCount
}

func matchedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.MatchedCount
}

func upsertedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.UpsertedCount
}
