package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// caseInsensitive matches usernames regardless of case.
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

// UserRepository persists and retrieves users in MongoDB. Calls made with a
// session context join the session's transaction.
type UserRepository struct {
	collection collection
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(collection collection) *UserRepository {
	return &UserRepository{collection: collection}
}

// CreateUser inserts a user with populated timestamps, defaulting the role to
// RoleUser when omitted.
func (r *UserRepository) CreateUser(ctx context.Context, user User) (User, error) {
	if err := r.ready(ctx); err != nil {
		return User{}, err
	}
	if user.UserID == 0 {
		return User{}, errors.New("user_id is required")
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}

	if _, err := r.collection.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, fmt.Errorf("insert user %d: %w", user.UserID, ErrUserExists)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

// GetUser fetches a user by Telegram user_id.
func (r *UserRepository) GetUser(ctx context.Context, userID int64) (User, error) {
	if err := r.ready(ctx); err != nil {
		return User{}, err
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	return r.findOne(ctx, bson.M{"user_id": userID})
}

// FindByUsername fetches a user by handle, ignoring case and a leading @.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (User, error) {
	if err := r.ready(ctx); err != nil {
		return User{}, err
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return User{}, errors.New("username is required")
	}

	return r.findOne(ctx, bson.M{"username": username}, options.FindOne().SetCollation(caseInsensitive))
}

// UpdateUser applies profile, role and (optionally) referral changes. The
// referral fields are only written while both are still null; otherwise
// ErrAlreadyAttributed is returned and nothing changes.
func (r *UserRepository) UpdateUser(ctx context.Context, userID int64, update UserUpdate) (User, error) {
	if err := r.ready(ctx); err != nil {
		return User{}, err
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	filter := bson.M{"user_id": userID}
	set := bson.M{
		"first_name": update.FirstName,
		"role":       update.Role,
		"updated_at": updatedAt,
	}
	doc := bson.M{"$set": set}
	if update.Username == "" {
		doc["$unset"] = bson.M{"username": ""}
	} else {
		set["username"] = update.Username
	}

	if update.Referral != nil {
		filter["referred_by"] = nil
		filter["used_invite_code"] = nil
		set["referred_by"] = update.Referral.ReferrerID
		if update.Referral.InviteCode != nil {
			set["used_invite_code"] = *update.Referral.InviteCode
		}
	}

	result := r.collection.FindOneAndUpdate(ctx, filter, doc,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	user, err := decodeUser(result)
	if errors.Is(err, ErrUserNotFound) && update.Referral != nil {
		return User{}, fmt.Errorf("update user %d: %w", userID, ErrAlreadyAttributed)
	}
	if err != nil {
		return User{}, fmt.Errorf("update user %d: %w", userID, err)
	}

	return user, nil
}

// SetLastBotMessage records the last message the bot sent to userID.
func (r *UserRepository) SetLastBotMessage(ctx context.Context, userID int64, messageID int, tag string) error {
	if err := r.ready(ctx); err != nil {
		return err
	}

	if _, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{
			"last_bot_message_id":      messageID,
			"last_bot_message_context": tag,
		}},
	); err != nil {
		return fmt.Errorf("set last bot message: %w", err)
	}

	return nil
}

// ListUsers returns every user ordered by registration time.
func (r *UserRepository) ListUsers(ctx context.Context) ([]User, error) {
	return r.find(ctx, bson.M{})
}

// ListReferrals returns the users directly referred by referrerID, oldest first.
func (r *UserRepository) ListReferrals(ctx context.Context, referrerID int64) ([]User, error) {
	return r.find(ctx, bson.M{"referred_by": referrerID})
}

func (r *UserRepository) find(ctx context.Context, filter bson.M) ([]User, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.collection.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}

	users := make([]User, 0)
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	return users, nil
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (User, error) {
	user, err := decodeUser(r.collection.FindOne(ctx, filter, opts...))
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

func (r *UserRepository) ready(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func decodeUser(result *mongo.SingleResult) (User, error) {
	if result == nil {
		return User{}, errors.New("mongo returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}

	var user User
	if err := result.Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}

	return user, nil
}

// InviteCodeRepository persists and retrieves custom invite codes in MongoDB.
type InviteCodeRepository struct {
	collection collection
}

// NewInviteCodeRepository constructs an InviteCodeRepository.
func NewInviteCodeRepository(collection collection) *InviteCodeRepository {
	return &InviteCodeRepository{collection: collection}
}

// CreateInviteCode inserts code, enabling it and stamping created_at when unset.
func (r *InviteCodeRepository) CreateInviteCode(ctx context.Context, code InviteCode) (InviteCode, error) {
	if err := r.ready(ctx); err != nil {
		return InviteCode{}, err
	}
	if strings.TrimSpace(code.Code) == "" {
		return InviteCode{}, errors.New("code is required")
	}
	if code.OwnerID == 0 {
		return InviteCode{}, errors.New("owner_id is required")
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	if _, err := r.collection.InsertOne(ctx, code); err != nil {
		return InviteCode{}, fmt.Errorf("insert invite code: %w", err)
	}

	return code, nil
}

// GetInviteCode fetches a code by exact match.
func (r *InviteCodeRepository) GetInviteCode(ctx context.Context, code string) (InviteCode, error) {
	if err := r.ready(ctx); err != nil {
		return InviteCode{}, err
	}
	if code == "" {
		return InviteCode{}, errors.New("code is required")
	}

	result := r.collection.FindOne(ctx, bson.M{"code": code})
	if result == nil {
		return InviteCode{}, errors.New("find invite code returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return InviteCode{}, fmt.Errorf("find invite code %q: %w", code, ErrInviteCodeNotFound)
		}
		return InviteCode{}, fmt.Errorf("find invite code: %w", err)
	}

	var invite InviteCode
	if err := result.Decode(&invite); err != nil {
		return InviteCode{}, fmt.Errorf("decode invite code: %w", err)
	}

	return invite, nil
}

// IncrementInviteCodeUse records one use of code. The update only matches
// while the code is still usable, so current_uses never passes max_uses.
func (r *InviteCodeRepository) IncrementInviteCodeUse(ctx context.Context, code string) error {
	if err := r.ready(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	filter := bson.M{
		"code":    code,
		"enabled": true,
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"expires_at": nil},
				bson.M{"expires_at": bson.M{"$gt": now}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"max_uses": nil},
				bson.M{"$expr": bson.M{"$lt": bson.A{"$current_uses", "$max_uses"}}},
			}},
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"current_uses": 1}})
	if err != nil {
		return fmt.Errorf("increment invite code use: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("increment invite code %q: %w", code, ErrInviteCodeExhausted)
	}

	return nil
}

// SetInviteCodeEnabled toggles the enabled flag of code.
func (r *InviteCodeRepository) SetInviteCodeEnabled(ctx context.Context, code string, enabled bool) error {
	if err := r.ready(ctx); err != nil {
		return err
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"code": code},
		bson.M{"$set": bson.M{"enabled": enabled}},
	)
	if err != nil {
		return fmt.Errorf("update invite code: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("update invite code %q: %w", code, ErrInviteCodeNotFound)
	}

	return nil
}

// ListInviteCodes returns all codes, newest first.
func (r *InviteCodeRepository) ListInviteCodes(ctx context.Context) ([]InviteCode, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.collection.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find invite codes: %w", err)
	}

	codes := make([]InviteCode, 0)
	if err := cursor.All(ctx, &codes); err != nil {
		return nil, fmt.Errorf("decode invite codes: %w", err)
	}

	return codes, nil
}

func (r *InviteCodeRepository) ready(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return errors.New("invite code repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
