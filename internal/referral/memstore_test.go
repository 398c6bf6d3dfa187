package referral

import (
	"context"
	"fmt"
	"sync"

	"referral_bot/internal/domain"
)

// memStore is an in-memory Store. RunAtomically serialises units with txMu and
// restores a snapshot when fn fails.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users map[int64]domain.User
	codes map[string]domain.InviteCode

	getUserErr    map[int64]error
	staleReads    map[int64]int
	incrementErrs []error
	getUserCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[int64]domain.User),
		codes:      make(map[string]domain.InviteCode),
		getUserErr: make(map[int64]error),
		staleReads: make(map[int64]int),
	}
}

func (s *memStore) putUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
}

func (s *memStore) putCode(c domain.InviteCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
}

func (s *memStore) user(id int64) (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *memStore) code(code string) domain.InviteCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[code]
}

func (s *memStore) GetUser(_ context.Context, userID int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getUserCalls++
	if err := s.getUserErr[userID]; err != nil {
		return domain.User{}, err
	}
	if s.staleReads[userID] > 0 {
		s.staleReads[userID]--
		return domain.User{}, fmt.Errorf("find user: %w", domain.ErrUserNotFound)
	}
	u, ok := s.users[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("find user: %w", domain.ErrUserNotFound)
	}
	return u, nil
}

func (s *memStore) CreateUser(_ context.Context, user domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.UserID]; ok {
		return domain.User{}, fmt.Errorf("insert user %d: %w", user.UserID, domain.ErrUserExists)
	}
	s.users[user.UserID] = user
	return user, nil
}

func (s *memStore) UpdateUser(_ context.Context, userID int64, update domain.UserUpdate) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	if update.Referral != nil && u.Attributed() {
		return domain.User{}, domain.ErrAlreadyAttributed
	}
	u = u.Apply(update)
	s.users[userID] = u
	return u, nil
}

func (s *memStore) GetInviteCode(_ context.Context, code string) (domain.InviteCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return domain.InviteCode{}, domain.ErrInviteCodeNotFound
	}
	return c, nil
}

func (s *memStore) IncrementInviteCodeUse(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.incrementErrs) > 0 {
		err := s.incrementErrs[0]
		s.incrementErrs = s.incrementErrs[1:]
		if err != nil {
			return err
		}
	}
	c, ok := s.codes[code]
	if !ok {
		return domain.ErrInviteCodeNotFound
	}
	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		return domain.ErrInviteCodeExhausted
	}
	c.CurrentUses++
	s.codes[code] = c
	return nil
}

func (s *memStore) RunAtomically(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	users := make(map[int64]domain.User, len(s.users))
	for k, v := range s.users {
		users[k] = v
	}
	codes := make(map[string]domain.InviteCode, len(s.codes))
	for k, v := range s.codes {
		codes[k] = v
	}
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.users = users
		s.codes = codes
		s.mu.Unlock()
		return err
	}
	return nil
}

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }

func stringPtr(v string) *string { return &v }
