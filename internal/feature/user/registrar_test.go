package user

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"referral_bot/internal/domain"
	"referral_bot/internal/referral"
)

var testSettings = Settings{AdminID: 1, BotUsername: "referral_test_bot", CommunityName: "Gopher Club"}

func TestStartNewUserWithReferrer(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	res := &stubResolver{result: referral.Result{
		User:            domain.User{UserID: 42, FirstName: "Answer", Role: domain.RoleUser},
		IsNewUser:       true,
		ReferralApplied: true,
		Source:          referral.SourceDirect,
		Referrer:        &domain.User{UserID: 7, FirstName: "Seven"},
	}}
	rec := &stubRecorder{}
	registrar := NewRegistrar(res, newFakeUsers(), rec, testSettings, logrus.NewEntry(hookLogger))

	greeting, err := registrar.Start(context.Background(), referral.Actor{ID: 42, FirstName: "Answer"}, "7")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if res.payload != "7" || res.adminID != testSettings.AdminID {
		t.Fatalf("expected resolver to receive payload and admin id, got %q and %d", res.payload, res.adminID)
	}
	if !strings.Contains(greeting.Text, "Hello, Answer!") || !strings.Contains(greeting.Text, "You were invited by Seven.") {
		t.Fatalf("unexpected greeting: %s", greeting.Text)
	}
	if strings.Contains(greeting.Text, "Administrator commands") {
		t.Fatalf("expected no admin hint for regular user: %s", greeting.Text)
	}
	if rec.registered != 1 || len(rec.sources) != 1 || rec.sources[0] != referral.SourceDirect {
		t.Fatalf("expected registration and direct attribution recorded, got %+v", rec)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != "user_registered" || entry.Data["referrer_id"] != int64(7) {
		t.Fatalf("expected user_registered log with referrer, got %+v", entry)
	}
}

func TestStartReturningAdmin(t *testing.T) {
	hookLogger, _ := logtest.NewNullLogger()
	res := &stubResolver{result: referral.Result{
		User: domain.User{UserID: 1, Username: "boss", Role: domain.RoleAdmin},
	}}
	rec := &stubRecorder{}
	registrar := NewRegistrar(res, newFakeUsers(), rec, testSettings, logrus.NewEntry(hookLogger))

	greeting, err := registrar.Start(context.Background(), referral.Actor{ID: 1, Username: "boss"}, "")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if !strings.HasPrefix(greeting.Text, "Welcome back, boss!") {
		t.Fatalf("unexpected greeting: %s", greeting.Text)
	}
	if strings.Contains(greeting.Text, "invited by") {
		t.Fatalf("expected no referral line: %s", greeting.Text)
	}
	if !strings.Contains(greeting.Text, "Administrator commands are available to you.") {
		t.Fatalf("expected admin hint: %s", greeting.Text)
	}
	if rec.registered != 0 || len(rec.sources) != 0 {
		t.Fatalf("expected nothing recorded for returning user, got %+v", rec)
	}
}

func TestStartIgnoresReferrerWhenNotApplied(t *testing.T) {
	res := &stubResolver{result: referral.Result{
		User:      domain.User{UserID: 42, FirstName: "Answer"},
		IsNewUser: true,
		Referrer:  &domain.User{UserID: 7, FirstName: "Seven"},
	}}
	registrar := NewRegistrar(res, newFakeUsers(), nil, testSettings, nil)

	greeting, err := registrar.Start(context.Background(), referral.Actor{ID: 42}, "7")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !strings.Contains(greeting.Text, "You are now registered.") || strings.Contains(greeting.Text, "Seven") {
		t.Fatalf("unexpected greeting: %s", greeting.Text)
	}
}

func TestStartRecordsFailures(t *testing.T) {
	expected := errors.New("boom")
	rec := &stubRecorder{}
	registrar := NewRegistrar(&stubResolver{err: expected}, newFakeUsers(), rec, testSettings, nil)

	_, err := registrar.Start(context.Background(), referral.Actor{ID: 42}, "")
	if !errors.Is(err, expected) {
		t.Fatalf("expected resolver error, got %v", err)
	}
	if rec.failures != 1 {
		t.Fatalf("expected failure to be recorded, got %d", rec.failures)
	}
}

func TestInviteBuildsPersonalLink(t *testing.T) {
	users := newFakeUsers()
	users.users[42] = domain.User{UserID: 42, FirstName: "Answer"}
	registrar := NewRegistrar(&stubResolver{}, users, nil, testSettings, nil)

	invitation, err := registrar.Invite(context.Background(), 42)
	if err != nil {
		t.Fatalf("Invite returned error: %v", err)
	}

	if invitation.Link != "https://t.me/referral_test_bot?start=42" {
		t.Fatalf("unexpected link %s", invitation.Link)
	}
	if !strings.Contains(invitation.Instructions, "Great, Answer!") {
		t.Fatalf("unexpected instructions: %s", invitation.Instructions)
	}
	if !strings.Contains(invitation.Forwardable, "join Gopher Club") || !strings.Contains(invitation.Forwardable, invitation.Link) {
		t.Fatalf("unexpected forwardable text: %s", invitation.Forwardable)
	}
}

func TestInviteRequiresRegistration(t *testing.T) {
	registrar := NewRegistrar(&stubResolver{}, newFakeUsers(), nil, testSettings, nil)

	_, err := registrar.Invite(context.Background(), 42)
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestMyReferrals(t *testing.T) {
	users := newFakeUsers()
	users.users[7] = domain.User{UserID: 7, FirstName: "Seven"}
	users.referrals[7] = []domain.User{
		{UserID: 42, FirstName: "Answer", CreatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{UserID: 43, Username: "fortythree", CreatedAt: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)},
	}
	registrar := NewRegistrar(&stubResolver{}, users, nil, testSettings, nil)

	text, err := registrar.MyReferrals(context.Background(), 7)
	if err != nil {
		t.Fatalf("MyReferrals returned error: %v", err)
	}

	if !strings.Contains(text, "- Answer (joined 2025-01-02)") || !strings.Contains(text, "- fortythree (joined 2025-02-03)") {
		t.Fatalf("unexpected referrals text: %s", text)
	}
	if strings.Index(text, "Answer") > strings.Index(text, "fortythree") {
		t.Fatalf("expected oldest referral first: %s", text)
	}
}

func TestMyReferralsEmptyAndUnregistered(t *testing.T) {
	users := newFakeUsers()
	users.users[7] = domain.User{UserID: 7}
	registrar := NewRegistrar(&stubResolver{}, users, nil, testSettings, nil)

	text, err := registrar.MyReferrals(context.Background(), 7)
	if err != nil {
		t.Fatalf("MyReferrals returned error: %v", err)
	}
	if !strings.Contains(text, "haven't invited anyone") {
		t.Fatalf("unexpected empty text: %s", text)
	}

	if _, err := registrar.MyReferrals(context.Background(), 8); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

type stubResolver struct {
	result  referral.Result
	err     error
	payload string
	adminID int64
}

func (s *stubResolver) Resolve(_ context.Context, _ referral.Actor, payload string, adminID int64) (referral.Result, error) {
	s.payload = payload
	s.adminID = adminID
	return s.result, s.err
}

type stubRecorder struct {
	registered int
	failures   int
	sources    []string
}

func (s *stubRecorder) UserRegistered()                  { s.registered++ }
func (s *stubRecorder) AttributionApplied(source string) { s.sources = append(s.sources, source) }
func (s *stubRecorder) ResolveFailed()                   { s.failures++ }

type fakeUsers struct {
	users     map[int64]domain.User
	referrals map[int64][]domain.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users:     make(map[int64]domain.User),
		referrals: make(map[int64][]domain.User),
	}
}

func (f *fakeUsers) GetUser(_ context.Context, userID int64) (domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUsers) ListReferrals(_ context.Context, referrerID int64) ([]domain.User, error) {
	return f.referrals[referrerID], nil
}
