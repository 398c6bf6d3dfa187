package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"referral_bot/internal/domain"
	"referral_bot/internal/feature/invitecode"
	"referral_bot/internal/feature/user"
	"referral_bot/internal/referral"
)

const testAdminID = int64(1)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text     string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{text: "/start", wantName: "start", wantOK: true},
		{text: "/start 7", wantName: "start", wantArgs: "7", wantOK: true},
		{text: "/Start@Referral_Test_Bot SPRING", wantName: "start", wantArgs: "SPRING", wantOK: true},
		{text: "/reply @bee  hello there ", wantName: "reply", wantArgs: "@bee  hello there", wantOK: true},
		{text: "/start@other_bot", wantOK: false},
		{text: "hello", wantOK: false},
		{text: "/", wantOK: false},
	}

	for _, tt := range tests {
		name, args, ok := parseCommand(tt.text, "referral_test_bot")
		if ok != tt.wantOK || name != tt.wantName || args != tt.wantArgs {
			t.Fatalf("parseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.text, name, args, ok, tt.wantName, tt.wantArgs, tt.wantOK)
		}
	}
}

func TestStartReplacesPreviousGreeting(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.flows.greeting = user.Greeting{
		Text: "Hello, Answer!",
		Result: referral.Result{User: domain.User{
			UserID:                42,
			LastBotMessageID:      77,
			LastBotMessageContext: tagStart,
		}},
	}

	client.handleMessage(context.Background(), privateMessage(42, "/start 7"))

	if deps.flows.payload != "7" || deps.flows.actor.ID != 42 || deps.flows.actor.FirstName != "User42" {
		t.Fatalf("expected start to receive actor and payload, got %+v %q", deps.flows.actor, deps.flows.payload)
	}
	if len(fb.deleted) != 1 || fb.deleted[0].MessageID != 77 {
		t.Fatalf("expected previous greeting to be deleted, got %+v", fb.deleted)
	}
	if got := fb.texts(); len(got) != 1 || got[0] != "Hello, Answer!" {
		t.Fatalf("unexpected replies %v", got)
	}
	if deps.store.lastMessage[42] != (lastMessage{id: 1001, tag: tagStart}) {
		t.Fatalf("expected new greeting to be recorded, got %+v", deps.store.lastMessage[42])
	}
}

func TestStartKeepsMessagesWithOtherTag(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.flows.greeting = user.Greeting{
		Text: "Welcome back",
		Result: referral.Result{User: domain.User{
			UserID:                42,
			LastBotMessageID:      77,
			LastBotMessageContext: tagInvite,
		}},
	}

	client.handleMessage(context.Background(), privateMessage(42, "/start"))

	if len(fb.deleted) != 0 {
		t.Fatalf("expected no deletion for a different tag, got %+v", fb.deleted)
	}
}

func TestStartFailureRepliesGenerically(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	client, fb, deps := newTestClient(t)
	client.logger = logrus.NewEntry(hookLogger)
	deps.flows.err = errors.New("storage down")

	client.handleMessage(context.Background(), privateMessage(42, "/start"))

	if got := fb.texts(); len(got) != 1 || got[0] != msgFailure {
		t.Fatalf("expected generic failure reply, got %v", got)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != "command_failed" || entry.Data["command"] != "start" {
		t.Fatalf("expected command_failed log, got %+v", entry)
	}
}

func TestInviteSendsInstructionsAndForwardable(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.store.users[42] = domain.User{UserID: 42, LastBotMessageID: 55, LastBotMessageContext: tagInvite}
	deps.flows.invitation = user.Invitation{Instructions: "Forward the next message", Forwardable: "Join via link"}

	client.handleMessage(context.Background(), privateMessage(42, "/refer"))

	if len(fb.deleted) != 1 || fb.deleted[0].MessageID != 55 {
		t.Fatalf("expected stale instructions to be deleted, got %+v", fb.deleted)
	}
	got := fb.texts()
	if len(got) != 2 || got[0] != "Forward the next message" || got[1] != "Join via link" {
		t.Fatalf("unexpected replies %v", got)
	}
	if deps.store.lastMessage[42].tag != tagInvite {
		t.Fatalf("expected instructions to be recorded under the invite tag")
	}
}

func TestInviteRequiresRegistration(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.flows.err = fmt.Errorf("invite: %w", user.ErrNotRegistered)

	client.handleMessage(context.Background(), privateMessage(42, "/invite"))

	if got := fb.texts(); len(got) != 1 || got[0] != msgNotRegistered {
		t.Fatalf("expected registration hint, got %v", got)
	}
}

func TestAdminCommandsAreGated(t *testing.T) {
	client, fb, deps := newTestClient(t)

	for _, cmd := range []string{"/admin_users", "/admin_user_info 4", "/reply 4 hi", "/admin_stats", "/admin_code_create", "/admin_code_disable X", "/admin_codes"} {
		client.handleMessage(context.Background(), privateMessage(42, cmd))
	}

	for _, text := range fb.texts() {
		if text != msgAdminOnly {
			t.Fatalf("expected admin-only reply, got %q", text)
		}
	}
	if len(fb.sent) != 7 || deps.console.calls != 0 || deps.codes.calls != 0 {
		t.Fatalf("expected every command rejected without reaching handlers, sent=%d console=%d codes=%d", len(fb.sent), deps.console.calls, deps.codes.calls)
	}
}

func TestAdminConsoleCommands(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.console.users = "Registered users: ..."
	deps.console.info = "User details: B"
	deps.console.stats = "📊 Referral stats"

	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_users"))
	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_user_info @bee"))
	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_user_info"))
	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_stats"))

	got := fb.texts()
	want := []string{"Registered users: ...", "User details: B", "Usage: /admin_user_info <id|@username>", "📊 Referral stats"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected replies %v, want %v", got, want)
	}
	if deps.console.identifier != "@bee" {
		t.Fatalf("expected identifier to be passed through, got %q", deps.console.identifier)
	}
}

func TestAdminUserInfoNotFound(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.console.err = domain.ErrUserNotFound

	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_user_info @ghost"))

	if got := fb.texts(); len(got) != 1 || got[0] != msgUserNotFound {
		t.Fatalf("expected not found reply, got %v", got)
	}
}

func TestReplyCommandSendsToUser(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.console.found = domain.User{UserID: 3, FirstName: "B"}

	client.handleMessage(context.Background(), privateMessage(testAdminID, "/reply @bee see you soon"))

	if len(fb.sent) != 2 {
		t.Fatalf("expected message to user and confirmation, got %d", len(fb.sent))
	}
	if fb.sent[0].ChatID != int64(3) || fb.sent[0].Text != adminReplyPrefix+"see you soon" {
		t.Fatalf("unexpected message to user %+v", fb.sent[0])
	}
	if fb.sent[1].Text != "Reply sent to B (ID: 3)." {
		t.Fatalf("unexpected confirmation %q", fb.sent[1].Text)
	}

	client.handleMessage(context.Background(), privateMessage(testAdminID, "/reply @bee"))
	if last := fb.sent[len(fb.sent)-1].Text; !strings.HasPrefix(last, "Usage: /reply") {
		t.Fatalf("expected usage reply, got %q", last)
	}
}

func TestInviteCodeCommands(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.codes.created = invitecode.Created{Code: domain.InviteCode{Code: "SPRING"}, Link: "https://t.me/referral_test_bot?start=SPRING"}
	deps.codes.list = "Invite codes:\n- SPRING [active] uses 0/unlimited\n"

	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_code_create SPRING 5 7d"))
	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_code_disable SPRING"))
	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_codes"))

	if deps.codes.request.Code != "SPRING" || deps.codes.request.MaxUses != 5 {
		t.Fatalf("expected parsed create request, got %+v", deps.codes.request)
	}
	if deps.codes.disabled != "SPRING" {
		t.Fatalf("expected SPRING to be disabled, got %q", deps.codes.disabled)
	}

	got := fb.texts()
	if len(got) != 3 {
		t.Fatalf("expected three replies, got %v", got)
	}
	if !strings.Contains(got[0], "Invite code SPRING created.") || !strings.Contains(got[0], deps.codes.created.Link) {
		t.Fatalf("unexpected create reply %q", got[0])
	}
	if got[1] != "Invite code SPRING disabled." || got[2] != deps.codes.list {
		t.Fatalf("unexpected replies %v", got)
	}
}

func TestInviteCodeCommandErrors(t *testing.T) {
	client, fb, deps := newTestClient(t)

	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_code_create X zero"))
	deps.codes.err = fmt.Errorf("create: %w", invitecode.ErrCodeTaken)
	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_code_create SPRING"))
	deps.codes.err = fmt.Errorf("disable: %w", domain.ErrInviteCodeNotFound)
	client.handleMessage(context.Background(), privateMessage(testAdminID, "/admin_code_disable NOPE"))

	got := fb.texts()
	if len(got) != 3 {
		t.Fatalf("expected three replies, got %v", got)
	}
	if !strings.Contains(got[0], "max_uses must be a positive number") || !strings.Contains(got[0], "Usage: /admin_code_create") {
		t.Fatalf("expected argument error with usage, got %q", got[0])
	}
	if got[1] != "That invite code already exists." || got[2] != "Invite code not found." {
		t.Fatalf("unexpected replies %v", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	client, fb, _ := newTestClient(t)

	client.handleMessage(context.Background(), privateMessage(42, "/dance"))

	if got := fb.texts(); len(got) != 1 || got[0] != msgUnknown {
		t.Fatalf("expected unknown command reply, got %v", got)
	}
}

func TestCommandLogCarriesContext(t *testing.T) {
	client, _, _ := newTestClient(t)
	hookLogger, hook := logtest.NewNullLogger()
	client.logger = logrus.NewEntry(hookLogger)

	client.handleMessage(context.Background(), privateMessage(42, "/admin_stats"))

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "rejected admin command from non-admin" {
		t.Fatalf("expected rejection log, got %+v", entry)
	}
	if entry.Data["event"] != "telegram_command" || entry.Data["command"] != "admin_stats" {
		t.Fatalf("expected command fields, got %v", entry.Data)
	}
	if entry.Data["user_id"] != int64(42) || entry.Data["chat_id"] != int64(42) {
		t.Fatalf("expected user and chat ids, got %v", entry.Data)
	}
}

func TestUserTextIsForwardedToAdmin(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.store.users[42] = domain.User{UserID: 42, FirstName: "Answer", Username: "answer"}

	msg := privateMessage(42, "Can I invite my team?")
	msg.ID = 314
	client.handleMessage(context.Background(), msg)

	if len(fb.forwarded) != 1 {
		t.Fatalf("expected one forward, got %d", len(fb.forwarded))
	}
	fwd := fb.forwarded[0]
	if fwd.ChatID != testAdminID || fwd.FromChatID != int64(42) || fwd.MessageID != 314 {
		t.Fatalf("unexpected forward params %+v", fwd)
	}

	if len(fb.sent) != 2 {
		t.Fatalf("expected admin notice and user confirmation, got %v", fb.texts())
	}
	notice := fb.sent[0]
	if notice.ChatID != testAdminID || !strings.Contains(notice.Text, "Message from Answer (ID: 42, Username: @answer).") {
		t.Fatalf("unexpected admin notice %+v", notice)
	}
	keyboard, ok := notice.ReplyMarkup.(*models.InlineKeyboardMarkup)
	if !ok || len(keyboard.InlineKeyboard) != 1 || len(keyboard.InlineKeyboard[0]) != 2 {
		t.Fatalf("expected one row with two buttons, got %#v", notice.ReplyMarkup)
	}
	if keyboard.InlineKeyboard[0][0].URL != "https://t.me/answer" || keyboard.InlineKeyboard[0][1].URL != "tg://user?id=42" {
		t.Fatalf("unexpected button urls %+v", keyboard.InlineKeyboard[0])
	}
	if fb.sent[1].ChatID != int64(42) || fb.sent[1].Text != msgForwarded {
		t.Fatalf("unexpected user confirmation %+v", fb.sent[1])
	}

	ref, ok := client.forwards.lookup(5001)
	if !ok || ref.userID != 42 || ref.messageID != 314 {
		t.Fatalf("expected forward to be remembered, got %+v", ref)
	}
}

func TestUnregisteredUserTextIsNotForwarded(t *testing.T) {
	client, fb, _ := newTestClient(t)

	client.handleMessage(context.Background(), privateMessage(42, "hello?"))

	if len(fb.forwarded) != 0 {
		t.Fatalf("expected no forward for unregistered user")
	}
	if got := fb.texts(); len(got) != 1 || got[0] != msgNotRegistered {
		t.Fatalf("expected registration hint, got %v", got)
	}
}

func TestGroupTextIsIgnored(t *testing.T) {
	client, fb, deps := newTestClient(t)
	deps.store.users[42] = domain.User{UserID: 42}

	msg := privateMessage(42, "hello group")
	msg.Chat.Type = "group"
	client.handleMessage(context.Background(), msg)

	if len(fb.forwarded) != 0 || len(fb.sent) != 0 {
		t.Fatalf("expected group chatter to be ignored")
	}
}

func TestAdminReplyQuotesOriginal(t *testing.T) {
	client, fb, _ := newTestClient(t)
	client.forwards.remember(5001, forwardRef{userID: 42, messageID: 314})

	msg := privateMessage(testAdminID, "Sure, go ahead.")
	msg.ReplyToMessage = &models.Message{ID: 5001}
	client.handleMessage(context.Background(), msg)

	if len(fb.sent) != 2 {
		t.Fatalf("expected reply and confirmation, got %v", fb.texts())
	}
	out := fb.sent[0]
	if out.ChatID != int64(42) || out.Text != adminReplyPrefix+"Sure, go ahead." {
		t.Fatalf("unexpected reply %+v", out)
	}
	if out.ReplyParameters == nil || out.ReplyParameters.MessageID != 314 {
		t.Fatalf("expected reply to quote original message, got %+v", out.ReplyParameters)
	}
}

func TestAdminReplyFallsBackToForwardOrigin(t *testing.T) {
	client, fb, _ := newTestClient(t)

	msg := privateMessage(testAdminID, "Thanks!")
	msg.ReplyToMessage = &models.Message{
		ID: 9000,
		ForwardOrigin: &models.MessageOrigin{
			MessageOriginUser: &models.MessageOriginUser{SenderUser: models.User{ID: 43}},
		},
	}
	client.handleMessage(context.Background(), msg)

	if len(fb.sent) != 2 || fb.sent[0].ChatID != int64(43) || fb.sent[0].ReplyParameters != nil {
		t.Fatalf("expected unquoted reply to forward origin, got %+v", fb.sent)
	}

	fb.sent = nil
	msg.ReplyToMessage = &models.Message{ID: 9001}
	client.handleMessage(context.Background(), msg)
	if got := fb.texts(); len(got) != 1 || !strings.HasPrefix(got[0], "Cannot find the original sender") {
		t.Fatalf("expected hint when sender is unknown, got %v", got)
	}
}

type testDeps struct {
	flows   *stubFlows
	console *stubConsole
	codes   *stubCodes
	store   *fakeUserStore
}

func newTestClient(t *testing.T) (*Client, *fakeBot, testDeps) {
	t.Helper()
	hookLogger, _ := logtest.NewNullLogger()
	fb := &fakeBot{}
	deps := testDeps{
		flows:   &stubFlows{},
		console: &stubConsole{},
		codes:   &stubCodes{},
		store:   &fakeUserStore{users: make(map[int64]domain.User), lastMessage: make(map[int64]lastMessage)},
	}
	client := &Client{
		api:         fb,
		logger:      logrus.NewEntry(hookLogger),
		adminID:     testAdminID,
		botUsername: "referral_test_bot",
		users:       deps.flows,
		console:     deps.console,
		codes:       deps.codes,
		store:       deps.store,
		forwards:    newForwardLog(16),
	}
	return client, fb, deps
}

func privateMessage(from int64, text string) *models.Message {
	return &models.Message{
		ID:   1,
		From: &models.User{ID: from, FirstName: fmt.Sprintf("User%d", from)},
		Chat: models.Chat{ID: from, Type: "private"},
		Text: text,
	}
}

type stubFlows struct {
	actor      referral.Actor
	payload    string
	greeting   user.Greeting
	invitation user.Invitation
	referrals  string
	err        error
}

func (s *stubFlows) Start(_ context.Context, actor referral.Actor, payload string) (user.Greeting, error) {
	s.actor = actor
	s.payload = payload
	return s.greeting, s.err
}

func (s *stubFlows) Invite(context.Context, int64) (user.Invitation, error) {
	return s.invitation, s.err
}

func (s *stubFlows) MyReferrals(context.Context, int64) (string, error) {
	return s.referrals, s.err
}

type stubConsole struct {
	calls      int
	identifier string
	found      domain.User
	users      string
	info       string
	stats      string
	err        error
}

func (s *stubConsole) FindUser(_ context.Context, identifier string) (domain.User, error) {
	s.calls++
	s.identifier = identifier
	return s.found, s.err
}

func (s *stubConsole) Users(context.Context) (string, error) {
	s.calls++
	return s.users, s.err
}

func (s *stubConsole) UserInfo(_ context.Context, identifier string) (string, error) {
	s.calls++
	s.identifier = identifier
	return s.info, s.err
}

func (s *stubConsole) Stats(context.Context) (string, error) {
	s.calls++
	return s.stats, s.err
}

type stubCodes struct {
	calls    int
	request  invitecode.CreateRequest
	created  invitecode.Created
	disabled string
	list     string
	err      error
}

func (s *stubCodes) Create(_ context.Context, req invitecode.CreateRequest) (invitecode.Created, error) {
	s.calls++
	s.request = req
	return s.created, s.err
}

func (s *stubCodes) Disable(_ context.Context, code string) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.disabled = code
	return nil
}

func (s *stubCodes) List(context.Context) (string, error) {
	s.calls++
	return s.list, s.err
}

type lastMessage struct {
	id  int
	tag string
}

type fakeUserStore struct {
	users       map[int64]domain.User
	lastMessage map[int64]lastMessage
}

func (f *fakeUserStore) GetUser(_ context.Context, userID int64) (domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUserStore) SetLastBotMessage(_ context.Context, userID int64, messageID int, tag string) error {
	f.lastMessage[userID] = lastMessage{id: messageID, tag: tag}
	return nil
}
