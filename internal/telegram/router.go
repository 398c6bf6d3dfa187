package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"referral_bot/internal/domain"
	"referral_bot/internal/feature/invitecode"
	"referral_bot/internal/feature/user"
	"referral_bot/internal/logging"
	"referral_bot/internal/referral"
)

// Context tags for delete-and-replace.
const (
	tagStart  = "start"
	tagInvite = "invite"
)

const (
	msgAdminOnly     = "This command is only available to administrators."
	msgNotRegistered = "Please use /start first to register."
	msgFailure       = "Something went wrong. Please try again later."
	msgUserNotFound  = "User not found."
	msgUnknown       = "Unknown command."
	msgForwarded     = "✅ Your message has been sent to the administrator."
	adminReplyPrefix = "📩 Admin reply:\n"
)

type userFlows interface {
	Start(ctx context.Context, actor referral.Actor, payload string) (user.Greeting, error)
	Invite(ctx context.Context, userID int64) (user.Invitation, error)
	MyReferrals(ctx context.Context, userID int64) (string, error)
}

type adminConsole interface {
	FindUser(ctx context.Context, identifier string) (domain.User, error)
	Users(ctx context.Context) (string, error)
	UserInfo(ctx context.Context, identifier string) (string, error)
	Stats(ctx context.Context) (string, error)
}

type inviteCodes interface {
	Create(ctx context.Context, req invitecode.CreateRequest) (invitecode.Created, error)
	Disable(ctx context.Context, code string) error
	List(ctx context.Context) (string, error)
}

type userStore interface {
	GetUser(ctx context.Context, userID int64) (domain.User, error)
	SetLastBotMessage(ctx context.Context, userID int64, messageID int, tag string) error
}

var usage = map[string]string{
	"admin_code_create":  "Usage: /admin_code_create [code|-] [max_uses|-] [ttl, e.g. 7d]",
	"admin_code_disable": "Usage: /admin_code_disable <code>",
}

type commandHandler func(ctx context.Context, msg *models.Message, args string)

type route struct {
	handler   commandHandler
	adminOnly bool
}

func (c *Client) routes() map[string]route {
	return map[string]route{
		"start":              {handler: c.handleStart},
		"invite":             {handler: c.handleInvite},
		"refer":              {handler: c.handleInvite},
		"my_referrals":       {handler: c.handleMyReferrals},
		"admin_users":        {handler: c.handleAdminUsers, adminOnly: true},
		"admin_user_info":    {handler: c.handleAdminUserInfo, adminOnly: true},
		"reply":              {handler: c.handleReplyCommand, adminOnly: true},
		"admin_stats":        {handler: c.handleAdminStats, adminOnly: true},
		"admin_code_create":  {handler: c.handleCodeCreate, adminOnly: true},
		"admin_code_disable": {handler: c.handleCodeDisable, adminOnly: true},
		"admin_codes":        {handler: c.handleCodeList, adminOnly: true},
	}
}

// parseCommand splits "/name@bot args" into its lowercased name and raw
// arguments. ok is false for plain text and for commands addressed to another
// bot.
func parseCommand(text, botUsername string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	if head == "" {
		return "", "", false
	}

	name, target, addressed := strings.Cut(head, "@")
	if addressed && !strings.EqualFold(target, botUsername) {
		return "", "", false
	}

	return strings.ToLower(name), strings.TrimSpace(rest), true
}

func (c *Client) handleMessage(ctx context.Context, msg *models.Message) {
	name, args, ok := parseCommand(msg.Text, c.botUsername)
	if !ok {
		c.handleText(ctx, msg)
		return
	}

	log := c.logger.WithFields(logging.Context{
		UserID:  msg.From.ID,
		ChatID:  msg.Chat.ID,
		Event:   "telegram_command",
		Command: name,
	}.Fields())

	r, known := c.routes()[name]
	if !known {
		log.Debug("unknown command")
		c.reply(ctx, msg, msgUnknown)
		return
	}
	if r.adminOnly && !c.isAdmin(msg.From.ID) {
		log.Info("rejected admin command from non-admin")
		c.reply(ctx, msg, msgAdminOnly)
		return
	}

	log.Info("handling command")
	r.handler(ctx, msg, args)
}

func (c *Client) isAdmin(userID int64) bool {
	return c.adminID != 0 && userID == c.adminID
}

func (c *Client) handleStart(ctx context.Context, msg *models.Message, args string) {
	if c.users == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	payload, _, _ := strings.Cut(args, " ")
	actor := referral.Actor{
		ID:        msg.From.ID,
		FirstName: msg.From.FirstName,
		Username:  msg.From.Username,
	}

	greeting, err := c.users.Start(ctx, actor, payload)
	if err != nil {
		c.fail(ctx, msg, "start", err)
		return
	}

	c.replaceMessage(ctx, msg.Chat.ID, greeting.Result.User, tagStart, &bot.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text:   greeting.Text,
	})
}

func (c *Client) handleInvite(ctx context.Context, msg *models.Message, _ string) {
	if c.users == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	invitation, err := c.users.Invite(ctx, msg.From.ID)
	if err != nil {
		c.fail(ctx, msg, "invite", err)
		return
	}

	stored := domain.User{UserID: msg.From.ID}
	if c.store != nil {
		if u, err := c.store.GetUser(ctx, msg.From.ID); err == nil {
			stored = u
		}
	}

	c.replaceMessage(ctx, msg.Chat.ID, stored, tagInvite, &bot.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text:   invitation.Instructions,
	})
	c.send(ctx, &bot.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text:   invitation.Forwardable,
	})
}

func (c *Client) handleMyReferrals(ctx context.Context, msg *models.Message, _ string) {
	if c.users == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	text, err := c.users.MyReferrals(ctx, msg.From.ID)
	if err != nil {
		c.fail(ctx, msg, "my_referrals", err)
		return
	}
	c.reply(ctx, msg, text)
}

func (c *Client) handleAdminUsers(ctx context.Context, msg *models.Message, _ string) {
	if c.console == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	text, err := c.console.Users(ctx)
	if err != nil {
		c.fail(ctx, msg, "admin_users", err)
		return
	}
	c.reply(ctx, msg, text)
}

func (c *Client) handleAdminUserInfo(ctx context.Context, msg *models.Message, args string) {
	if c.console == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}
	if args == "" {
		c.reply(ctx, msg, "Usage: /admin_user_info <id|@username>")
		return
	}

	text, err := c.console.UserInfo(ctx, args)
	if err != nil {
		c.fail(ctx, msg, "admin_user_info", err)
		return
	}
	c.reply(ctx, msg, text)
}

func (c *Client) handleAdminStats(ctx context.Context, msg *models.Message, _ string) {
	if c.console == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	text, err := c.console.Stats(ctx)
	if err != nil {
		c.fail(ctx, msg, "admin_stats", err)
		return
	}
	c.reply(ctx, msg, text)
}

func (c *Client) handleReplyCommand(ctx context.Context, msg *models.Message, args string) {
	if c.console == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	identifier, text, _ := strings.Cut(args, " ")
	text = strings.TrimSpace(text)
	if identifier == "" || text == "" {
		c.reply(ctx, msg, "Usage: /reply <id|@username> <text>")
		return
	}

	target, err := c.console.FindUser(ctx, identifier)
	if err != nil {
		c.fail(ctx, msg, "reply", err)
		return
	}

	if _, err := c.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: target.UserID,
		Text:   adminReplyPrefix + text,
	}); err != nil {
		c.fail(ctx, msg, "reply", err)
		return
	}

	c.reply(ctx, msg, fmt.Sprintf("Reply sent to %s (ID: %d).", target.DisplayName(), target.UserID))
}

func (c *Client) handleCodeCreate(ctx context.Context, msg *models.Message, args string) {
	if c.codes == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	req, err := invitecode.ParseCreateArgs(strings.Fields(args))
	if err != nil {
		c.fail(ctx, msg, "admin_code_create", err)
		return
	}

	created, err := c.codes.Create(ctx, req)
	if err != nil {
		c.fail(ctx, msg, "admin_code_create", err)
		return
	}
	c.reply(ctx, msg, invitecode.Describe(created))
}

func (c *Client) handleCodeDisable(ctx context.Context, msg *models.Message, args string) {
	if c.codes == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	code, _, _ := strings.Cut(args, " ")
	if err := c.codes.Disable(ctx, code); err != nil {
		c.fail(ctx, msg, "admin_code_disable", err)
		return
	}
	c.reply(ctx, msg, fmt.Sprintf("Invite code %s disabled.", code))
}

func (c *Client) handleCodeList(ctx context.Context, msg *models.Message, _ string) {
	if c.codes == nil {
		c.reply(ctx, msg, msgFailure)
		return
	}

	text, err := c.codes.List(ctx)
	if err != nil {
		c.fail(ctx, msg, "admin_codes", err)
		return
	}
	c.reply(ctx, msg, text)
}

// handleText covers non-command messages: admin replies to forwarded
// messages, and user messages forwarded to the admin.
func (c *Client) handleText(ctx context.Context, msg *models.Message) {
	if string(msg.Chat.Type) != "private" || msg.Text == "" {
		return
	}

	if c.isAdmin(msg.From.ID) {
		if msg.ReplyToMessage != nil {
			c.handleAdminReply(ctx, msg)
		}
		return
	}

	c.forwardToAdmin(ctx, msg)
}

func (c *Client) forwardToAdmin(ctx context.Context, msg *models.Message) {
	if c.adminID == 0 || c.store == nil {
		return
	}

	sender, err := c.store.GetUser(ctx, msg.From.ID)
	if errors.Is(err, domain.ErrUserNotFound) {
		c.reply(ctx, msg, msgNotRegistered)
		return
	}
	if err != nil {
		c.fail(ctx, msg, "forward", err)
		return
	}

	forwarded, err := c.api.ForwardMessage(ctx, &bot.ForwardMessageParams{
		ChatID:     c.adminID,
		FromChatID: msg.Chat.ID,
		MessageID:  msg.ID,
	})
	if err != nil {
		c.fail(ctx, msg, "forward", err)
		return
	}
	if forwarded != nil {
		c.forwards.remember(forwarded.ID, forwardRef{userID: sender.UserID, messageID: msg.ID})
	}

	c.send(ctx, &bot.SendMessageParams{
		ChatID:      c.adminID,
		Text:        fmt.Sprintf("Message from %s (ID: %d, Username: %s).\nReply to the forwarded message to answer.", sender.DisplayName(), sender.UserID, sender.Handle()),
		ReplyMarkup: contactKeyboard(sender),
	})

	c.logger.WithFields(logging.Fields{
		"event":   "message_forwarded",
		"user_id": sender.UserID,
	}).Info("forwarded user message to admin")

	c.reply(ctx, msg, msgForwarded)
}

func contactKeyboard(u domain.User) *models.InlineKeyboardMarkup {
	row := make([]models.InlineKeyboardButton, 0, 2)
	if u.Username != "" {
		row = append(row, models.InlineKeyboardButton{Text: "💬 Direct chat", URL: "https://t.me/" + u.Username})
	}
	row = append(row, models.InlineKeyboardButton{Text: "👤 Profile", URL: "tg://user?id=" + strconv.FormatInt(u.UserID, 10)})

	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{row}}
}

func (c *Client) handleAdminReply(ctx context.Context, msg *models.Message) {
	original := msg.ReplyToMessage

	ref, ok := c.forwards.lookup(original.ID)
	if !ok {
		origin := original.ForwardOrigin
		if origin == nil || origin.MessageOriginUser == nil {
			c.reply(ctx, msg, "Cannot find the original sender of that message. Use /reply <id|@username> <text>.")
			return
		}
		ref = forwardRef{userID: origin.MessageOriginUser.SenderUser.ID}
	}

	params := &bot.SendMessageParams{
		ChatID: ref.userID,
		Text:   adminReplyPrefix + msg.Text,
	}
	if ref.messageID != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: ref.messageID}
	}

	if _, err := c.api.SendMessage(ctx, params); err != nil {
		c.fail(ctx, msg, "admin_reply", err)
		return
	}

	c.logger.WithFields(logging.Fields{
		"event":   "admin_reply",
		"user_id": ref.userID,
	}).Info("sent admin reply")

	c.reply(ctx, msg, fmt.Sprintf("Reply sent to user %d.", ref.userID))
}

// replaceMessage deletes the previous bot message tagged tag, sends params and
// records the new message under the same tag.
func (c *Client) replaceMessage(ctx context.Context, chatID int64, u domain.User, tag string, params *bot.SendMessageParams) {
	if u.LastBotMessageID != 0 && u.LastBotMessageContext == tag {
		if _, err := c.api.DeleteMessage(ctx, &bot.DeleteMessageParams{
			ChatID:    chatID,
			MessageID: u.LastBotMessageID,
		}); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":      "telegram_delete_failed",
				"user_id":    u.UserID,
				"message_id": u.LastBotMessageID,
			}).WithError(err).Debug("could not delete previous bot message")
		}
	}

	sent := c.send(ctx, params)
	if sent == nil || c.store == nil || u.UserID == 0 {
		return
	}

	if err := c.store.SetLastBotMessage(ctx, u.UserID, sent.ID, tag); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "last_bot_message_error",
			"user_id": u.UserID,
		}).WithError(err).Warn("failed to record last bot message")
	}
}

func (c *Client) reply(ctx context.Context, msg *models.Message, text string) {
	c.send(ctx, &bot.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text:   text,
	})
}

func (c *Client) send(ctx context.Context, params *bot.SendMessageParams) *models.Message {
	sent, err := c.api.SendMessage(ctx, params)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_send_failed",
			"chat_id": params.ChatID,
		}).WithError(err).Error("failed to send telegram message")
		return nil
	}
	return sent
}

// fail maps err to a user-facing reply. Expected errors get a specific
// message; anything else is logged and answered generically.
func (c *Client) fail(ctx context.Context, msg *models.Message, command string, err error) {
	switch {
	case errors.Is(err, user.ErrNotRegistered):
		c.reply(ctx, msg, msgNotRegistered)
		return
	case errors.Is(err, domain.ErrUserNotFound):
		c.reply(ctx, msg, msgUserNotFound)
		return
	case errors.Is(err, domain.ErrInviteCodeNotFound):
		c.reply(ctx, msg, "Invite code not found.")
		return
	case errors.Is(err, invitecode.ErrCodeTaken):
		c.reply(ctx, msg, "That invite code already exists.")
		return
	case errors.Is(err, invitecode.ErrInvalidArguments):
		c.reply(ctx, msg, err.Error()+"\n"+usage[command])
		return
	}

	c.logger.WithFields(logging.Fields{
		"event":   "command_failed",
		"command": command,
		"user_id": msg.From.ID,
	}).WithError(err).Error("command failed")
	c.reply(ctx, msg, msgFailure)
}
