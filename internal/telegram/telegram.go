// Package telegram hosts the Telegram client, routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"referral_bot/internal/config"
	"referral_bot/internal/logging"
)

// WebhookPath is where main mounts the webhook handler in webhook mode.
const WebhookPath = "/telegram/webhook"

// updateTimeout bounds the storage and API work done for one update.
const updateTimeout = 15 * time.Second

// botAPI is the subset of *bot.Bot the client relies on.
type botAPI interface {
	Start(ctx context.Context)
	StartWebhook(ctx context.Context)
	WebhookHandler() http.HandlerFunc
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	ForwardMessage(ctx context.Context, params *bot.ForwardMessageParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

// Option wires an optional dependency into the client.
type Option func(*Client)

// WithUserFlows sets the handler of /start, /invite and /my_referrals.
func WithUserFlows(flows userFlows) Option {
	return func(c *Client) { c.users = flows }
}

// WithAdminConsole sets the handler of the admin inspection commands.
func WithAdminConsole(console adminConsole) Option {
	return func(c *Client) { c.console = console }
}

// WithInviteCodes sets the handler of the invite code commands.
func WithInviteCodes(codes inviteCodes) Option {
	return func(c *Client) { c.codes = codes }
}

// WithUserStore sets the store used for delete-and-replace bookkeeping.
func WithUserStore(store userStore) Option {
	return func(c *Client) { c.store = store }
}

// Client wraps the Telegram bot instance, its routing and logging dependencies.
type Client struct {
	api         botAPI
	logger      *logrus.Entry
	adminID     int64
	botUsername string
	webhookURL  string
	webhook     bool

	users   userFlows
	console adminConsole
	codes   inviteCodes
	store   userStore

	forwards *forwardLog
}

// NewClient initializes the Telegram bot. Updates arrive through long polling
// unless the configuration carries a webhook URL.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		logger:      logger,
		adminID:     cfg.AdminUserID,
		botUsername: strings.TrimPrefix(cfg.BotUsername, "@"),
		webhookURL:  cfg.WebhookURL,
		webhook:     cfg.UsesWebhook(),
		forwards:    newForwardLog(forwardLogSize),
	}
	for _, opt := range opts {
		opt(c)
	}

	options := []bot.Option{
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.handleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	}
	if c.webhook && cfg.WebhookSecret != "" {
		options = append(options, bot.WithWebhookSecretToken(cfg.WebhookSecret))
	}

	api, err := createBot(cfg.TelegramToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.api = api

	return c, nil
}

// Start receives updates until the context is canceled, through long polling
// or by processing webhook deliveries.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	mode := "polling"
	if c.webhook {
		mode = "webhook"
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"mode":            mode,
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram updates")

	if c.webhook {
		c.api.StartWebhook(ctx)
	} else {
		c.api.Start(ctx)
	}

	c.logger.WithField("event", "telegram_stopped").Info("telegram updates stopped")
}

// WebhookHandler returns the HTTP handler receiving webhook deliveries, or nil
// in polling mode.
func (c *Client) WebhookHandler() http.Handler {
	if c == nil || !c.webhook || c.api == nil {
		return nil
	}
	return c.api.WebhookHandler()
}

// RegisterWebhook points Telegram at the configured webhook URL. It is a no-op
// in polling mode.
func (c *Client) RegisterWebhook(ctx context.Context, secret string) error {
	if c == nil || !c.webhook {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if _, err := c.api.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:            c.webhookURL,
		SecretToken:    secret,
		AllowedUpdates: defaultAllowedUpdates,
	}); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"event": "telegram_webhook_registered",
		"url":   c.webhookURL,
	}).Info("registered telegram webhook")

	return nil
}

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     update.Message.Chat.ID,
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	meta := extractUpdateMeta(update)
	fields := logging.Fields{
		"event":       "telegram_update",
		"update_type": meta.updateType,
	}
	if meta.userID != 0 {
		fields["user_id"] = meta.userID
	}
	if meta.chatID != 0 {
		fields["chat_id"] = meta.chatID
	}
	c.logger.WithFields(fields).Debug("telegram update received")

	if update.Message == nil || update.Message.From == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	c.handleMessage(ctx, update.Message)
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram update error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

const forwardLogSize = 1024

type forwardRef struct {
	userID    int64
	messageID int
}

// forwardLog remembers which user message each admin-side forward came from,
// so an admin reply can quote the original. Oldest entries are evicted first.
type forwardLog struct {
	mu    sync.Mutex
	size  int
	order []int
	refs  map[int]forwardRef
}

func newForwardLog(size int) *forwardLog {
	return &forwardLog{size: size, refs: make(map[int]forwardRef, size)}
}

func (l *forwardLog) remember(forwardedID int, ref forwardRef) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.refs[forwardedID]; !ok {
		l.order = append(l.order, forwardedID)
	}
	l.refs[forwardedID] = ref

	for len(l.order) > l.size {
		delete(l.refs, l.order[0])
		l.order = l.order[1:]
	}
}

func (l *forwardLog) lookup(forwardedID int) (forwardRef, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ref, ok := l.refs[forwardedID]
	return ref, ok
}
