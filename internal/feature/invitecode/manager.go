// Package invitecode implements the admin tooling for custom invite codes.
package invitecode

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"referral_bot/internal/domain"
	"referral_bot/internal/logging"
)

const (
	codeAlphabet      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	generatedCodeSize = 8
	maxCodeLength     = 32
)

var (
	// ErrInvalidArguments is returned when a command argument cannot be parsed.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrCodeTaken is returned when the requested code already exists.
	ErrCodeTaken = errors.New("invite code already exists")

	codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	validate = newValidator()
)

// newValidator registers the "startpayload" tag: a code must fit a /start
// payload and must not be all digits, since such payloads are tried as user
// ids first.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("startpayload", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		if !codePattern.MatchString(code) {
			return false
		}
		_, err := strconv.ParseInt(code, 10, 64)
		return err != nil
	})
	return v
}

// generateCode is overridable for tests.
var generateCode = func() (string, error) {
	return gonanoid.Generate(codeAlphabet, generatedCodeSize)
}

type codeStore interface {
	CreateInviteCode(ctx context.Context, code domain.InviteCode) (domain.InviteCode, error)
	SetInviteCodeEnabled(ctx context.Context, code string, enabled bool) error
	ListInviteCodes(ctx context.Context) ([]domain.InviteCode, error)
}

// Manager creates, disables and lists invite codes owned by the administrator.
type Manager struct {
	codes   codeStore
	ownerID int64
	linkFor func(code string) string
	now     func() time.Time
	logger  *logrus.Entry
}

// NewManager constructs a Manager. linkFor renders the deep link of a code.
func NewManager(codes codeStore, ownerID int64, linkFor func(code string) string, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Manager{
		codes:   codes,
		ownerID: ownerID,
		linkFor: linkFor,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// CreateRequest describes a code to create. Zero values mean "generate",
// "unlimited" and "never expires".
type CreateRequest struct {
	Code    string `validate:"omitempty,max=32,startpayload"`
	MaxUses int    `validate:"gte=0"`
	TTL     time.Duration
}

// ParseCreateArgs parses "[code] [max_uses] [ttl]". "-" skips a position;
// ttl accepts Go durations and whole days such as "7d".
func ParseCreateArgs(args []string) (CreateRequest, error) {
	var req CreateRequest
	if len(args) > 3 {
		return CreateRequest{}, fmt.Errorf("%w: expected at most 3 arguments", ErrInvalidArguments)
	}

	if len(args) > 0 && args[0] != "-" {
		req.Code = args[0]
	}

	if len(args) > 1 && args[1] != "-" {
		maxUses, err := strconv.Atoi(args[1])
		if err != nil || maxUses <= 0 {
			return CreateRequest{}, fmt.Errorf("%w: max_uses must be a positive number", ErrInvalidArguments)
		}
		req.MaxUses = maxUses
	}

	if len(args) > 2 && args[2] != "-" {
		ttl, err := parseTTL(args[2])
		if err != nil {
			return CreateRequest{}, err
		}
		req.TTL = ttl
	}

	return req, nil
}

func parseTTL(raw string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: ttl %q is not a valid number of days", ErrInvalidArguments, raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		return 0, fmt.Errorf("%w: ttl %q must be a positive duration", ErrInvalidArguments, raw)
	}
	return ttl, nil
}

// Created is the outcome of Create.
type Created struct {
	Code domain.InviteCode
	Link string
}

// Create stores a new code owned by the administrator. A generated code is
// retried once when it collides with an existing one.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Created, error) {
	if err := m.ready(ctx); err != nil {
		return Created{}, err
	}

	if err := validateRequest(req); err != nil {
		return Created{}, err
	}
	generated := req.Code == ""

	now := m.now()
	code := domain.InviteCode{
		Code:      req.Code,
		Enabled:   true,
		OwnerID:   m.ownerID,
		CreatedAt: now.Truncate(time.Millisecond),
	}
	if req.MaxUses > 0 {
		maxUses := req.MaxUses
		code.MaxUses = &maxUses
	}
	if req.TTL > 0 {
		expiresAt := now.Add(req.TTL).Truncate(time.Millisecond)
		code.ExpiresAt = &expiresAt
	}

	attempts := 1
	if generated {
		attempts = 2
	}

	var err error
	for i := 0; i < attempts; i++ {
		if generated {
			code.Code, err = generateCode()
			if err != nil {
				return Created{}, fmt.Errorf("generate invite code: %w", err)
			}
		}

		var stored domain.InviteCode
		stored, err = m.codes.CreateInviteCode(ctx, code)
		if err == nil {
			code = stored
			break
		}
		if !mongo.IsDuplicateKeyError(err) {
			return Created{}, fmt.Errorf("create invite code: %w", err)
		}
		err = fmt.Errorf("%w: %s", ErrCodeTaken, code.Code)
	}
	if err != nil {
		return Created{}, err
	}

	m.logger.WithFields(logging.Fields{
		"event":     "invite_code_created",
		"code":      code.Code,
		"generated": generated,
		"max_uses":  req.MaxUses,
		"ttl":       req.TTL.String(),
	}).Info("created invite code")

	created := Created{Code: code}
	if m.linkFor != nil {
		created.Link = m.linkFor(code.Code)
	}
	return created, nil
}

// Disable turns code off. Users already credited through it keep their
// attribution.
func (m *Manager) Disable(ctx context.Context, code string) error {
	if err := m.ready(ctx); err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidArguments)
	}

	if err := m.codes.SetInviteCodeEnabled(ctx, code, false); err != nil {
		return fmt.Errorf("disable invite code: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"event": "invite_code_disabled",
		"code":  code,
	}).Info("disabled invite code")

	return nil
}

// List renders every code with its status and usage, newest first.
func (m *Manager) List(ctx context.Context) (string, error) {
	if err := m.ready(ctx); err != nil {
		return "", err
	}

	codes, err := m.codes.ListInviteCodes(ctx)
	if err != nil {
		return "", fmt.Errorf("list invite codes: %w", err)
	}
	if len(codes) == 0 {
		return "There are no invite codes yet. Create one with /admin_code_create.", nil
	}

	now := m.now()
	var b strings.Builder
	b.WriteString("Invite codes:\n")
	for _, c := range codes {
		fmt.Fprintf(&b, "- %s [%s] uses %s", c.Code, c.Status(now), usage(c))
		if c.ExpiresAt != nil {
			fmt.Fprintf(&b, ", expires %s", c.ExpiresAt.UTC().Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}

	return b.String(), nil
}

// Describe renders the reply for a freshly created code.
func Describe(created Created) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Invite code %s created.\n", created.Code.Code)
	fmt.Fprintf(&b, "Uses: %s\n", usage(created.Code))
	if created.Code.ExpiresAt != nil {
		fmt.Fprintf(&b, "Expires: %s\n", created.Code.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	}
	if created.Link != "" {
		fmt.Fprintf(&b, "Link: %s\n", created.Link)
	}
	return b.String()
}

func usage(c domain.InviteCode) string {
	if c.MaxUses == nil {
		return fmt.Sprintf("%d/unlimited", c.CurrentUses)
	}
	return fmt.Sprintf("%d/%d", c.CurrentUses, *c.MaxUses)
}

func validateRequest(req CreateRequest) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validate invite code request: %w", err)
	}

	switch fieldErrs[0].Field() {
	case "Code":
		return fmt.Errorf("%w: code must be 1-%d letters, digits, '_' or '-' and not a plain number", ErrInvalidArguments, maxCodeLength)
	default:
		return fmt.Errorf("%w: %s failed %s", ErrInvalidArguments, fieldErrs[0].Field(), fieldErrs[0].Tag())
	}
}

func (m *Manager) ready(ctx context.Context) error {
	if m == nil || m.codes == nil {
		return errors.New("invite code manager is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if m.ownerID == 0 {
		return errors.New("invite code owner is not configured")
	}
	return nil
}
