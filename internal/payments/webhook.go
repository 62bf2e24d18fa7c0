package payments

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

const EventPaymentSucceeded = "payment.succeeded"

var (
	// ErrValidation marks a notification body that does not match the schema.
	ErrValidation = errors.New("validation failed")
	// ErrIgnoredEvent marks a well-formed notification that does not credit anything.
	ErrIgnoredEvent = errors.New("event ignored")
)

//go:embed webhook.schema.json
var webhookSchema string

// Event is a confirmed top-up.
type Event struct {
	PaymentID  string
	TelegramID int64
	// Amount is in kopecks.
	Amount   int64
	Currency string
}

type notification struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata struct {
			UserID json.RawMessage `json:"user_id"`
		} `json:"metadata"`
	} `json:"object"`
}

// WebhookParser validates and decodes payment notifications.
type WebhookParser struct {
	schema *jsonschema.Schema
}

func NewWebhookParser() (*WebhookParser, error) {
	schema, err := jsonschema.CompileString("https://melodyforge.dev/schemas/yookassa-webhook.json", webhookSchema)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return &WebhookParser{schema: schema}, nil
}

// Parse returns the top-up carried by body. Events other than
// payment.succeeded return ErrIgnoredEvent.
func (p *WebhookParser) Parse(body []byte) (*Event, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if n.Event != EventPaymentSucceeded || n.Object.Status != "succeeded" {
		return nil, fmt.Errorf("%w: %s/%s", ErrIgnoredEvent, n.Event, n.Object.Status)
	}
	if n.Object.Amount.Currency != "RUB" {
		return nil, fmt.Errorf("%w: currency %s", ErrValidation, n.Object.Amount.Currency)
	}
	amount, err := ToKopecks(n.Object.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	userID, err := parseUserID(n.Object.Metadata.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &Event{
		PaymentID:  n.Object.ID,
		TelegramID: userID,
		Amount:     amount,
		Currency:   n.Object.Amount.Currency,
	}, nil
}

func parseUserID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("metadata.user_id missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(s, 10, 64)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("metadata.user_id: %w", err)
	}
	return n, nil
}

var hundred = decimal.NewFromInt(100)

// ToKopecks converts a ruble amount such as "149.00" to kopecks.
func ToKopecks(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", value, err)
	}
	k := d.Mul(hundred)
	if !k.IsInteger() || !k.IsPositive() {
		return 0, fmt.Errorf("amount %q is not a positive whole number of kopecks", value)
	}
	return k.IntPart(), nil
}

// FromKopecks renders kopecks as the provider's decimal string.
func FromKopecks(kopecks int64) string {
	return decimal.New(kopecks, -2).StringFixed(2)
}
