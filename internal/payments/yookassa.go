// Package payments talks to YooKassa: it creates top-up payments and parses
// their webhook notifications.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.yookassa.ru/v3"

// ErrNotConfigured is returned when shop credentials are missing.
var ErrNotConfigured = errors.New("payments are not configured")

type Config struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	ReturnURL string
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 20 * time.Second}, logger: logger}
}

func (c *Client) Configured() bool {
	return c.cfg.ShopID != "" && c.cfg.SecretKey != ""
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type createRequest struct {
	Amount       amount `json:"amount"`
	Confirmation struct {
		Type      string `json:"type"`
		ReturnURL string `json:"return_url"`
	} `json:"confirmation"`
	Capture     bool              `json:"capture"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Payment is the part of a YooKassa payment object the bot uses.
type Payment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       amount `json:"amount"`
	Confirmation struct {
		URL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// CreatePayment opens a redirect payment of amountKopecks for telegramID and
// returns it with its confirmation URL.
func (c *Client) CreatePayment(ctx context.Context, amountKopecks int64, description string, telegramID int64) (*Payment, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	req := createRequest{
		Amount:      amount{Value: FromKopecks(amountKopecks), Currency: "RUB"},
		Capture:     true,
		Description: description,
		Metadata: map[string]string{
			"user_id":    strconv.FormatInt(telegramID, 10),
			"amount_kop": strconv.FormatInt(amountKopecks, 10),
		},
	}
	req.Confirmation.Type = "redirect"
	req.Confirmation.ReturnURL = c.cfg.ReturnURL

	var p Payment
	if err := c.do(ctx, http.MethodPost, "/payments", req, &p); err != nil {
		return nil, err
	}
	if p.Confirmation.URL == "" {
		return nil, fmt.Errorf("payment %s: no confirmation url", p.ID)
	}
	c.logger.Info("payment created", "payment_id", p.ID, "telegram_id", telegramID, "amount", amountKopecks)
	return &p, nil
}

// Kopecks returns the payment amount in kopecks.
func (p *Payment) Kopecks() (int64, error) {
	return ToKopecks(p.Amount.Value)
}

// GetPayment fetches the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/payments/"+id, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("yookassa error", "method", method, "path", path, "status", resp.StatusCode, "body", string(data))
		return fmt.Errorf("yookassa %s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
