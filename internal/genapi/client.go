// Package genapi talks to the text and audio generation provider. Calls are
// retried on transport failures only, and asynchronous operations are polled
// by request id until they finish or run past a wall-clock ceiling.
package genapi

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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/melodyforge/backend/internal/metrics"
)

// Operation names a provider endpoint.
type Operation string

const (
	OpText  Operation = "text"
	OpAudio Operation = "audio"
)

type Config struct {
	BaseURL    string
	APIKey     string
	TextPath   string
	AudioPath  string
	StatusPath string // fmt pattern taking the request id

	Retries          int
	RetryBackoff     time.Duration
	RequestTimeout   time.Duration
	TextPollTimeout  time.Duration
	AudioPollTimeout time.Duration
}

// DefaultConfig matches the hosted provider.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "https://api.gen-api.ru",
		TextPath:         "/api/v1/networks/grok-4-1",
		AudioPath:        "/api/v1/networks/suno",
		StatusPath:       "/api/v1/request/get/%d",
		Retries:          3,
		RetryBackoff:     time.Second,
		RequestTimeout:   60 * time.Second,
		TextPollTimeout:  3 * time.Minute,
		AudioPollTimeout: 10 * time.Minute,
	}
}

// tlsHandshakeSchedule is tried before the general backoff when the
// failure is a TLS handshake timeout.
var tlsHandshakeSchedule = []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}

var (
	runningStatuses = []string{"processing", "queued", "pending", "running", "starting", "in_progress"}
	failedStatuses  = []string{"failed", "error", "canceled", "cancelled"}
)

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	// Sleep and Now are swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		Sleep:  sleepCtx,
		Now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// envelope is the part of every response the adapter cares about.
type envelope struct {
	Status    string          `json:"status"`
	RequestID json.RawMessage `json:"request_id"`
	ID        json.RawMessage `json:"id"`
}

func (e envelope) requestID() (int64, bool) {
	for _, raw := range []json.RawMessage{e.RequestID, e.ID} {
		if len(raw) == 0 {
			continue
		}
		var n int64
		if json.Unmarshal(raw, &n) == nil && n > 0 {
			return n, true
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
				return n, true
			}
		}
	}
	return 0, false
}

func statusIn(status string, set []string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

// Invoke posts payload to op's endpoint and returns the terminal response
// body. When the provider answers asynchronously, onPending (if set) is
// called with the request id before polling starts.
func (c *Client) Invoke(ctx context.Context, op Operation, payload any, onPending func(requestID int64)) (json.RawMessage, error) {
	start := c.Now()
	body, err := c.invoke(ctx, op, payload, onPending)
	outcome := "ok"
	var gerr *Error
	if errors.As(err, &gerr) {
		outcome = string(gerr.Kind)
		c.logger.Error("provider call failed", "operation", op, "kind", gerr.Kind, "detail", gerr.Detail())
	}
	metrics.ProviderCalls.WithLabelValues(string(op), outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(string(op)).Observe(c.Now().Sub(start).Seconds())
	return body, err
}

func (c *Client) invoke(ctx context.Context, op Operation, payload any, onPending func(int64)) (json.RawMessage, error) {
	path := c.cfg.TextPath
	if op == OpAudio {
		path = c.cfg.AudioPath
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(op, KindProtocol, fmt.Errorf("encode payload: %w", err))
	}
	body, err := c.send(ctx, op, http.MethodPost, c.cfg.BaseURL+path, buf)
	if err != nil {
		return nil, err
	}
	return c.settle(ctx, op, body, onPending)
}

// settle inspects a response and, if it is still running, polls it to completion.
func (c *Client) settle(ctx context.Context, op Operation, body json.RawMessage, onPending func(int64)) (json.RawMessage, error) {
	var env envelope
	// Lists and bare strings carry no status and are terminal.
	_ = json.Unmarshal(body, &env)
	switch {
	case statusIn(env.Status, failedStatuses):
		return nil, newError(op, KindFailed, fmt.Errorf("status %q: %s", env.Status, excerpt(body)))
	case !statusIn(env.Status, runningStatuses):
		return body, nil
	}
	id, ok := env.requestID()
	if !ok {
		return nil, newError(op, KindProtocol, fmt.Errorf("status %q without request id", env.Status))
	}
	if onPending != nil {
		onPending(id)
	}
	return c.Poll(ctx, op, id)
}

// Poll fetches the status of request id until it is terminal. The interval
// starts at one second and grows slowly to a two second cap.
func (c *Client) Poll(ctx context.Context, op Operation, id int64) (json.RawMessage, error) {
	timeout := c.cfg.TextPollTimeout
	if op == OpAudio {
		timeout = c.cfg.AudioPollTimeout
	}
	deadline := c.Now().Add(timeout)
	interval := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          1.15,
		MaxInterval:         2 * time.Second,
	}
	interval.Reset()
	url := c.cfg.BaseURL + fmt.Sprintf(c.cfg.StatusPath, id)

	for attempt := 1; ; attempt++ {
		if err := c.Sleep(ctx, interval.NextBackOff()); err != nil {
			return nil, newError(op, KindTransport, err)
		}
		if c.Now().After(deadline) {
			return nil, newError(op, KindTimeout, fmt.Errorf("request %d still running after %s", id, timeout))
		}
		body, err := c.send(ctx, op, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		var env envelope
		_ = json.Unmarshal(body, &env)
		switch {
		case statusIn(env.Status, failedStatuses):
			return nil, newError(op, KindFailed, fmt.Errorf("request %d status %q: %s", id, env.Status, excerpt(body)))
		case statusIn(env.Status, runningStatuses):
			c.logger.Debug("provider still running", "operation", op, "request_id", id, "attempt", attempt)
			continue
		default:
			return body, nil
		}
	}
}

// send performs one logical request, retrying transport failures. TLS
// handshake timeouts first use a short fixed schedule, then every transport
// failure draws from the general exponential schedule until Retries is spent.
// Error statuses are never retried.
func (c *Client) send(ctx context.Context, op Operation, method, url string, payload []byte) (json.RawMessage, error) {
	general := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.RetryBackoff,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	general.Reset()
	tlsLeft := tlsHandshakeSchedule
	retries := 0

	for {
		body, status, err := c.do(ctx, method, url, payload)
		if err == nil {
			if status >= http.StatusBadRequest {
				return nil, newError(op, KindHTTP, fmt.Errorf("%s %s: status %d: %s", method, url, status, excerpt(body)))
			}
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, newError(op, KindTransport, ctx.Err())
		}

		var delay time.Duration
		switch {
		case isTLSHandshakeTimeout(err) && len(tlsLeft) > 0:
			delay, tlsLeft = tlsLeft[0], tlsLeft[1:]
		case retries < c.cfg.Retries:
			delay = general.NextBackOff()
			retries++
		default:
			return nil, newError(op, KindTransport, err)
		}
		c.logger.Warn("provider transport error, retrying", "operation", op, "error", err, "delay", delay)
		if err := c.Sleep(ctx, delay); err != nil {
			return nil, newError(op, KindTransport, err)
		}
	}
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, int, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func isTLSHandshakeTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "TLS handshake timeout")
}

func excerpt(b []byte) string {
	const limit = 300
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
