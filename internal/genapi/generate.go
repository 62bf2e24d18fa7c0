package genapi

import (
	"context"
	"errors"

	"github.com/melodyforge/backend/internal/metrics"
)

// Message is one chat turn sent to the text model.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: "text", Text: text}}}
}

type textRequest struct {
	Model          string            `json:"model"`
	N              int               `json:"n"`
	Temperature    float64           `json:"temperature"`
	TopP           float64           `json:"top_p"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []Message         `json:"messages"`
	Stream         bool              `json:"stream"`
	IsSync         bool              `json:"is_sync"`
}

// AudioRequest describes one song render.
type AudioRequest struct {
	Title          string `json:"title"`
	Tags           string `json:"tags"`
	Prompt         string `json:"prompt"`
	Instrumental   bool   `json:"make_instrumental"`
	TranslateInput bool   `json:"translate_input"`
	Model          string `json:"model"`
}

// GenerateText runs a chat completion and returns its text.
func (c *Client) GenerateText(ctx context.Context, messages []Message, onPending func(int64)) (string, error) {
	body, err := c.Invoke(ctx, OpText, textRequest{
		Model:          "grok-4-1-fast-reasoning",
		N:              1,
		Temperature:    1,
		TopP:           1,
		ResponseFormat: map[string]string{"type": "text"},
		Messages:       messages,
		IsSync:         false,
	}, onPending)
	if err != nil {
		return "", err
	}
	text, err := ParseText(body)
	if err != nil {
		perr := newError(OpText, KindParse, errors.Join(err, errors.New(excerpt(body))))
		c.logger.Error("provider payload rejected", "operation", OpText, "detail", perr.Detail())
		return "", perr
	}
	return text, nil
}

// GenerateAudio renders a song and returns its two variant URLs in order.
func (c *Client) GenerateAudio(ctx context.Context, req AudioRequest, onPending func(int64)) ([2]string, error) {
	if req.Model == "" {
		req.Model = "v5"
	}
	body, err := c.Invoke(ctx, OpAudio, req, onPending)
	if err != nil {
		return [2]string{}, err
	}
	urls, err := ParseAudio(body)
	if err != nil {
		perr := newError(OpAudio, KindParse, errors.Join(err, errors.New(excerpt(body))))
		c.logger.Error("provider payload rejected", "operation", OpAudio, "detail", perr.Detail())
		return [2]string{}, perr
	}
	return urls, nil
}

// ResumeAudio polls a render that was started earlier and returns its two
// variant URLs.
func (c *Client) ResumeAudio(ctx context.Context, requestID int64) ([2]string, error) {
	start := c.Now()
	body, err := c.Poll(ctx, OpAudio, requestID)
	outcome := "ok"
	var gerr *Error
	if errors.As(err, &gerr) {
		outcome = string(gerr.Kind)
		c.logger.Error("provider resume failed", "operation", OpAudio, "request_id", requestID, "kind", gerr.Kind, "detail", gerr.Detail())
	}
	metrics.ProviderCalls.WithLabelValues(string(OpAudio), outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(string(OpAudio)).Observe(c.Now().Sub(start).Seconds())
	if err != nil {
		return [2]string{}, err
	}
	urls, err := ParseAudio(body)
	if err != nil {
		perr := newError(OpAudio, KindParse, errors.Join(err, errors.New(excerpt(body))))
		c.logger.Error("provider payload rejected", "operation", OpAudio, "detail", perr.Detail())
		return [2]string{}, perr
	}
	return urls, nil
}
