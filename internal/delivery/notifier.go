// Package delivery pushes status updates and finished artifacts to the chat.
// It is a passive pipe: callers decide what to say.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/melodyforge/backend/internal/metrics"
)

// Sender is the slice of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TempFiles is where oversized text is staged before upload.
type TempFiles interface {
	WriteTemp(hint, ext string, data []byte) (string, error)
	Remove(path string) error
}

type Notifier struct {
	bot     Sender
	files   TempFiles
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewNotifier paces outgoing calls to stay under the Bot API flood limits.
func NewNotifier(bot Sender, files TempFiles, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		bot:     bot,
		files:   files,
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		logger:  logger,
	}
}

func notModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// Notify edits the message at messageID in place, or sends a new message when
// messageID is nil or the edit fails. It returns the id of the message that
// now shows text. An edit with unchanged content counts as success.
func (n *Notifier) Notify(ctx context.Context, chatID int64, messageID *int, text string, kb Keyboard) (int, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	if messageID != nil {
		edit := tgbotapi.NewEditMessageText(chatID, *messageID, text)
		edit.ReplyMarkup = kb.markup()
		_, err := n.bot.Request(edit)
		if err == nil || notModified(err) {
			return *messageID, nil
		}
		metrics.NotifierFallbacks.Inc()
		n.logger.Warn("status edit failed, sending new message", "chat_id", chatID, "message_id", *messageID, "error", err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if m := kb.markup(); m != nil {
		msg.ReplyMarkup = *m
	}
	sent, err := n.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

// Send posts a fresh message.
func (n *Notifier) Send(ctx context.Context, chatID int64, text string, kb Keyboard) (int, error) {
	return n.Notify(ctx, chatID, nil, text, kb)
}

// DeliverArtifact uploads the file at path as a document.
func (n *Notifier) DeliverArtifact(ctx context.Context, chatID int64, path, caption string, kb Keyboard) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	if m := kb.markup(); m != nil {
		doc.ReplyMarkup = *m
	}
	if _, err := n.bot.Send(doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	n.logger.Info("artifact delivered", "chat_id", chatID, "path", path)
	return nil
}

// DeliverTextAsFile stages text as a .txt file, uploads it and deletes it
// whether or not the upload succeeded.
func (n *Notifier) DeliverTextAsFile(ctx context.Context, chatID int64, text, filenameHint, caption string, kb Keyboard) (err error) {
	path, err := n.files.WriteTemp(filenameHint, ".txt", []byte(text))
	if err != nil {
		return fmt.Errorf("stage text file: %w", err)
	}
	defer func() {
		if rmErr := n.files.Remove(path); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	}()
	return n.DeliverArtifact(ctx, chatID, path, caption, kb)
}

// Answer acknowledges a button press.
func (n *Notifier) Answer(callbackID, text string) {
	if _, err := n.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		n.logger.Debug("answer callback failed", "error", err)
	}
}
