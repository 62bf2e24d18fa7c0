package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/payments"
	"github.com/melodyforge/backend/internal/services"
)

type WebhookParser interface {
	Parse(body []byte) (*payments.Event, error)
}

type TopUpLedger interface {
	GetOrCreateAccount(ctx context.Context, telegramID int64) (*models.Account, error)
	AddTopup(ctx context.Context, accountID uuid.UUID, amount int64, externalRef string) (bool, error)
	Account(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
}

// PaymentVerifier re-reads a payment from the provider.
type PaymentVerifier interface {
	GetPayment(ctx context.Context, id string) (*payments.Payment, error)
}

// WebhookHandler credits confirmed YooKassa payments.
type WebhookHandler struct {
	Parser WebhookParser
	Ledger TopUpLedger
	Chat   Chat
	// Verifier, when set, must confirm status and amount before anything is credited.
	Verifier PaymentVerifier
	Logger   *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP handles POST /yookassa/webhook. Every well-formed notification is
// acknowledged with 200 so the provider stops redelivering it; only storage
// failures return 5xx to ask for a retry.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	ev, err := h.Parser.Parse(body)
	switch {
	case errors.Is(err, payments.ErrIgnoredEvent):
		h.Logger.Info("payment notification ignored", "reason", err.Error())
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case errors.Is(err, payments.ErrValidation):
		h.Logger.Warn("payment notification rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		h.Logger.Error("parse payment notification", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	if h.Verifier != nil {
		p, err := h.Verifier.GetPayment(ctx, ev.PaymentID)
		if err != nil {
			h.Logger.Error("verify payment", "payment_id", ev.PaymentID, "error", err)
			http.Error(w, `{"error":"verification unavailable"}`, http.StatusBadGateway)
			return
		}
		if amt, err := p.Kopecks(); err != nil || p.Status != "succeeded" || amt != ev.Amount {
			h.Logger.Warn("payment notification does not match provider state",
				"payment_id", ev.PaymentID, "status", p.Status, "amount", p.Amount.Value, "notified", ev.Amount)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payment not confirmed"})
			return
		}
	}

	acc, err := h.Ledger.GetOrCreateAccount(ctx, ev.TelegramID)
	if err != nil {
		h.Logger.Error("load account for payment", "payment_id", ev.PaymentID, "telegram_id", ev.TelegramID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	credited, err := h.Ledger.AddTopup(ctx, acc.ID, ev.Amount, ev.PaymentID)
	if err != nil {
		h.Logger.Error("credit payment", "payment_id", ev.PaymentID, "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !credited {
		h.Logger.Info("payment already credited", "payment_id", ev.PaymentID, "account_id", acc.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	h.Logger.Info("payment credited", "payment_id", ev.PaymentID, "account_id", acc.ID, "amount", ev.Amount)

	text := fmt.Sprintf("✅ Баланс пополнен на %s.", services.FormatRub(ev.Amount))
	if fresh, err := h.Ledger.Account(ctx, acc.ID); err == nil {
		text += fmt.Sprintf("\n💰 Баланс: %s", services.FormatRub(fresh.Balance))
	}
	text += "\n\nЕсли трек ждал оплаты, нажмите «Я пополнил, продолжить»."
	if _, err := h.Chat.Send(ctx, ev.TelegramID, text, delivery.MainMenuKeyboard()); err != nil {
		h.Logger.Warn("notify top-up failed", "telegram_id", ev.TelegramID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}
