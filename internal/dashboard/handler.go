// Package dashboard serves the operator API: account lookup, manual balance
// adjustments and task inspection.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/melodyforge/backend/internal/ledger"
	"github.com/melodyforge/backend/internal/middleware"
	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/repository"
)

const historyLimit = 50

type AccountReader interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error)
	List(ctx context.Context, limit int) ([]*models.Account, error)
}

type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error)
}

type Ledger interface {
	AdjustBalance(ctx context.Context, accountID uuid.UUID, delta int64, kind string, taskID *uuid.UUID) (int64, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	FreeQuotaRemaining(acc *models.Account) int
}

type Handler struct {
	accounts AccountReader
	tasks    TaskReader
	ledger   Ledger
	log      *slog.Logger
}

func NewHandler(accounts AccountReader, tasks TaskReader, l Ledger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{accounts: accounts, tasks: tasks, ledger: l, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	telegramID, err := strconv.ParseInt(r.PathValue("telegram_id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid telegram_id"}`, http.StatusBadRequest)
		return nil, false
	}
	acc, err := h.accounts.GetByTelegramID(r.Context(), telegramID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.log.Error("get account failed", "telegram_id", telegramID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return nil, false
	}
	return acc, true
}

// GET /api/v1/admin/accounts?limit=N
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, `{"error":"limit must be 1..1000"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	accounts, err := h.accounts.List(r.Context(), limit)
	if err != nil {
		h.log.Error("list accounts failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// GET /api/v1/admin/accounts/{telegram_id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.account(w, r)
	if !ok {
		return
	}
	entries, err := h.ledger.History(r.Context(), acc.ID, historyLimit)
	if err != nil {
		h.log.Error("list entries failed", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	tasks, err := h.tasks.ListByAccountID(r.Context(), acc.ID, 10)
	if err != nil {
		h.log.Error("list tasks failed", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":              acc,
		"free_quota_remaining": h.ledger.FreeQuotaRemaining(acc),
		"entries":              entries,
		"recent_tasks":         tasks,
	})
}

// POST /api/v1/admin/accounts/{telegram_id}/balance
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.account(w, r)
	if !ok {
		return
	}
	var body struct {
		Delta int64 `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if body.Delta == 0 {
		http.Error(w, `{"error":"delta must be non-zero"}`, http.StatusBadRequest)
		return
	}
	balance, err := h.ledger.AdjustBalance(r.Context(), acc.ID, body.Delta, models.EntryAdjust, nil)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "insufficient funds", "balance": acc.Balance})
		return
	}
	if err != nil {
		h.log.Error("adjust balance failed", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.log.Info("balance adjusted", "account_id", acc.ID, "delta", body.Delta, "balance", balance,
		"admin", middleware.AdminFromCtx(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

// GET /api/v1/admin/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	t, err := h.tasks.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get task failed", "task_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
