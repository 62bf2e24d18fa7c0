package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds.
const (
	EntryTopup        = "topup"
	EntrySpendText    = "spend_text"
	EntrySpendAudio   = "spend_audio"
	EntryWelcomeBonus = "welcome_bonus"
	EntryRelease      = "release"
	EntryAdjust       = "adjust"
)

// Ledger entry statuses. Only hold entries ever leave their initial status.
const (
	EntryStatusCapture = "capture"
	EntryStatusHold    = "hold"
	EntryStatusRelease = "release"
)

// LedgerEntry records one balance mutation. Amount is signed.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    uuid.UUID  `json:"account_id"`
	TaskID       *uuid.UUID `json:"task_id,omitempty"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	ExternalRef  *string    `json:"external_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
