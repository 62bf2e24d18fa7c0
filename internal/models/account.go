package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is the payer behind a chat user. Balance is in kopecks.
type Account struct {
	ID                uuid.UUID `json:"id"`
	TelegramID        int64     `json:"telegram_id"`
	Balance           int64     `json:"balance"`
	FreeQuotaUsed     int       `json:"free_quota_used"`
	FreeQuotaDate     time.Time `json:"free_quota_date"`
	WelcomeBonusGiven bool      `json:"welcome_bonus_given"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
