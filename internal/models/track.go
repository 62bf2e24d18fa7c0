package models

import (
	"time"

	"github.com/google/uuid"
)

// Track is a delivered artifact. Read-only after creation.
type Track struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	TaskID    uuid.UUID `json:"task_id"`
	PresetID  string    `json:"preset_id"`
	Title     string    `json:"title"`
	Lyrics    string    `json:"lyrics"`
	Tags      string    `json:"tags"`
	AudioURL1 string    `json:"audio_url_1"`
	AudioURL2 string    `json:"audio_url_2"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
