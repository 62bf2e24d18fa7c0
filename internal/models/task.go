package models

import (
	"time"

	"github.com/google/uuid"
)

// Task statuses. SUCCEEDED, FAILED and CANCELED are terminal.
const (
	TaskStatusTextQueued         = "TEXT_QUEUED"
	TaskStatusTextRunning        = "TEXT_RUNNING"
	TaskStatusTextPolling        = "TEXT_POLLING"
	TaskStatusTagsRunning        = "TAGS_RUNNING"
	TaskStatusTagsPolling        = "TAGS_POLLING"
	TaskStatusReviewReady        = "REVIEW_READY"
	TaskStatusWaitingEditRequest = "WAITING_EDIT_REQUEST"
	TaskStatusEditQueued         = "EDIT_QUEUED"
	TaskStatusEditRunning        = "EDIT_RUNNING"
	TaskStatusEditPolling        = "EDIT_POLLING"
	TaskStatusTitleWaiting       = "TITLE_WAITING"
	TaskStatusPaymentWaiting     = "PAYMENT_WAITING"
	TaskStatusAudioQueued        = "AUDIO_QUEUED"
	TaskStatusAudioRunning       = "AUDIO_RUNNING"
	TaskStatusAudioPolling       = "AUDIO_POLLING"
	TaskStatusDownloadingAudio   = "DOWNLOADING_AUDIO"
	TaskStatusSendingDocument    = "SENDING_DOCUMENT"
	TaskStatusSucceeded          = "SUCCEEDED"
	TaskStatusFailed             = "FAILED"
	TaskStatusCanceled           = "CANCELED"
)

// Funding sources recorded on a task.
const (
	FundingFreeQuota = "free_quota"
	FundingPaidText  = "paid_text"
)

// IsTerminal reports whether no job will touch a task in this status again.
func IsTerminal(status string) bool {
	switch status {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

type Task struct {
	ID                uuid.UUID  `json:"id"`
	AccountID         uuid.UUID  `json:"account_id"`
	PresetID          string     `json:"preset_id"`
	Brief             string     `json:"brief"`
	UserLyricsRaw     *string    `json:"user_lyrics_raw,omitempty"`
	EditRequest       *string    `json:"edit_request,omitempty"`
	Status            string     `json:"status"`
	Stage             *string    `json:"stage,omitempty"`
	Progress          *int       `json:"progress,omitempty"`
	ProgressChatID    int64      `json:"progress_chat_id"`
	ProgressMessageID *int       `json:"progress_message_id,omitempty"`
	ProviderRequestID *int64     `json:"provider_request_id,omitempty"`
	LyricsCurrent     *string    `json:"lyrics_current,omitempty"`
	TagsCurrent       *string    `json:"tags_current,omitempty"`
	SuggestedTitle    *string    `json:"suggested_title,omitempty"`
	TitleText         *string    `json:"title_text,omitempty"`
	AudioURL1         *string    `json:"audio_url_1,omitempty"`
	AudioURL2         *string    `json:"audio_url_2,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	Funding           string     `json:"funding"`
	RegenerationUsed  bool       `json:"regeneration_used"`
	HoldEntryID       *uuid.UUID `json:"hold_entry_id,omitempty"`
	TrackID           *uuid.UUID `json:"track_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Lyrics returns the current lyrics draft or "".
func (t *Task) Lyrics() string { return deref(t.LyricsCurrent) }

// Tags returns the current tags draft or "".
func (t *Task) Tags() string { return deref(t.TagsCurrent) }

// Title returns the final title or "".
func (t *Task) Title() string { return deref(t.TitleText) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
