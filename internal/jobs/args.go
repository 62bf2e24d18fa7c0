package jobs

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// Job arguments carry identifiers only. Workers reload the task and decide
// from its persisted status whether there is anything left to do.

type GenerateTextArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (GenerateTextArgs) Kind() string { return "generate_text" }

// Provider calls are not safe to replay blindly; a failed attempt marks the
// task failed instead of retrying.
func (GenerateTextArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

type GenerateEditArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (GenerateEditArgs) Kind() string { return "generate_edit" }

func (GenerateEditArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

type GenerateAudioArgs struct {
	TaskID    uuid.UUID `json:"task_id"`
	ChatID    int64     `json:"chat_id"`
	MessageID *int      `json:"message_id,omitempty"`
}

func (GenerateAudioArgs) Kind() string { return "generate_audio" }

func (GenerateAudioArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

type DeliverVariantArgs struct {
	TaskID uuid.UUID `json:"task_id"`
	ChatID int64     `json:"chat_id"`
}

func (DeliverVariantArgs) Kind() string { return "deliver_variant" }

func (DeliverVariantArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

// ResumeAudioArgs picks up an audio render from its stored provider request id.
type ResumeAudioArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (ResumeAudioArgs) Kind() string { return "resume_audio" }

func (ResumeAudioArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// RecoverTasksArgs is enqueued periodically to settle tasks whose job was lost.
type RecoverTasksArgs struct{}

func (RecoverTasksArgs) Kind() string { return "recover_tasks" }

// SweepStorageArgs is enqueued periodically to purge stale artifacts.
type SweepStorageArgs struct{}

func (SweepStorageArgs) Kind() string { return "sweep_storage" }
