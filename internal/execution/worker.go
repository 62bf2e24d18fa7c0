// Package execution holds the River workers. Each worker is a thin shell
// around one pipeline step; the pipeline decides from persisted state whether
// a job still has work to do.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/melodyforge/backend/internal/jobs"
)

// Job timeouts. Recovery treats a task as abandoned only after the longest of
// these has passed.
const (
	TextTimeout  = 10 * time.Minute
	AudioTimeout = 20 * time.Minute
)

// Pipeline is the contract the workers need from the orchestration layer.
type Pipeline interface {
	RunText(ctx context.Context, taskID uuid.UUID) error
	RunEdit(ctx context.Context, taskID uuid.UUID) error
	RunAudio(ctx context.Context, taskID uuid.UUID, chatID int64, messageID *int) error
	DeliverSecondVariant(ctx context.Context, taskID uuid.UUID, chatID int64) error
	ResumeAudio(ctx context.Context, taskID uuid.UUID) error
	RecoverStale(ctx context.Context) (int, error)
}

// Sweeper purges stale artifacts.
type Sweeper interface {
	Sweep(retention time.Duration) (int, error)
}

type TextWorker struct {
	river.WorkerDefaults[jobs.GenerateTextArgs]
	pipeline Pipeline
}

func (w *TextWorker) Work(ctx context.Context, job *river.Job[jobs.GenerateTextArgs]) error {
	return w.pipeline.RunText(ctx, job.Args.TaskID)
}

// Timeout covers the full poll window plus the tags call.
func (w *TextWorker) Timeout(*river.Job[jobs.GenerateTextArgs]) time.Duration {
	return TextTimeout
}

type EditWorker struct {
	river.WorkerDefaults[jobs.GenerateEditArgs]
	pipeline Pipeline
}

func (w *EditWorker) Work(ctx context.Context, job *river.Job[jobs.GenerateEditArgs]) error {
	return w.pipeline.RunEdit(ctx, job.Args.TaskID)
}

func (w *EditWorker) Timeout(*river.Job[jobs.GenerateEditArgs]) time.Duration {
	return TextTimeout
}

type AudioWorker struct {
	river.WorkerDefaults[jobs.GenerateAudioArgs]
	pipeline Pipeline
}

func (w *AudioWorker) Work(ctx context.Context, job *river.Job[jobs.GenerateAudioArgs]) error {
	return w.pipeline.RunAudio(ctx, job.Args.TaskID, job.Args.ChatID, job.Args.MessageID)
}

func (w *AudioWorker) Timeout(*river.Job[jobs.GenerateAudioArgs]) time.Duration {
	return AudioTimeout
}

type ResumeAudioWorker struct {
	river.WorkerDefaults[jobs.ResumeAudioArgs]
	pipeline Pipeline
}

func (w *ResumeAudioWorker) Work(ctx context.Context, job *river.Job[jobs.ResumeAudioArgs]) error {
	return w.pipeline.ResumeAudio(ctx, job.Args.TaskID)
}

func (w *ResumeAudioWorker) Timeout(*river.Job[jobs.ResumeAudioArgs]) time.Duration {
	return AudioTimeout
}

type VariantWorker struct {
	river.WorkerDefaults[jobs.DeliverVariantArgs]
	pipeline Pipeline
}

func (w *VariantWorker) Work(ctx context.Context, job *river.Job[jobs.DeliverVariantArgs]) error {
	return w.pipeline.DeliverSecondVariant(ctx, job.Args.TaskID, job.Args.ChatID)
}

type RecoverWorker struct {
	river.WorkerDefaults[jobs.RecoverTasksArgs]
	pipeline Pipeline
	logger   *slog.Logger
}

func (w *RecoverWorker) Work(ctx context.Context, job *river.Job[jobs.RecoverTasksArgs]) error {
	n, err := w.pipeline.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		w.logger.Warn("stale tasks recovered", "count", n)
	}
	return nil
}

type SweepWorker struct {
	river.WorkerDefaults[jobs.SweepStorageArgs]
	sweeper   Sweeper
	retention time.Duration
	logger    *slog.Logger
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[jobs.SweepStorageArgs]) error {
	n, err := w.sweeper.Sweep(w.retention)
	if err != nil {
		return fmt.Errorf("sweep storage: %w", err)
	}
	w.logger.Debug("storage sweep finished", "removed", n)
	return nil
}

// Register adds every worker to workers.
func Register(workers *river.Workers, p Pipeline, s Sweeper, retention time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	river.AddWorker(workers, &TextWorker{pipeline: p})
	river.AddWorker(workers, &EditWorker{pipeline: p})
	river.AddWorker(workers, &AudioWorker{pipeline: p})
	river.AddWorker(workers, &ResumeAudioWorker{pipeline: p})
	river.AddWorker(workers, &VariantWorker{pipeline: p})
	river.AddWorker(workers, &RecoverWorker{pipeline: p, logger: logger})
	river.AddWorker(workers, &SweepWorker{sweeper: s, retention: retention, logger: logger})
}
