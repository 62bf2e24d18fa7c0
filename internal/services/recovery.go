package services

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/jobs"
	"github.com/melodyforge/backend/internal/models"
)

const recoverBatch = 100

// staleStatuses are the statuses a worker owns while its job runs. A task
// left in one of them past StaleAfter has lost its job.
var staleStatuses = []string{
	models.TaskStatusTextQueued,
	models.TaskStatusTextRunning,
	models.TaskStatusTextPolling,
	models.TaskStatusTagsRunning,
	models.TaskStatusTagsPolling,
	models.TaskStatusEditQueued,
	models.TaskStatusEditRunning,
	models.TaskStatusEditPolling,
	models.TaskStatusAudioQueued,
	models.TaskStatusAudioRunning,
	models.TaskStatusAudioPolling,
	models.TaskStatusDownloadingAudio,
	models.TaskStatusSendingDocument,
}

// RecoverStale settles tasks no worker has written for StaleAfter and
// reports how many it handled. Queued tasks get their job again, an audio
// render with a stored request id resumes polling, a delivered track is
// finalized, and anything else fails with its hold released.
func (p *Pipeline) RecoverStale(ctx context.Context) (int, error) {
	before := p.Now().Add(-p.Config.StaleAfter)
	list, err := p.Tasks.ListStale(ctx, staleStatuses, before, recoverBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}
	n := 0
	for _, t := range list {
		if err := p.recoverTask(ctx, t); err != nil {
			p.log(t).Error("recover stale task failed", "status", t.Status, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (p *Pipeline) recoverTask(ctx context.Context, t *models.Task) error {
	p.log(t).Warn("recovering stale task", "status", t.Status, "updated_at", t.UpdatedAt)
	switch t.Status {
	case models.TaskStatusTextQueued:
		return p.requeue(ctx, t, jobs.GenerateTextArgs{TaskID: t.ID})
	case models.TaskStatusEditQueued:
		return p.requeue(ctx, t, jobs.GenerateEditArgs{TaskID: t.ID})
	case models.TaskStatusAudioQueued:
		return p.requeue(ctx, t, jobs.GenerateAudioArgs{TaskID: t.ID, ChatID: t.ProgressChatID, MessageID: t.ProgressMessageID})
	case models.TaskStatusAudioPolling:
		if t.ProviderRequestID != nil {
			return p.requeue(ctx, t, jobs.ResumeAudioArgs{TaskID: t.ID})
		}
		return p.refundAndFail(ctx, t, errStalled, t.Status)
	case models.TaskStatusAudioRunning, models.TaskStatusDownloadingAudio:
		return p.refundAndFail(ctx, t, errStalled, t.Status)
	case models.TaskStatusSendingDocument:
		return p.finalizeStale(ctx, t)
	default:
		return p.fail(ctx, t, errStalled, t.Status)
	}
}

// requeue enqueues args again and touches the task so the next recovery
// pass leaves it alone while the new job is pending. A duplicate of a job
// that is still queued finds the status moved on and does nothing.
func (p *Pipeline) requeue(ctx context.Context, t *models.Task, args river.JobArgs) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		ok, err := p.Tasks.SaveTx(ctx, tx, t, t.Status)
		if err != nil || !ok {
			return err
		}
		return p.Jobs.EnqueueTx(ctx, tx, args)
	})
}

// finalizeStale completes a task whose worker stopped after the track was
// sent. The send itself cannot be confirmed, so the user is pointed at the
// second variant.
func (p *Pipeline) finalizeStale(ctx context.Context, t *models.Task) error {
	if t.AudioURL1 == nil || t.AudioURL2 == nil {
		return p.refundAndFail(ctx, t, errStalled, t.Status)
	}
	if err := p.complete(ctx, t); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	p.announceNew(ctx, t, msgRecovered, delivery.SecondVariantKeyboard(t.ID))
	return nil
}
