package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/jobs"
	"github.com/melodyforge/backend/internal/models"
)

// BriefRequest starts a new task.
type BriefRequest struct {
	AccountID  uuid.UUID
	PresetID   string
	Brief      string
	UserLyrics string
	ChatID     int64
	// MessageID is an existing message to reuse as the status message.
	MessageID *int
}

// SubmitBrief funds a task from today's free quota. It returns
// ErrPaymentRequired, creating nothing, once the quota is used up.
func (p *Pipeline) SubmitBrief(ctx context.Context, req BriefRequest) (*models.Task, error) {
	return p.submit(ctx, req, func(tx pgx.Tx, _ uuid.UUID) (string, error) {
		ok, err := p.Ledger.ConsumeFreeQuota(ctx, tx, req.AccountID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrPaymentRequired
		}
		return models.FundingFreeQuota, nil
	})
}

// SubmitPaidBrief funds a task by debiting the text price. An insufficient
// balance returns ledger.ErrInsufficientFunds and creates nothing.
func (p *Pipeline) SubmitPaidBrief(ctx context.Context, req BriefRequest) (*models.Task, error) {
	return p.submit(ctx, req, func(tx pgx.Tx, taskID uuid.UUID) (string, error) {
		if _, err := p.Ledger.AdjustBalanceTx(ctx, tx, req.AccountID, -p.Config.TextPrice, models.EntrySpendText, &taskID, nil); err != nil {
			return "", err
		}
		return models.FundingPaidText, nil
	})
}

// submit funds, creates and enqueues in one transaction; funding always
// happens before the task row exists.
func (p *Pipeline) submit(ctx context.Context, req BriefRequest, fund func(tx pgx.Tx, taskID uuid.UUID) (string, error)) (*models.Task, error) {
	preset, ok := p.Presets.Get(req.PresetID)
	if !ok {
		return nil, ErrUnknownPreset
	}
	brief := strings.TrimSpace(req.Brief)
	if brief == "" && preset.Mode != catalog.ModeUserLyrics {
		return nil, ErrEmptyInput
	}
	t := &models.Task{
		ID:                uuid.New(),
		AccountID:         req.AccountID,
		PresetID:          preset.ID,
		Brief:             brief,
		Status:            models.TaskStatusTextQueued,
		ProgressChatID:    req.ChatID,
		ProgressMessageID: req.MessageID,
	}
	if preset.Mode == catalog.ModeUserLyrics {
		raw := strings.TrimSpace(req.UserLyrics)
		if raw == "" {
			return nil, ErrEmptyInput
		}
		t.UserLyricsRaw = &raw
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		funding, err := fund(tx, t.ID)
		if err != nil {
			return err
		}
		t.Funding = funding
		if err := p.Tasks.CreateTx(ctx, tx, t); err != nil {
			return err
		}
		return p.Jobs.EnqueueTx(ctx, tx, jobs.GenerateTextArgs{TaskID: t.ID})
	})
	if err != nil {
		return nil, err
	}
	p.moved(t)
	p.log(t).Info("task created", "preset_id", t.PresetID, "funding", t.Funding)
	p.progress(ctx, t, stageQueued, 0)
	return t, nil
}

// Approve accepts the draft and asks for a title.
func (p *Pipeline) Approve(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error) {
	t, err := p.owned(ctx, taskID, accountID, models.TaskStatusReviewReady)
	if err != nil {
		return nil, err
	}
	if t.Lyrics() == "" || t.Tags() == "" {
		return nil, ErrMissingDraft
	}
	if err := p.step(ctx, t, models.TaskStatusTitleWaiting, models.TaskStatusReviewReady); err != nil {
		return nil, err
	}
	p.announceNew(ctx, t, titlePrompt(t), delivery.TitleKeyboard(t.ID))
	return t, nil
}

// RequestEdit waits for the user's edit instructions.
func (p *Pipeline) RequestEdit(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error) {
	t, err := p.owned(ctx, taskID, accountID, models.TaskStatusReviewReady)
	if err != nil {
		return nil, err
	}
	if err := p.step(ctx, t, models.TaskStatusWaitingEditRequest, models.TaskStatusReviewReady); err != nil {
		return nil, err
	}
	p.announceNew(ctx, t, msgEditPrompt, delivery.EditKeyboard(t.ID))
	return t, nil
}

// CancelEdit returns to the review without changes.
func (p *Pipeline) CancelEdit(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error) {
	t, err := p.owned(ctx, taskID, accountID, models.TaskStatusWaitingEditRequest)
	if err != nil {
		return nil, err
	}
	preset, ok := p.Presets.Get(t.PresetID)
	if !ok {
		return nil, ErrUnknownPreset
	}
	if err := p.step(ctx, t, models.TaskStatusReviewReady, models.TaskStatusWaitingEditRequest); err != nil {
		return nil, err
	}
	p.deliverReview(ctx, t, preset)
	return t, nil
}

// SubmitEdit queues a rewrite of the current draft. Edits are free.
func (p *Pipeline) SubmitEdit(ctx context.Context, taskID, accountID uuid.UUID, request string) (*models.Task, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, ErrEmptyInput
	}
	var t *models.Task
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = p.lockOwned(ctx, tx, taskID, accountID, models.TaskStatusWaitingEditRequest)
		if err != nil {
			return err
		}
		t.EditRequest = &request
		t.Status = models.TaskStatusEditQueued
		if _, err := p.Tasks.SaveTx(ctx, tx, t, models.TaskStatusWaitingEditRequest); err != nil {
			return err
		}
		return p.Jobs.EnqueueTx(ctx, tx, jobs.GenerateEditArgs{TaskID: t.ID})
	})
	if err != nil {
		return nil, err
	}
	p.moved(t)
	p.progress(ctx, t, stageQueued, 0)
	return t, nil
}

// Regenerate writes a fresh draft from the same brief. It is allowed once per
// task and costs one more funding unit: free quota unless paid is set.
func (p *Pipeline) Regenerate(ctx context.Context, taskID, accountID uuid.UUID, paid bool) (*models.Task, error) {
	var t *models.Task
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = p.lockOwned(ctx, tx, taskID, accountID, models.TaskStatusReviewReady)
		if err != nil {
			return err
		}
		if t.RegenerationUsed {
			return ErrRegenerationUsed
		}
		if paid {
			if _, err := p.Ledger.AdjustBalanceTx(ctx, tx, accountID, -p.Config.TextPrice, models.EntrySpendText, &t.ID, nil); err != nil {
				return err
			}
		} else {
			ok, err := p.Ledger.ConsumeFreeQuota(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrPaymentRequired
			}
		}
		t.RegenerationUsed = true
		t.LyricsCurrent, t.TagsCurrent, t.SuggestedTitle = nil, nil, nil
		t.Status = models.TaskStatusTextQueued
		if _, err := p.Tasks.SaveTx(ctx, tx, t, models.TaskStatusReviewReady); err != nil {
			return err
		}
		return p.Jobs.EnqueueTx(ctx, tx, jobs.GenerateTextArgs{TaskID: t.ID})
	})
	if err != nil {
		return nil, err
	}
	p.moved(t)
	p.progress(ctx, t, stageQueued, 0)
	return t, nil
}

// Cancel abandons a task waiting on the user. A provider call already in
// flight finishes and its result is dropped.
func (p *Pipeline) Cancel(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error) {
	from := []string{
		models.TaskStatusReviewReady,
		models.TaskStatusWaitingEditRequest,
		models.TaskStatusTitleWaiting,
		models.TaskStatusPaymentWaiting,
	}
	t, err := p.owned(ctx, taskID, accountID, from...)
	if err != nil {
		return nil, err
	}
	if err := p.step(ctx, t, models.TaskStatusCanceled, from...); err != nil {
		return nil, err
	}
	p.announce(ctx, t, msgCanceled, nil)
	return t, nil
}

// SetTitle validates a user-typed title and starts the audio render.
func (p *Pipeline) SetTitle(ctx context.Context, taskID, accountID uuid.UUID, raw string) (*models.Task, error) {
	title, err := ValidateTitle(raw)
	if err != nil {
		return nil, err
	}
	return p.startAudio(ctx, taskID, accountID, &title)
}

// AutoTitle uses the model's suggested title when it is valid, otherwise a
// title derived from the preset and brief.
func (p *Pipeline) AutoTitle(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error) {
	t, err := p.owned(ctx, taskID, accountID, models.TaskStatusTitleWaiting)
	if err != nil {
		return nil, err
	}
	preset, ok := p.Presets.Get(t.PresetID)
	if !ok {
		return nil, ErrUnknownPreset
	}
	var title string
	if t.SuggestedTitle != nil {
		title, err = ValidateTitle(*t.SuggestedTitle)
	}
	if t.SuggestedTitle == nil || err != nil {
		title = FallbackTitle(preset.Title, t.Brief)
	}
	return p.startAudio(ctx, taskID, accountID, &title)
}

// ConfirmAudio retries the audio hold for a task waiting on payment.
func (p *Pipeline) ConfirmAudio(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error) {
	return p.startAudio(ctx, taskID, accountID, nil)
}

// startAudio holds the preset's audio price and queues the render. On
// insufficient funds the task parks in PAYMENT_WAITING with the balance
// untouched.
func (p *Pipeline) startAudio(ctx context.Context, taskID, accountID uuid.UUID, title *string) (*models.Task, error) {
	var (
		t      *models.Task
		preset catalog.Preset
		held   bool
	)
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = p.lockOwned(ctx, tx, taskID, accountID, models.TaskStatusTitleWaiting, models.TaskStatusPaymentWaiting)
		if err != nil {
			return err
		}
		if title != nil {
			t.TitleText = title
		}
		if t.Title() == "" {
			return ErrInvalidTitle
		}
		if t.Lyrics() == "" || t.Tags() == "" {
			return ErrMissingDraft
		}
		var ok bool
		if preset, ok = p.Presets.Get(t.PresetID); !ok {
			return ErrUnknownPreset
		}
		from := t.Status
		entry, err := p.Ledger.Hold(ctx, tx, t.AccountID, t.ID, preset.PriceAudio)
		if err != nil {
			return err
		}
		if entry == nil {
			t.Status = models.TaskStatusPaymentWaiting
			_, err := p.Tasks.SaveTx(ctx, tx, t, from)
			return err
		}
		held = true
		t.HoldEntryID = &entry.ID
		t.ErrorMessage = nil
		t.Status = models.TaskStatusAudioQueued
		if _, err := p.Tasks.SaveTx(ctx, tx, t, from); err != nil {
			return err
		}
		return p.Jobs.EnqueueTx(ctx, tx, jobs.GenerateAudioArgs{
			TaskID:    t.ID,
			ChatID:    t.ProgressChatID,
			MessageID: t.ProgressMessageID,
		})
	})
	if err != nil {
		return nil, err
	}
	p.moved(t)
	if !held {
		p.announceNew(ctx, t, paymentText(t, preset.PriceAudio), delivery.PaymentKeyboard(t.ID))
		return t, nil
	}
	p.progress(ctx, t, stageAudioQueued, 0)
	return t, nil
}

// RequestSecondVariant queues delivery of the other rendered variant.
func (p *Pipeline) RequestSecondVariant(ctx context.Context, taskID, accountID uuid.UUID, chatID int64) error {
	t, err := p.owned(ctx, taskID, accountID, models.TaskStatusSucceeded)
	if err != nil {
		return err
	}
	if t.TrackID == nil {
		return ErrMissingDraft
	}
	return p.Jobs.Enqueue(ctx, jobs.DeliverVariantArgs{TaskID: t.ID, ChatID: chatID})
}

// step is advance for user actions, where losing the race is ErrWrongState.
func (p *Pipeline) step(ctx context.Context, t *models.Task, next string, from ...string) error {
	ok, err := p.advance(ctx, t, next, from...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongState
	}
	return nil
}
