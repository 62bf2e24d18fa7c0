package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/genapi"
	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/prompts"
	"github.com/melodyforge/backend/internal/repository"
)

// onPending records the provider's request id and flips the task into its
// polling status.
func (p *Pipeline) onPending(ctx context.Context, t *models.Task, polling, running string) func(int64) {
	return func(requestID int64) {
		t.ProviderRequestID = &requestID
		if _, err := p.advance(ctx, t, polling, running); err != nil {
			p.log(t).Warn("record provider request failed", "request_id", requestID, "error", err)
		}
	}
}

// RunText writes the first draft (or a regenerated one) and its tags.
func (p *Pipeline) RunText(ctx context.Context, taskID uuid.UUID) error {
	t, err := p.load(ctx, taskID, models.TaskStatusTextQueued)
	if t == nil || err != nil {
		return err
	}
	if ok, err := p.advance(ctx, t, models.TaskStatusTextRunning, models.TaskStatusTextQueued); !ok || err != nil {
		return err
	}
	preset, ok := p.Presets.Get(t.PresetID)
	if !ok {
		return p.fail(ctx, t, ErrUnknownPreset, models.TaskStatusTextRunning)
	}
	p.progress(ctx, t, stageText, 15)

	if err := p.draft(ctx, t, preset); err != nil {
		return p.fail(ctx, t, err, models.TaskStatusTextRunning, models.TaskStatusTextPolling)
	}
	if ok, err := p.advance(ctx, t, models.TaskStatusTagsRunning, models.TaskStatusTextRunning, models.TaskStatusTextPolling); !ok || err != nil {
		return err
	}
	return p.tags(ctx, t, preset)
}

func (p *Pipeline) draft(ctx context.Context, t *models.Task, preset catalog.Preset) error {
	var (
		msgs []genapi.Message
		err  error
	)
	switch preset.Mode {
	case catalog.ModeInstrumental:
		msgs, err = prompts.Instrumental(preset, t.Brief)
	case catalog.ModeUserLyrics:
		var raw string
		if t.UserLyricsRaw != nil {
			raw = *t.UserLyricsRaw
		}
		msgs, err = prompts.UserLyrics(preset, t.Brief, raw)
	default:
		msgs, err = prompts.Lyrics(preset, t.Brief)
	}
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}
	text, err := p.Gen.GenerateText(ctx, msgs, p.onPending(ctx, t, models.TaskStatusTextPolling, models.TaskStatusTextRunning))
	if err != nil {
		return err
	}
	var title, body string
	if preset.Mode == catalog.ModeInstrumental {
		title, body = prompts.ParseInstrumental(text)
	} else {
		title, body = prompts.SplitLyricsTitle(text)
	}
	if strings.TrimSpace(body) == "" {
		return ErrMissingDraft
	}
	t.LyricsCurrent = &body
	t.SuggestedTitle = nil
	if title != "" {
		t.SuggestedTitle = &title
	}
	t.ProviderRequestID = nil
	return nil
}

// RunEdit rewrites the draft per the user's request, then refreshes tags.
func (p *Pipeline) RunEdit(ctx context.Context, taskID uuid.UUID) error {
	t, err := p.load(ctx, taskID, models.TaskStatusEditQueued)
	if t == nil || err != nil {
		return err
	}
	if ok, err := p.advance(ctx, t, models.TaskStatusEditRunning, models.TaskStatusEditQueued); !ok || err != nil {
		return err
	}
	preset, ok := p.Presets.Get(t.PresetID)
	if !ok {
		return p.fail(ctx, t, ErrUnknownPreset, models.TaskStatusEditRunning)
	}
	if t.Lyrics() == "" || t.EditRequest == nil {
		return p.fail(ctx, t, ErrMissingDraft, models.TaskStatusEditRunning)
	}
	p.progress(ctx, t, stageEdit, 20)

	msgs, err := prompts.Edit(t.Lyrics(), *t.EditRequest)
	if err != nil {
		return p.fail(ctx, t, fmt.Errorf("build prompt: %w", err), models.TaskStatusEditRunning)
	}
	text, err := p.Gen.GenerateText(ctx, msgs, p.onPending(ctx, t, models.TaskStatusEditPolling, models.TaskStatusEditRunning))
	if err != nil {
		return p.fail(ctx, t, err, models.TaskStatusEditRunning, models.TaskStatusEditPolling)
	}
	var body string
	if preset.Mode == catalog.ModeInstrumental {
		_, body = prompts.ParseInstrumental(text)
	} else {
		_, body = prompts.SplitLyricsTitle(text)
	}
	if strings.TrimSpace(body) == "" {
		return p.fail(ctx, t, ErrMissingDraft, models.TaskStatusEditRunning, models.TaskStatusEditPolling)
	}
	t.LyricsCurrent = &body
	t.EditRequest = nil
	t.ProviderRequestID = nil
	if ok, err := p.advance(ctx, t, models.TaskStatusTagsRunning, models.TaskStatusEditRunning, models.TaskStatusEditPolling); !ok || err != nil {
		return err
	}
	return p.tags(ctx, t, preset)
}

// tags picks style tags for the current draft and presents the review.
func (p *Pipeline) tags(ctx context.Context, t *models.Task, preset catalog.Preset) error {
	p.progress(ctx, t, stageTags, 70)
	msgs, err := prompts.Tags(preset, t.Lyrics())
	if err != nil {
		return p.fail(ctx, t, fmt.Errorf("build prompt: %w", err), models.TaskStatusTagsRunning)
	}
	raw, err := p.Gen.GenerateText(ctx, msgs, p.onPending(ctx, t, models.TaskStatusTagsPolling, models.TaskStatusTagsRunning))
	if err != nil {
		return p.fail(ctx, t, err, models.TaskStatusTagsRunning, models.TaskStatusTagsPolling)
	}
	tags := cleanTags(raw)
	if tags == "" {
		return p.fail(ctx, t, ErrMissingDraft, models.TaskStatusTagsRunning, models.TaskStatusTagsPolling)
	}
	t.TagsCurrent = &tags
	t.ProviderRequestID = nil
	if ok, err := p.advance(ctx, t, models.TaskStatusReviewReady, models.TaskStatusTagsRunning, models.TaskStatusTagsPolling); !ok || err != nil {
		return err
	}
	p.deliverReview(ctx, t, preset)
	return nil
}

func cleanTags(raw string) string {
	s := strings.ReplaceAll(raw, "\n", ", ")
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, "\"'«», .")
}

// deliverReview shows the draft with the review buttons. A draft too long
// for one message goes out as a text file first.
func (p *Pipeline) deliverReview(ctx context.Context, t *models.Task, preset catalog.Preset) {
	kb := delivery.ReviewKeyboard(t.ID, !t.RegenerationUsed)
	body := reviewText(t, preset)
	if utf8.RuneCountInString(body) > p.Config.InlineTextLimit {
		hint := preset.Title
		if t.SuggestedTitle != nil {
			hint = *t.SuggestedTitle
		}
		if err := p.Notifier.DeliverTextAsFile(ctx, t.ProgressChatID, t.Lyrics(), hint, msgLyricsAttached, nil); err != nil {
			p.log(t).Warn("deliver draft file failed", "chat_id", t.ProgressChatID, "error", err)
		}
		body = reviewSummary(t, preset)
	}
	p.announce(ctx, t, body, kb)
}

// RunAudio renders the song, delivers the first variant and settles the
// hold. Any failure after the hold releases it before the task fails.
func (p *Pipeline) RunAudio(ctx context.Context, taskID uuid.UUID, chatID int64, messageID *int) error {
	t, err := p.load(ctx, taskID, models.TaskStatusAudioQueued)
	if t == nil || err != nil {
		return err
	}
	if chatID != 0 {
		t.ProgressChatID = chatID
	}
	if t.ProgressMessageID == nil {
		t.ProgressMessageID = messageID
	}
	if ok, err := p.advance(ctx, t, models.TaskStatusAudioRunning, models.TaskStatusAudioQueued); !ok || err != nil {
		return err
	}
	preset, ok := p.Presets.Get(t.PresetID)
	if !ok {
		return p.refundAndFail(ctx, t, ErrUnknownPreset, models.TaskStatusAudioRunning)
	}
	p.progress(ctx, t, stageAudio, 10)

	urls, err := p.Gen.GenerateAudio(ctx, audioRequest(t, preset), p.onPending(ctx, t, models.TaskStatusAudioPolling, models.TaskStatusAudioRunning))
	if err != nil {
		return p.refundAndFail(ctx, t, err, models.TaskStatusAudioRunning, models.TaskStatusAudioPolling)
	}
	return p.finishAudio(ctx, t, urls)
}

// ResumeAudio picks up a render whose worker stopped while polling, using the
// provider request id stored on the task.
func (p *Pipeline) ResumeAudio(ctx context.Context, taskID uuid.UUID) error {
	t, err := p.load(ctx, taskID, models.TaskStatusAudioPolling)
	if t == nil || err != nil {
		return err
	}
	if t.ProviderRequestID == nil {
		return p.refundAndFail(ctx, t, errStalled, models.TaskStatusAudioPolling)
	}
	// Claiming AUDIO_RUNNING makes a duplicate resume job a no-op. A task
	// that stalls again here is failed by recovery rather than resumed twice.
	if ok, err := p.advance(ctx, t, models.TaskStatusAudioRunning, models.TaskStatusAudioPolling); !ok || err != nil {
		return err
	}
	p.log(t).Info("resuming audio render", "request_id", *t.ProviderRequestID)
	urls, err := p.Gen.ResumeAudio(ctx, *t.ProviderRequestID)
	if err != nil {
		return p.refundAndFail(ctx, t, err, models.TaskStatusAudioRunning)
	}
	return p.finishAudio(ctx, t, urls)
}

// finishAudio downloads and delivers the first variant, then settles the
// hold. Any failure releases the hold before the task fails. A task that
// moved on was settled by whoever moved it.
func (p *Pipeline) finishAudio(ctx context.Context, t *models.Task, urls [2]string) error {
	t.AudioURL1, t.AudioURL2 = &urls[0], &urls[1]
	t.ProviderRequestID = nil
	ok, err := p.advance(ctx, t, models.TaskStatusDownloadingAudio, models.TaskStatusAudioRunning, models.TaskStatusAudioPolling)
	if err != nil {
		return p.refundAndFail(ctx, t, err, models.TaskStatusAudioRunning, models.TaskStatusAudioPolling)
	}
	if !ok {
		return nil
	}
	p.progress(ctx, t, stageDownload, 80)

	path, err := p.Files.Download(ctx, urls[0], t.Title())
	if err != nil {
		return p.refundAndFail(ctx, t, fmt.Errorf("%w: download: %v", errDelivery, err), models.TaskStatusDownloadingAudio)
	}
	defer p.Files.Remove(path)

	ok, err = p.advance(ctx, t, models.TaskStatusSendingDocument, models.TaskStatusDownloadingAudio)
	if err != nil {
		return p.refundAndFail(ctx, t, err, models.TaskStatusDownloadingAudio)
	}
	if !ok {
		return nil
	}
	p.progress(ctx, t, stageSending, 95)
	if err := p.Notifier.DeliverArtifact(ctx, t.ProgressChatID, path, trackCaption(t), delivery.SecondVariantKeyboard(t.ID)); err != nil {
		return p.refundAndFail(ctx, t, fmt.Errorf("%w: send document: %v", errDelivery, err), models.TaskStatusSendingDocument)
	}

	ctx, cancel := detached(ctx)
	defer cancel()
	if err := p.complete(ctx, t); err != nil {
		p.log(t).Error("finalize delivered task failed", "error", err)
		return err
	}
	p.announce(ctx, t, msgDone, nil)
	return nil
}

func audioRequest(t *models.Task, preset catalog.Preset) genapi.AudioRequest {
	req := genapi.AudioRequest{
		Title:  t.Title(),
		Tags:   t.Tags(),
		Prompt: t.Lyrics(),
	}
	if preset.Mode == catalog.ModeInstrumental {
		req.Instrumental = true
		if !strings.Contains(strings.ToLower(req.Tags), prompts.InstrumentalMarker) {
			req.Tags = strings.TrimRight(req.Tags, " ,") + ", " + prompts.InstrumentalMarker
		}
	}
	return req
}

// complete captures the hold, stores the track and marks the task succeeded
// in one transaction.
func (p *Pipeline) complete(ctx context.Context, t *models.Task) error {
	track := &models.Track{
		ID:        uuid.New(),
		AccountID: t.AccountID,
		TaskID:    t.ID,
		PresetID:  t.PresetID,
		Title:     t.Title(),
		Lyrics:    t.Lyrics(),
		Tags:      t.Tags(),
		AudioURL1: *t.AudioURL1,
		AudioURL2: *t.AudioURL2,
		ExpiresAt: p.Now().Add(p.Config.TrackTTL),
	}
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := p.Tasks.GetByIDForUpdate(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.TaskStatusSendingDocument {
			return fmt.Errorf("%w: %s", ErrWrongState, cur.Status)
		}
		if t.HoldEntryID != nil {
			if err := p.Ledger.Capture(ctx, tx, *t.HoldEntryID); err != nil {
				return fmt.Errorf("capture hold: %w", err)
			}
		}
		if err := p.Tracks.CreateTx(ctx, tx, track); err != nil {
			return fmt.Errorf("create track: %w", err)
		}
		t.TrackID = &track.ID
		t.Status = models.TaskStatusSucceeded
		_, err = p.Tasks.SaveTx(ctx, tx, t, models.TaskStatusSendingDocument)
		return err
	})
	if err != nil {
		t.Status = models.TaskStatusSendingDocument
		t.TrackID = nil
		return err
	}
	p.moved(t)
	return nil
}

// DeliverSecondVariant sends the other rendered variant of a finished task
// while its track has not expired.
func (p *Pipeline) DeliverSecondVariant(ctx context.Context, taskID uuid.UUID, chatID int64) error {
	t, err := p.load(ctx, taskID, models.TaskStatusSucceeded)
	if t == nil || err != nil {
		return err
	}
	if t.TrackID == nil {
		p.log(t).Warn("succeeded task without track")
		_, err := p.Notifier.Notify(ctx, chatID, nil, msgMissingData, nil)
		return err
	}
	track, err := p.Tracks.GetByID(ctx, *t.TrackID)
	if errors.Is(err, repository.ErrNotFound) {
		_, err := p.Notifier.Notify(ctx, chatID, nil, msgMissingData, nil)
		return err
	}
	if err != nil {
		return fmt.Errorf("load track: %w", err)
	}
	if p.Now().After(track.ExpiresAt) {
		_, err := p.Notifier.Notify(ctx, chatID, nil, msgVariantExpired, nil)
		return err
	}

	path, err := p.Files.Download(ctx, track.AudioURL2, track.Title+" 2")
	if err != nil {
		p.log(t).Warn("download second variant failed", "error", err)
		return fmt.Errorf("download second variant: %w", err)
	}
	defer p.Files.Remove(path)
	if err := p.Notifier.DeliverArtifact(ctx, chatID, path, variantCaption(track), nil); err != nil {
		return fmt.Errorf("send second variant: %w", err)
	}
	p.log(t).Info("second variant delivered", "chat_id", chatID, "track_id", track.ID)
	return nil
}
