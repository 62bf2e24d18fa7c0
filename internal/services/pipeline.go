package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/genapi"
	"github.com/melodyforge/backend/internal/ledger"
	"github.com/melodyforge/backend/internal/metrics"
	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/repository"
)

var (
	// ErrPaymentRequired means free quota is exhausted and the caller must
	// choose the paid path.
	ErrPaymentRequired  = errors.New("payment required")
	ErrWrongState       = errors.New("task is not in the expected state")
	ErrInvalidTitle     = errors.New("invalid title")
	ErrRegenerationUsed = errors.New("regeneration already used")
	ErrUnknownPreset    = errors.New("unknown preset")
	ErrEmptyInput       = errors.New("empty input")
	// ErrMissingDraft is an invariant violation: a step needs lyrics, tags or
	// a track that the task does not have.
	ErrMissingDraft = errors.New("task draft is incomplete")
)

// PipelineLedger is the slice of the ledger the pipeline needs.
type PipelineLedger interface {
	ConsumeFreeQuota(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (bool, error)
	AdjustBalanceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta int64, kind string, taskID *uuid.UUID, externalRef *string) (int64, error)
	Hold(ctx context.Context, tx pgx.Tx, accountID, taskID uuid.UUID, amount int64) (*models.LedgerEntry, error)
	Capture(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) error
	Release(ctx context.Context, entryID uuid.UUID) error
}

// PipelineTaskRepo is the task storage interface used by the pipeline.
type PipelineTaskRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	Save(ctx context.Context, t *models.Task, from ...string) (bool, error)
	SaveTx(ctx context.Context, tx pgx.Tx, t *models.Task, from ...string) (bool, error)
	SetProgress(ctx context.Context, id uuid.UUID, stage string, progress int, chatID int64, messageID *int) error
	ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]*models.Task, error)
}

type PipelineTrackRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, tr *models.Track) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Track, error)
}

// Generator is the provider adapter.
type Generator interface {
	GenerateText(ctx context.Context, messages []genapi.Message, onPending func(int64)) (string, error)
	GenerateAudio(ctx context.Context, req genapi.AudioRequest, onPending func(int64)) ([2]string, error)
	ResumeAudio(ctx context.Context, requestID int64) ([2]string, error)
}

// Notifier is the chat delivery surface.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, messageID *int, text string, kb delivery.Keyboard) (int, error)
	DeliverArtifact(ctx context.Context, chatID int64, path, caption string, kb delivery.Keyboard) error
	DeliverTextAsFile(ctx context.Context, chatID int64, text, filenameHint, caption string, kb delivery.Keyboard) error
}

// Artifacts is the transient file store for downloaded audio.
type Artifacts interface {
	Download(ctx context.Context, url, hint string) (string, error)
	Remove(path string) error
}

type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, args river.JobArgs) error
	Enqueue(ctx context.Context, args river.JobArgs) error
}

type Presets interface {
	Get(id string) (catalog.Preset, bool)
}

type PipelineConfig struct {
	TextPrice       int64
	TrackTTL        time.Duration
	InlineTextLimit int
	// StaleAfter is how long a task may sit in a worker-owned status without
	// a write before recovery takes it over. It must exceed every worker timeout.
	StaleAfter time.Duration
}

// Pipeline drives a task through its states. User actions run synchronously
// and only enqueue; provider work runs in River workers that reload the task
// and check its status before touching it.
type Pipeline struct {
	DB       ledger.TxBeginner
	Ledger   PipelineLedger
	Tasks    PipelineTaskRepo
	Tracks   PipelineTrackRepo
	Gen      Generator
	Notifier Notifier
	Files    Artifacts
	Jobs     Enqueuer
	Presets  Presets
	Config   PipelineConfig
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewPipeline(
	db ledger.TxBeginner,
	l PipelineLedger,
	tasks PipelineTaskRepo,
	tracks PipelineTrackRepo,
	gen Generator,
	notifier Notifier,
	files Artifacts,
	queue Enqueuer,
	presets Presets,
	cfg PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InlineTextLimit <= 0 {
		cfg.InlineTextLimit = 3500
	}
	if cfg.TrackTTL <= 0 {
		cfg.TrackTTL = 24 * time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &Pipeline{
		DB:       db,
		Ledger:   l,
		Tasks:    tasks,
		Tracks:   tracks,
		Gen:      gen,
		Notifier: notifier,
		Files:    files,
		Jobs:     queue,
		Presets:  presets,
		Config:   cfg,
		Logger:   logger,
		Now:      time.Now,
	}
}

// settleTimeout bounds refunds and failure writes that run after the job's
// own context is gone.
const settleTimeout = 15 * time.Second

// detached keeps ctx's values but not its cancellation, so compensation still
// commits when a worker is stopped or times out mid-stage.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (p *Pipeline) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Pipeline) log(t *models.Task) *slog.Logger {
	return p.Logger.With("task_id", t.ID, "account_id", t.AccountID)
}

func (p *Pipeline) moved(t *models.Task) {
	metrics.TaskTransitions.WithLabelValues(t.Status).Inc()
	p.log(t).Info("task transition", "status", t.Status)
}

// advance persists t under status next when the stored status is one of
// from. It reports false when the task has moved on, leaving t's status
// untouched.
func (p *Pipeline) advance(ctx context.Context, t *models.Task, next string, from ...string) (bool, error) {
	prev := t.Status
	t.Status = next
	ok, err := p.Tasks.Save(ctx, t, from...)
	if err != nil {
		t.Status = prev
		return false, fmt.Errorf("save task: %w", err)
	}
	if !ok {
		t.Status = prev
		p.log(t).Info("task moved on, dropping step", "want", next, "from", from)
		return false, nil
	}
	p.moved(t)
	return true, nil
}

// load fetches a task for a worker. A missing task or one not in want is a
// stale job and yields nil without error.
func (p *Pipeline) load(ctx context.Context, taskID uuid.UUID, want string) (*models.Task, error) {
	t, err := p.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		p.Logger.Warn("job for missing task", "task_id", taskID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if t.Status != want {
		p.log(t).Info("stale job ignored", "status", t.Status, "want", want)
		return nil, nil
	}
	return t, nil
}

// owned loads a task on behalf of accountID. Tasks of other accounts look
// missing.
func (p *Pipeline) owned(ctx context.Context, taskID, accountID uuid.UUID, want ...string) (*models.Task, error) {
	t, err := p.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return checkOwned(t, accountID, want)
}

func (p *Pipeline) lockOwned(ctx context.Context, tx pgx.Tx, taskID, accountID uuid.UUID, want ...string) (*models.Task, error) {
	t, err := p.Tasks.GetByIDForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	return checkOwned(t, accountID, want)
}

func checkOwned(t *models.Task, accountID uuid.UUID, want []string) (*models.Task, error) {
	if t.AccountID != accountID {
		return nil, repository.ErrNotFound
	}
	if len(want) > 0 && !slices.Contains(want, t.Status) {
		return t, fmt.Errorf("%w: %s", ErrWrongState, t.Status)
	}
	return t, nil
}

// Task returns the task if it belongs to accountID.
func (p *Pipeline) Task(ctx context.Context, taskID, accountID uuid.UUID) (*models.Task, error) {
	return p.owned(ctx, taskID, accountID)
}

// ---------------------------------------------------------------------------
// Status message
// ---------------------------------------------------------------------------

// announce shows text in the task's status message, re-anchoring the task to
// a new message when the edit could not be applied.
func (p *Pipeline) announce(ctx context.Context, t *models.Task, text string, kb delivery.Keyboard) {
	p.show(ctx, t, t.ProgressMessageID, text, kb)
}

// announceNew posts text as a fresh message and makes it the status message.
func (p *Pipeline) announceNew(ctx context.Context, t *models.Task, text string, kb delivery.Keyboard) {
	p.show(ctx, t, nil, text, kb)
}

func (p *Pipeline) show(ctx context.Context, t *models.Task, anchor *int, text string, kb delivery.Keyboard) {
	if t.ProgressChatID == 0 {
		return
	}
	id, err := p.Notifier.Notify(ctx, t.ProgressChatID, anchor, text, kb)
	if err != nil {
		p.log(t).Warn("status update failed", "chat_id", t.ProgressChatID, "error", err)
		return
	}
	if t.ProgressMessageID != nil && *t.ProgressMessageID == id {
		return
	}
	t.ProgressMessageID = &id
	p.persistProgress(ctx, t)
}

// progress renders a stage with a percentage into the status message.
func (p *Pipeline) progress(ctx context.Context, t *models.Task, stage string, pct int) {
	t.Stage, t.Progress = &stage, &pct
	before := t.ProgressMessageID
	p.announce(ctx, t, progressText(stage, pct), nil)
	if before == t.ProgressMessageID {
		p.persistProgress(ctx, t)
	}
}

func (p *Pipeline) persistProgress(ctx context.Context, t *models.Task) {
	var stage string
	var pct int
	if t.Stage != nil {
		stage = *t.Stage
	}
	if t.Progress != nil {
		pct = *t.Progress
	}
	if err := p.Tasks.SetProgress(ctx, t.ID, stage, pct, t.ProgressChatID, t.ProgressMessageID); err != nil {
		p.log(t).Warn("persist progress failed", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Failure
// ---------------------------------------------------------------------------

// fail moves t to FAILED when it is still in one of from and tells the user
// once. A task that already moved on is left alone.
func (p *Pipeline) fail(ctx context.Context, t *models.Task, cause error, from ...string) error {
	return p.failWith(ctx, t, cause, false, from...)
}

// refundAndFail releases the task's audio hold before failing it.
func (p *Pipeline) refundAndFail(ctx context.Context, t *models.Task, cause error, from ...string) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	refunded := p.releaseHold(ctx, t)
	return p.failWith(ctx, t, cause, refunded, from...)
}

func (p *Pipeline) failWith(ctx context.Context, t *models.Task, cause error, refunded bool, from ...string) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	msg := userMessage(cause)
	p.log(t).Error("task failed", "status", t.Status, "refunded", refunded, "error", diagnostic(cause))
	t.ErrorMessage = &msg
	t.ProviderRequestID = nil
	ok, err := p.advance(ctx, t, models.TaskStatusFailed, from...)
	if err != nil {
		return err
	}
	if ok {
		p.announce(ctx, t, failedText(msg, refunded), nil)
	}
	return nil
}

func (p *Pipeline) releaseHold(ctx context.Context, t *models.Task) bool {
	if t.HoldEntryID == nil {
		return false
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	err := p.Ledger.Release(ctx, *t.HoldEntryID)
	switch {
	case errors.Is(err, ledger.ErrNotHeld):
		return false
	case err != nil:
		p.log(t).Error("release hold failed", "entry_id", *t.HoldEntryID, "error", err)
		return false
	}
	p.log(t).Info("hold released", "entry_id", *t.HoldEntryID)
	return true
}

var (
	errDelivery = errors.New("delivery failed")
	errStalled  = errors.New("worker stopped before the stage finished")
)

func userMessage(err error) string {
	var gerr *genapi.Error
	switch {
	case errors.As(err, &gerr):
		return gerr.Error()
	case errors.Is(err, ErrMissingDraft), errors.Is(err, ErrUnknownPreset):
		return msgMissingData
	case errors.Is(err, errDelivery):
		return msgDeliveryFailed
	case errors.Is(err, errStalled):
		return msgStalled
	}
	return msgGeneric
}

func diagnostic(err error) string {
	var gerr *genapi.Error
	if errors.As(err, &gerr) {
		return gerr.Detail()
	}
	return err.Error()
}
