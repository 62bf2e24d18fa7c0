package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/melodyforge/backend/internal/models"
)

const taskColumns = `id, account_id, preset_id, brief, user_lyrics_raw, edit_request, status, stage, progress,
	progress_chat_id, progress_message_id, provider_request_id, lyrics_current, tags_current,
	suggested_title, title_text, audio_url_1, audio_url_2, error_message, funding, regeneration_used,
	hold_entry_id, track_id, created_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.AccountID, &t.PresetID, &t.Brief, &t.UserLyricsRaw, &t.EditRequest, &t.Status, &t.Stage, &t.Progress,
		&t.ProgressChatID, &t.ProgressMessageID, &t.ProviderRequestID, &t.LyricsCurrent, &t.TagsCurrent,
		&t.SuggestedTitle, &t.TitleText, &t.AudioURL1, &t.AudioURL2, &t.ErrorMessage, &t.Funding, &t.RegenerationUsed,
		&t.HoldEntryID, &t.TrackID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// CreateTx inserts a task inside the funding transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, account_id, preset_id, brief, user_lyrics_raw, status, progress_chat_id, progress_message_id, funding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.AccountID, t.PresetID, t.Brief, t.UserLyricsRaw, t.Status, t.ProgressChatID, t.ProgressMessageID, t.Funding).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDForUpdate locks the task row. Call within a transaction.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

func (r *TaskRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// ListStale returns up to limit tasks in one of statuses that have not been
// written since before, oldest first.
func (r *TaskRepo) ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ANY($1::text[]) AND updated_at < $2
		ORDER BY updated_at LIMIT $3
	`, statuses, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Save writes every mutable column of t, but only while the stored status is
// one of from. It reports false when the row had already moved on.
func (r *TaskRepo) Save(ctx context.Context, t *models.Task, from ...string) (bool, error) {
	return r.save(ctx, r.pool, t, from)
}

// SaveTx is Save inside an existing transaction.
func (r *TaskRepo) SaveTx(ctx context.Context, tx pgx.Tx, t *models.Task, from ...string) (bool, error) {
	return r.save(ctx, tx, t, from)
}

func (r *TaskRepo) save(ctx context.Context, q querier, t *models.Task, from []string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE tasks SET
			brief = $2, user_lyrics_raw = $3, edit_request = $4, status = $5, stage = $6, progress = $7,
			progress_chat_id = $8, progress_message_id = $9, provider_request_id = $10,
			lyrics_current = $11, tags_current = $12, suggested_title = $13, title_text = $14,
			audio_url_1 = $15, audio_url_2 = $16, error_message = $17, regeneration_used = $18,
			hold_entry_id = $19, track_id = $20, updated_at = now()
		WHERE id = $1 AND (cardinality($21::text[]) = 0 OR status = ANY($21::text[]))
	`, t.ID, t.Brief, t.UserLyricsRaw, t.EditRequest, t.Status, t.Stage, t.Progress,
		t.ProgressChatID, t.ProgressMessageID, t.ProviderRequestID,
		t.LyricsCurrent, t.TagsCurrent, t.SuggestedTitle, t.TitleText,
		t.AudioURL1, t.AudioURL2, t.ErrorMessage, t.RegenerationUsed,
		t.HoldEntryID, t.TrackID, nonNil(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetProgress records the stage label and re-anchors the status message pointer.
// It never touches status.
func (r *TaskRepo) SetProgress(ctx context.Context, id uuid.UUID, stage string, progress int, chatID int64, messageID *int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET stage = $2, progress = $3, progress_chat_id = $4, progress_message_id = $5, updated_at = now()
		WHERE id = $1
	`, id, stage, progress, chatID, messageID)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
