package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/melodyforge/backend/internal/models"
)

type TrackRepo struct {
	pool *pgxpool.Pool
}

func NewTrackRepo(pool *pgxpool.Pool) *TrackRepo {
	return &TrackRepo{pool: pool}
}

func (r *TrackRepo) CreateTx(ctx context.Context, tx pgx.Tx, tr *models.Track) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tracks (id, account_id, task_id, preset_id, title, lyrics, tags, audio_url_1, audio_url_2, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, tr.ID, tr.AccountID, tr.TaskID, tr.PresetID, tr.Title, tr.Lyrics, tr.Tags, tr.AudioURL1, tr.AudioURL2, tr.ExpiresAt).Scan(&tr.CreatedAt)
}

func (r *TrackRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Track, error) {
	var tr models.Track
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, task_id, preset_id, title, lyrics, tags, audio_url_1, audio_url_2, created_at, expires_at
		FROM tracks WHERE id = $1
	`, id).Scan(&tr.ID, &tr.AccountID, &tr.TaskID, &tr.PresetID, &tr.Title, &tr.Lyrics, &tr.Tags, &tr.AudioURL1, &tr.AudioURL2, &tr.CreatedAt, &tr.ExpiresAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &tr, nil
}
