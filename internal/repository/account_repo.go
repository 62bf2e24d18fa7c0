package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/melodyforge/backend/internal/models"
)

const accountColumns = `id, telegram_id, balance, free_quota_used, free_quota_date, welcome_bonus_given, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.TelegramID, &a.Balance, &a.FreeQuotaUsed, &a.FreeQuotaDate, &a.WelcomeBonusGiven, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// Upsert returns the account for telegramID, creating it on first sight.
func (r *AccountRepo) Upsert(ctx context.Context, telegramID int64, today time.Time) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, telegram_id, free_quota_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_id) DO UPDATE SET telegram_id = EXCLUDED.telegram_id
		RETURNING `+accountColumns, uuid.New(), telegramID, today))
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepo) GetByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE telegram_id = $1`, telegramID))
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

// SetBalance stores balance. Call after GetByIDForUpdate in the same tx.
func (r *AccountRepo) SetBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance int64) error {
	_, err := tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = now() WHERE id = $1`, id, balance)
	return err
}

// SetFreeQuota stores the daily counter and the date it belongs to.
func (r *AccountRepo) SetFreeQuota(ctx context.Context, tx pgx.Tx, id uuid.UUID, used int, date time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET free_quota_used = $2, free_quota_date = $3, updated_at = now() WHERE id = $1
	`, id, used, date)
	return err
}

func (r *AccountRepo) MarkWelcomeBonus(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE accounts SET welcome_bonus_given = true, updated_at = now() WHERE id = $1`, id)
	return err
}

func (r *AccountRepo) List(ctx context.Context, limit int) ([]*models.Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
