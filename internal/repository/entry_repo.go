package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/melodyforge/backend/internal/models"
)

const entryColumns = `id, account_id, task_id, kind, status, amount, balance_after, external_ref, created_at, updated_at`

type EntryRepo struct {
	pool *pgxpool.Pool
}

func NewEntryRepo(pool *pgxpool.Pool) *EntryRepo {
	return &EntryRepo{pool: pool}
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.TaskID, &e.Kind, &e.Status, &e.Amount, &e.BalanceAfter, &e.ExternalRef, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

// CreateTx inserts a ledger entry inside the given transaction. A reused
// external_ref yields ErrDuplicate.
func (r *EntryRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, task_id, kind, status, amount, balance_after, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, e.ID, e.AccountID, e.TaskID, e.Kind, e.Status, e.Amount, e.BalanceAfter, e.ExternalRef).Scan(&e.CreatedAt, &e.UpdatedAt)
	return mapErr(err)
}

// GetByIDForUpdate locks the entry row. Call within a transaction.
func (r *EntryRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, id))
}

func (r *EntryRepo) SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	_, err := tx.Exec(ctx, `UPDATE ledger_entries SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

// ExistsByExternalRef reports whether a payment reference was already booked.
func (r *EntryRepo) ExistsByExternalRef(ctx context.Context, tx pgx.Tx, ref string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_ref = $1)`, ref).Scan(&exists)
	return exists, err
}

func (r *EntryRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
