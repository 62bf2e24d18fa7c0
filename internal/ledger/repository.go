package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/melodyforge/backend/internal/models"
)

// AccountRepo is the account storage the ledger needs.
type AccountRepo interface {
	Upsert(ctx context.Context, telegramID int64, today time.Time) (*models.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	SetBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance int64) error
	SetFreeQuota(ctx context.Context, tx pgx.Tx, id uuid.UUID, used int, date time.Time) error
	MarkWelcomeBonus(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// EntryRepo is the ledger entry storage the ledger needs.
type EntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
	ExistsByExternalRef(ctx context.Context, tx pgx.Tx, ref string) (bool, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
