package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/melodyforge/backend/internal/metrics"
	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/repository"
)

// ErrInsufficientFunds is returned when a debit would take the balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrNotHeld is returned when capture or release targets an entry that is not an open hold.
var ErrNotHeld = errors.New("ledger entry is not an open hold")

// Service owns balances and free quota. Every balance change writes exactly
// one ledger entry in the same transaction, under the account row lock.
type Service struct {
	Accounts  AccountRepo
	Entries   EntryRepo
	DB        TxBeginner
	FreeQuota int
	Now       func() time.Time
	Logger    *slog.Logger
}

// NewService returns a Service allowing freeQuota free generations per UTC day.
func NewService(db TxBeginner, accounts AccountRepo, entries EntryRepo, freeQuota int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Accounts:  accounts,
		Entries:   entries,
		DB:        db,
		FreeQuota: freeQuota,
		Now:       time.Now,
		Logger:    logger,
	}
}

// today is the UTC calendar date the quota counter belongs to.
func (s *Service) today() time.Time {
	y, m, d := s.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Metric labels for hold lifecycle operations. Plain debits and credits are
// labelled by their entry kind.
const (
	opHold    = "hold"
	opCapture = "capture"
	opRelease = "release"
)

func observe(kind string, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		outcome = "insufficient"
	case err != nil:
		outcome = "error"
	}
	metrics.LedgerOps.WithLabelValues(kind, outcome).Inc()
}

// GetOrCreateAccount returns the account for a chat user, creating it on first contact.
func (s *Service) GetOrCreateAccount(ctx context.Context, telegramID int64) (*models.Account, error) {
	return s.Accounts.Upsert(ctx, telegramID, s.today())
}

// AdjustBalance applies delta in its own transaction and returns the new balance.
func (s *Service) AdjustBalance(ctx context.Context, accountID uuid.UUID, delta int64, kind string, taskID *uuid.UUID) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = s.AdjustBalanceTx(ctx, tx, accountID, delta, kind, taskID, nil)
		return err
	})
	return balance, err
}

// AdjustBalanceTx locks the account, applies delta and writes the matching
// entry. A debit that would go negative returns ErrInsufficientFunds and
// mutates nothing.
func (s *Service) AdjustBalanceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta int64, kind string, taskID *uuid.UUID, externalRef *string) (int64, error) {
	entry, err := s.debitOrCredit(ctx, tx, accountID, delta, kind, models.EntryStatusCapture, taskID, externalRef)
	observe(kind, err)
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

func (s *Service) debitOrCredit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta int64, kind, status string, taskID *uuid.UUID, externalRef *string) (*models.LedgerEntry, error) {
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	next := acc.Balance + delta
	if delta < 0 && next < 0 {
		return nil, ErrInsufficientFunds
	}
	if err := s.Accounts.SetBalance(ctx, tx, accountID, next); err != nil {
		return nil, fmt.Errorf("set balance: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    accountID,
		TaskID:       taskID,
		Kind:         kind,
		Status:       status,
		Amount:       delta,
		BalanceAfter: next,
		ExternalRef:  externalRef,
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("write entry: %w", err)
	}
	s.Logger.Info("ledger entry",
		"account_id", accountID, "entry_id", entry.ID, "kind", kind, "status", status,
		"amount", delta, "balance_after", next)
	return entry, nil
}

// Hold debits amount provisionally for an audio render. It returns a nil
// entry and nil error when the balance is too low.
func (s *Service) Hold(ctx context.Context, tx pgx.Tx, accountID, taskID uuid.UUID, amount int64) (*models.LedgerEntry, error) {
	entry, err := s.debitOrCredit(ctx, tx, accountID, -amount, models.EntrySpendAudio, models.EntryStatusHold, &taskID, nil)
	observe(opHold, err)
	if errors.Is(err, ErrInsufficientFunds) {
		return nil, nil
	}
	return entry, err
}

// Capture confirms a hold. The balance already reflects the debit.
func (s *Service) Capture(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) error {
	err := s.capture(ctx, tx, entryID)
	observe(opCapture, err)
	return err
}

func (s *Service) capture(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) error {
	entry, err := s.Entries.GetByIDForUpdate(ctx, tx, entryID)
	if err != nil {
		return fmt.Errorf("lock entry: %w", err)
	}
	if entry.Status != models.EntryStatusHold {
		return ErrNotHeld
	}
	if err := s.Entries.SetStatusTx(ctx, tx, entryID, models.EntryStatusCapture); err != nil {
		return err
	}
	s.Logger.Info("hold captured", "account_id", entry.AccountID, "entry_id", entryID, "task_id", entry.TaskID)
	return nil
}

// Release reverses a hold in its own transaction.
func (s *Service) Release(ctx context.Context, entryID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error { return s.ReleaseTx(ctx, tx, entryID) })
}

// ReleaseTx credits the held amount back with a release entry and marks the
// hold released.
func (s *Service) ReleaseTx(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) error {
	err := s.release(ctx, tx, entryID)
	observe(opRelease, err)
	return err
}

func (s *Service) release(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) error {
	entry, err := s.Entries.GetByIDForUpdate(ctx, tx, entryID)
	if err != nil {
		return fmt.Errorf("lock entry: %w", err)
	}
	if entry.Status != models.EntryStatusHold {
		return ErrNotHeld
	}
	if _, err := s.debitOrCredit(ctx, tx, entry.AccountID, -entry.Amount, models.EntryRelease, models.EntryStatusCapture, entry.TaskID, nil); err != nil {
		return err
	}
	return s.Entries.SetStatusTx(ctx, tx, entryID, models.EntryStatusRelease)
}

// ConsumeFreeQuota uses one free generation for today. The counter restarts
// when the stored date is not the current UTC date. It returns false without
// mutation once the daily limit is reached.
func (s *Service) ConsumeFreeQuota(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (bool, error) {
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return false, fmt.Errorf("lock account: %w", err)
	}
	today := s.today()
	used := acc.FreeQuotaUsed
	if !sameDay(acc.FreeQuotaDate, today) {
		used = 0
	}
	if used >= s.FreeQuota {
		metrics.LedgerOps.WithLabelValues("free_quota", "exhausted").Inc()
		return false, nil
	}
	if err := s.Accounts.SetFreeQuota(ctx, tx, accountID, used+1, today); err != nil {
		return false, err
	}
	metrics.LedgerOps.WithLabelValues("free_quota", "ok").Inc()
	return true, nil
}

// FreeQuotaRemaining is the number of free generations left today, floored at zero.
func (s *Service) FreeQuotaRemaining(acc *models.Account) int {
	used := acc.FreeQuotaUsed
	if !sameDay(acc.FreeQuotaDate, s.today()) {
		used = 0
	}
	return max(s.FreeQuota-used, 0)
}

// ApplyWelcomeBonus credits amount once per account. It reports whether the
// bonus was granted by this call.
func (s *Service) ApplyWelcomeBonus(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error) {
	granted := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if acc.WelcomeBonusGiven {
			return nil
		}
		if err := s.Accounts.MarkWelcomeBonus(ctx, tx, accountID); err != nil {
			return err
		}
		if amount > 0 {
			if _, err := s.AdjustBalanceTx(ctx, tx, accountID, amount, models.EntryWelcomeBonus, nil, nil); err != nil {
				return err
			}
		}
		granted = true
		return nil
	})
	return granted, err
}

// AddTopup credits a confirmed external payment. The same externalRef is
// credited at most once; repeats report false with no error.
func (s *Service) AddTopup(ctx context.Context, accountID uuid.UUID, amount int64, externalRef string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("topup amount must be positive, got %d", amount)
	}
	credited := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		seen, err := s.Entries.ExistsByExternalRef(ctx, tx, externalRef)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
		ref := externalRef
		if _, err := s.AdjustBalanceTx(ctx, tx, accountID, amount, models.EntryTopup, nil, &ref); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		s.Logger.Info("duplicate topup ignored", "account_id", accountID, "external_ref", externalRef)
		return false, nil
	}
	return credited, err
}

// History returns the most recent entries for an account, newest first.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.Entries.ListByAccountID(ctx, accountID, limit)
}

// Account reloads an account by id.
func (s *Service) Account(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return s.Accounts.GetByID(ctx, accountID)
}
