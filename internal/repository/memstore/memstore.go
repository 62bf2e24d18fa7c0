// Package memstore keeps accounts, ledger entries, tasks and tracks in memory
// behind the same method sets as the Postgres repositories. Row locks taken
// with the ForUpdate getters are held until the transaction commits or rolls
// back, and a rollback undoes every write made through the transaction.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/melodyforge/backend/internal/models"
	"github.com/melodyforge/backend/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	entries  map[uuid.UUID]*models.LedgerEntry
	order    []uuid.UUID
	tasks    map[uuid.UUID]*models.Task
	tracks   map[uuid.UUID]*models.Track

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*models.Account),
		entries:  make(map[uuid.UUID]*models.LedgerEntry),
		tasks:    make(map[uuid.UUID]*models.Task),
		tracks:   make(map[uuid.UUID]*models.Track),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// Begin starts a transaction.
func (s *Store) Begin(_ context.Context) (pgx.Tx, error) {
	return &Tx{store: s, held: make(map[uuid.UUID]bool)}, nil
}

func (s *Store) rowLock(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// record registers undo with tx when tx is one of ours.
func record(tx pgx.Tx, undo func()) {
	if t, ok := tx.(*Tx); ok && t != nil {
		t.undo = append(t.undo, undo)
	}
}

func lockRow(tx pgx.Tx, id uuid.UUID) {
	if t, ok := tx.(*Tx); ok && t != nil {
		t.lock(id)
	}
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type Accounts struct{ s *Store }

func (s *Store) Accounts() *Accounts { return &Accounts{s} }

// Put seeds an account.
func (r *Accounts) Put(a *models.Account) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *a
	r.s.accounts[a.ID] = &cp
}

func (r *Accounts) Upsert(_ context.Context, telegramID int64, today time.Time) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.TelegramID == telegramID {
			cp := *a
			return &cp, nil
		}
	}
	now := time.Now()
	a := &models.Account{ID: uuid.New(), TelegramID: telegramID, FreeQuotaDate: today, CreatedAt: now, UpdatedAt: now}
	r.s.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (r *Accounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *Accounts) GetByTelegramID(_ context.Context, telegramID int64) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.TelegramID == telegramID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Accounts) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	lockRow(tx, id)
	return r.GetByID(ctx, id)
}

func (r *Accounts) mutate(tx pgx.Tx, id uuid.UUID, fn func(a *models.Account)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	prev := *a
	fn(a)
	a.UpdatedAt = time.Now()
	record(tx, func() { *r.s.accounts[id] = prev })
	return nil
}

func (r *Accounts) SetBalance(_ context.Context, tx pgx.Tx, id uuid.UUID, balance int64) error {
	if balance < 0 {
		return errors.New("accounts: balance check violated")
	}
	return r.mutate(tx, id, func(a *models.Account) { a.Balance = balance })
}

func (r *Accounts) SetFreeQuota(_ context.Context, tx pgx.Tx, id uuid.UUID, used int, date time.Time) error {
	return r.mutate(tx, id, func(a *models.Account) {
		a.FreeQuotaUsed = used
		a.FreeQuotaDate = date
	})
}

func (r *Accounts) MarkWelcomeBonus(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.mutate(tx, id, func(a *models.Account) { a.WelcomeBonusGiven = true })
}

func (r *Accounts) List(_ context.Context, limit int) ([]*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Account
	for _, a := range r.s.accounts {
		cp := *a
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ---------------------------------------------------------------------------
// Ledger entries
// ---------------------------------------------------------------------------

type Entries struct{ s *Store }

func (s *Store) Entries() *Entries { return &Entries{s} }

func (r *Entries) CreateTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ExternalRef != nil {
		for _, other := range r.s.entries {
			if other.ExternalRef != nil && *other.ExternalRef == *e.ExternalRef {
				return repository.ErrDuplicate
			}
		}
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	r.s.entries[e.ID] = &cp
	r.s.order = append(r.s.order, e.ID)
	id := e.ID
	record(tx, func() {
		delete(r.s.entries, id)
		r.s.order = slices.DeleteFunc(r.s.order, func(x uuid.UUID) bool { return x == id })
	})
	return nil
}

func (r *Entries) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.LedgerEntry, error) {
	r.s.mu.Lock()
	e, ok := r.s.entries[id]
	r.s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	// Entry locks serialize on the owning account.
	lockRow(tx, e.AccountID)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *r.s.entries[id]
	return &cp, nil
}

func (r *Entries) SetStatusTx(_ context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	prev := e.Status
	e.Status = status
	record(tx, func() { r.s.entries[id].Status = prev })
	return nil
}

func (r *Entries) ExistsByExternalRef(_ context.Context, _ pgx.Tx, ref string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.entries {
		if e.ExternalRef != nil && *e.ExternalRef == ref {
			return true, nil
		}
	}
	return false, nil
}

func (r *Entries) ListByAccountID(_ context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.LedgerEntry
	for i := len(r.s.order) - 1; i >= 0 && len(list) < limit; i-- {
		e := r.s.entries[r.s.order[i]]
		if e.AccountID == accountID {
			cp := *e
			list = append(list, &cp)
		}
	}
	return list, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

type Tasks struct{ s *Store }

func (s *Store) Tasks() *Tasks { return &Tasks{s} }

// Put seeds a task.
func (r *Tasks) Put(t *models.Task) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *t
	r.s.tasks[t.ID] = &cp
}

func (r *Tasks) CreateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	r.s.tasks[t.ID] = &cp
	id := t.ID
	record(tx, func() { delete(r.s.tasks, id) })
	return nil
}

func (r *Tasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *Tasks) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	lockRow(tx, id)
	return r.GetByID(ctx, id)
}

func (r *Tasks) ListByAccountID(_ context.Context, accountID uuid.UUID, limit int) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Task
	for _, t := range r.s.tasks {
		if t.AccountID == accountID {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *Tasks) ListStale(_ context.Context, statuses []string, before time.Time, limit int) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Task
	for _, t := range r.s.tasks {
		if slices.Contains(statuses, t.Status) && t.UpdatedAt.Before(before) {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.Before(list[j].UpdatedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *Tasks) Save(ctx context.Context, t *models.Task, from ...string) (bool, error) {
	return r.SaveTx(ctx, nil, t, from...)
}

func (r *Tasks) SaveTx(_ context.Context, tx pgx.Tx, t *models.Task, from ...string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.tasks[t.ID]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, cur.Status) {
		return false, nil
	}
	prev := *cur
	next := *t
	next.AccountID, next.PresetID, next.Funding, next.CreatedAt = prev.AccountID, prev.PresetID, prev.Funding, prev.CreatedAt
	next.UpdatedAt = time.Now()
	r.s.tasks[t.ID] = &next
	id := t.ID
	record(tx, func() { r.s.tasks[id] = &prev })
	return true, nil
}

func (r *Tasks) SetProgress(_ context.Context, id uuid.UUID, stage string, progress int, chatID int64, messageID *int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Stage = &stage
	cur.Progress = &progress
	cur.ProgressChatID = chatID
	cur.ProgressMessageID = messageID
	return nil
}

// ---------------------------------------------------------------------------
// Tracks
// ---------------------------------------------------------------------------

type Tracks struct{ s *Store }

func (s *Store) Tracks() *Tracks { return &Tracks{s} }

func (r *Tracks) CreateTx(_ context.Context, tx pgx.Tx, tr *models.Track) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tr.CreatedAt = time.Now()
	cp := *tr
	r.s.tracks[tr.ID] = &cp
	id := tr.ID
	record(tx, func() { delete(r.s.tracks, id) })
	return nil
}

func (r *Tracks) GetByID(_ context.Context, id uuid.UUID) (*models.Track, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tr, ok := r.s.tracks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Tx
// ---------------------------------------------------------------------------

var errTxDone = errors.New("memstore: tx already closed")

// Tx satisfies pgx.Tx. Only Commit and Rollback carry meaning; the query
// methods exist so repository code typed on pgx.Tx accepts it.
type Tx struct {
	store *Store
	mu    sync.Mutex
	held  map[uuid.UUID]bool
	undo  []func()
	done  bool
}

func (t *Tx) lock(id uuid.UUID) {
	t.mu.Lock()
	if t.held[id] {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.store.rowLock(id).Lock()
	t.mu.Lock()
	t.held[id] = true
	t.mu.Unlock()
}

func (t *Tx) finish(rollback bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	if rollback {
		t.store.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		t.store.mu.Unlock()
	}
	t.undo = nil
	for id := range t.held {
		t.store.rowLock(id).Unlock()
	}
	t.held = nil
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("memstore: nested tx") }
func (t *Tx) Commit(context.Context) error          { return t.finish(false) }

// Rollback after Commit is a no-op, matching the defer pattern callers use.
func (t *Tx) Rollback(context.Context) error {
	if err := t.finish(true); err != nil && !errors.Is(err, errTxDone) {
		return err
	}
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }
