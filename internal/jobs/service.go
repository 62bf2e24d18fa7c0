package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// ErrNotBound is returned when a job is enqueued before main has attached
// the queue client.
var ErrNotBound = errors.New("job queue not bound")

// InsertTxFunc enqueues a job within the given transaction. Provided by main
// using river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error

// InsertFunc enqueues a job outside any transaction.
type InsertFunc func(ctx context.Context, args river.JobArgs) error

// Dispatcher hands work to the queue. The River client needs its workers at
// construction and the workers need the dispatcher, so the insert functions
// are bound after both exist.
type Dispatcher struct {
	mu       sync.RWMutex
	insertTx InsertTxFunc
	insert   InsertFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Bind attaches the queue client.
func (d *Dispatcher) Bind(insertTx InsertTxFunc, insert InsertFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertTx = insertTx
	d.insert = insert
}

// BindClient is Bind for a River client over pgx.
func (d *Dispatcher) BindClient(client *river.Client[pgx.Tx]) {
	d.Bind(
		func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
			_, err := client.InsertTx(ctx, tx, args, nil)
			return err
		},
		func(ctx context.Context, args river.JobArgs) error {
			_, err := client.Insert(ctx, args, nil)
			return err
		},
	)
}

// EnqueueTx inserts the job in tx so it only becomes visible if tx commits.
func (d *Dispatcher) EnqueueTx(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
	d.mu.RLock()
	fn := d.insertTx
	d.mu.RUnlock()
	if fn == nil {
		return ErrNotBound
	}
	return fn(ctx, tx, args)
}

func (d *Dispatcher) Enqueue(ctx context.Context, args river.JobArgs) error {
	d.mu.RLock()
	fn := d.insert
	d.mu.RUnlock()
	if fn == nil {
		return ErrNotBound
	}
	return fn(ctx, args)
}
