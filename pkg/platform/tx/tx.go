// Package tx carries a unit of work through context so every store touched by
// one escrow operation commits or rolls back together.
//
// SQL stores look up the *sql.Tx with From; in-memory stores register undo steps
// with OnRollback. Runners join an enclosing transaction instead of nesting, so a
// component that opens its own unit of work (the audit chain) composes with a
// caller that already has one.
package tx

import (
	"context"
	"database/sql"
	"sync"
	"time"

	dErrors "nest/pkg/domain-errors"
)

type ctxKey struct{}

var txKey = ctxKey{}

// Runner executes fn inside a transaction. fn receives a context carrying the
// transaction; returning an error rolls everything back.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Active reports whether ctx already carries a SQL transaction or a memory journal.
func Active(ctx context.Context) bool {
	if _, ok := From(ctx); ok {
		return true
	}
	_, ok := journalFrom(ctx)
	return ok
}

// defaultTxTimeout is the maximum duration for a transaction when the caller
// did not set a deadline.
const defaultTxTimeout = 5 * time.Second

// SQLRunner runs units of work in a database/sql transaction.
type SQLRunner struct {
	db      *sql.DB
	timeout time.Duration
	opts    *sql.TxOptions
}

// SQLOption configures a SQLRunner.
type SQLOption func(*SQLRunner)

// WithTimeout overrides the default transaction timeout.
func WithTimeout(d time.Duration) SQLOption {
	return func(r *SQLRunner) { r.timeout = d }
}

// WithIsolation sets the isolation level of new transactions.
func WithIsolation(level sql.IsolationLevel) SQLOption {
	return func(r *SQLRunner) { r.opts = &sql.TxOptions{Isolation: level} }
}

// NewSQLRunner builds a runner over db.
func NewSQLRunner(db *sql.DB, opts ...SQLOption) *SQLRunner {
	r := &SQLRunner{db: db, timeout: defaultTxTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sqlTx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// -----------------------------------------------------------------------------
// In-memory unit of work
// -----------------------------------------------------------------------------

type journalKey struct{}

type journal struct {
	undo []func()
}

func journalFrom(ctx context.Context) (*journal, bool) {
	j, ok := ctx.Value(journalKey{}).(*journal)
	return j, ok
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// OnRollback registers an undo step for the memory transaction in ctx. Outside a
// memory transaction it is a no-op: the write is already final.
func OnRollback(ctx context.Context, undo func()) {
	if j, ok := journalFrom(ctx); ok {
		j.undo = append(j.undo, undo)
	}
}

// MemoryRunner serializes units of work with a coarse lock and undoes the
// registered steps of a failed one in reverse order.
type MemoryRunner struct {
	mu sync.Mutex
}

func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (r *MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := journalFrom(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	j := &journal{}
	defer func() {
		if p := recover(); p != nil {
			j.rollback()
			panic(p)
		}
	}()
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		j.rollback()
		return err
	}
	return nil
}
