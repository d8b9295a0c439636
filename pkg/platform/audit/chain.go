// Package audit implements the hash-linked audit chain shared by every mutating
// escrow operation.
//
// Each entry stores the hash of its predecessor; its own hash covers its canonical
// serialization followed by that previous hash. Rewriting or deleting any entry
// therefore breaks every later link, which Verify detects.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/tx"
	"nest/pkg/requestcontext"
)

// Store persists chain entries. Tail must lock the chain tail for the
// surrounding transaction so appends serialize on it.
type Store interface {
	Tail(ctx context.Context) (Tail, error)
	Insert(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, sequence int64) (*Entry, error)
	List(ctx context.Context, rng Range) ([]*Entry, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error)
}

// MismatchError identifies the first entry whose link or hash does not verify.
type MismatchError struct {
	EntryID  id.EntryID
	Sequence int64
	Reason   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("audit chain mismatch at sequence %d (entry %s): %s", e.Sequence, e.EntryID, e.Reason)
}

func (e *MismatchError) Unwrap() error {
	return dErrors.New(dErrors.CodeAuditChainMismatch, e.Reason)
}

// Chain appends and verifies entries.
type Chain struct {
	store    Store
	runner   tx.Runner
	hasher   Hasher
	redactor *Redactor
	logger   *slog.Logger
	metrics  *Metrics
}

// Option configures a Chain.
type Option func(*Chain)

func WithHasher(h Hasher) Option {
	return func(c *Chain) {
		if h != nil {
			c.hasher = h
		}
	}
}

func WithRedactor(r *Redactor) Option {
	return func(c *Chain) {
		if r != nil {
			c.redactor = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Chain) {
		c.metrics = m
	}
}

// NewChain builds a chain over store. Appends run in runner's transaction, or in
// the caller's when one is already open.
func NewChain(store Store, runner tx.Runner, opts ...Option) *Chain {
	c := &Chain{
		store:    store,
		runner:   runner,
		hasher:   SHA256(),
		redactor: NewRedactor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hasher returns the algorithm entries are hashed with.
func (c *Chain) Hasher() Hasher { return c.hasher }

// Append links a new entry to the tail. Failure is fatal for the caller: an
// operation whose audit entry cannot be written must not commit.
func (c *Chain) Append(ctx context.Context, rec Record) (*Entry, error) {
	start := time.Now()

	if rec.Operation == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "audit record requires an operation")
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
	}
	before, err := c.redactor.Redact(rec.Before)
	if err != nil {
		return nil, err
	}
	after, err := c.redactor.Redact(rec.After)
	if err != nil {
		return nil, err
	}
	changed := rec.ChangedFields
	if len(changed) == 0 {
		changed = ChangedFields(before, after)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = requestcontext.Now(ctx)
	}
	if rec.RequestID == "" {
		rec.RequestID = requestcontext.RequestID(ctx)
	}
	if rec.Client == "" {
		rec.Client = requestcontext.Client(ctx)
	}

	var appended *Entry
	err = c.runner.RunInTx(ctx, func(ctx context.Context) error {
		tail, err := c.store.Tail(ctx)
		if err != nil {
			return fmt.Errorf("read audit tail: %w", err)
		}
		prev := tail.Hash
		if prev == "" {
			prev = GenesisHash
		}
		entry := &Entry{
			ID:            id.NewEntryID(),
			Sequence:      tail.Sequence + 1,
			Operation:     rec.Operation,
			Outcome:       rec.Outcome,
			ErrorCode:     rec.ErrorCode,
			EntityType:    rec.EntityType,
			EntityID:      rec.EntityID,
			EscrowID:      rec.EscrowID,
			ActorID:       rec.ActorID,
			ActorRole:     rec.ActorRole,
			RequestID:     rec.RequestID,
			Client:        rec.Client,
			Timestamp:     NormalizeTime(ts),
			ChangedFields: changed,
			BeforeValue:   before,
			AfterValue:    after,
			PreviousHash:  prev,
		}
		entry.EntryHash, err = ComputeHash(c.hasher, entry)
		if err != nil {
			return err
		}
		if err := c.store.Insert(ctx, entry); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		appended = entry
		return nil
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncAppendFailures()
		}
		if c.logger != nil {
			c.logger.ErrorContext(ctx, "CRITICAL: audit append failed",
				"operation", rec.Operation,
				"entity_type", rec.EntityType,
				"entity_id", rec.EntityID,
				"error", err,
			)
		}
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.IncAppended(string(rec.Outcome))
		c.metrics.ObserveAppendDuration(start)
	}
	return appended.Clone(), nil
}

// Verify recomputes every hash in rng in sequence order. On the first broken
// link it returns the report together with a *MismatchError; the report lists
// the escrows touched by the mismatching entry and everything after it.
func (c *Chain) Verify(ctx context.Context, rng Range) (*VerifyReport, error) {
	entries, err := c.store.List(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	expectSeq := rng.start()
	prev := GenesisHash
	if expectSeq > 1 {
		anchor, err := c.store.Get(ctx, expectSeq-1)
		if err != nil {
			return nil, fmt.Errorf("load audit anchor: %w", err)
		}
		prev = anchor.EntryHash
	}

	report := &VerifyReport{Valid: true, LastHash: prev, LastSequence: expectSeq - 1}
	for i, e := range entries {
		reason := ""
		switch {
		case e.Sequence != expectSeq:
			reason = fmt.Sprintf("expected sequence %d, found %d", expectSeq, e.Sequence)
		case e.PreviousHash != prev:
			reason = "previous hash does not match predecessor"
		default:
			sum, err := ComputeHash(c.hasher, e)
			if err != nil {
				return nil, err
			}
			if sum != e.EntryHash {
				reason = "entry hash does not match content"
			}
		}
		if reason != "" {
			mismatch := &MismatchError{EntryID: e.ID, Sequence: e.Sequence, Reason: reason}
			report.Valid = false
			report.Mismatch = mismatch
			report.AffectedEscrows = escrowsOf(entries[i:])
			if c.metrics != nil {
				c.metrics.IncVerifyMismatches()
			}
			if c.logger != nil {
				c.logger.ErrorContext(ctx, "audit chain mismatch",
					"log_type", "audit",
					"sequence", e.Sequence,
					"entry_id", e.ID.String(),
					"reason", reason,
				)
			}
			return report, mismatch
		}
		prev = e.EntryHash
		expectSeq++
		report.Checked++
		report.LastSequence = e.Sequence
		report.LastHash = e.EntryHash
	}
	return report, nil
}

// History returns the entries recorded for one escrow in chain order.
func (c *Chain) History(ctx context.Context, escrowID string) ([]*Entry, error) {
	return c.store.ListByEscrow(ctx, escrowID)
}

func escrowsOf(entries []*Entry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		if e.EscrowID == "" {
			continue
		}
		if _, ok := seen[e.EscrowID]; ok {
			continue
		}
		seen[e.EscrowID] = struct{}{}
		out = append(out, e.EscrowID)
	}
	return out
}
