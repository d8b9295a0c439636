package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	audit "nest/pkg/platform/audit"
	"nest/pkg/platform/sentinel"
	txcontext "nest/pkg/platform/tx"

	"github.com/lib/pq"
)

// Store persists the chain in audit_log. The single audit_chain_tail row holds
// the last sequence and hash; Tail locks it so concurrent appends serialize.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit chain store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Tail reads the chain tail with a row lock. It must run inside a transaction;
// outside one the lock would be released before the insert.
func (s *Store) Tail(ctx context.Context) (audit.Tail, error) {
	if _, ok := txcontext.From(ctx); !ok {
		return audit.Tail{}, fmt.Errorf("audit tail requires a transaction: %w", sentinel.ErrInvalidState)
	}
	var tail audit.Tail
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM audit_chain_tail WHERE id = 1 FOR UPDATE`,
	).Scan(&tail.Sequence, &tail.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Tail{Sequence: 0, Hash: audit.GenesisHash}, nil
	}
	if err != nil {
		return audit.Tail{}, fmt.Errorf("lock audit tail: %w", err)
	}
	return tail, nil
}

func (s *Store) Insert(ctx context.Context, e *audit.Entry) error {
	query := `
		INSERT INTO audit_log (
			id, sequence, operation, outcome, error_code,
			entity_type, entity_id, escrow_id, actor_id, actor_role,
			request_id, client, occurred_at, changed_fields, before_value, after_value,
			previous_hash, entry_hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		e.ID,
		e.Sequence,
		e.Operation,
		string(e.Outcome),
		e.ErrorCode,
		e.EntityType,
		e.EntityID,
		e.EscrowID,
		e.ActorID,
		e.ActorRole,
		e.RequestID,
		e.Client,
		e.Timestamp,
		pq.Array(nonNil(e.ChangedFields)),
		e.BeforeValue,
		e.AfterValue,
		e.PreviousHash,
		e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_chain_tail (id, sequence, entry_hash)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET sequence = EXCLUDED.sequence, entry_hash = EXCLUDED.entry_hash
	`, e.Sequence, e.EntryHash)
	if err != nil {
		return fmt.Errorf("advance audit tail: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, sequence, operation, outcome, error_code,
		entity_type, entity_id, escrow_id, actor_id, actor_role,
		request_id, client, occurred_at, changed_fields, before_value, after_value,
		previous_hash, entry_hash
	FROM audit_log
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*audit.Entry, error) {
	var (
		e       audit.Entry
		outcome string
		changed pq.StringArray
	)
	err := row.Scan(
		&e.ID, &e.Sequence, &e.Operation, &outcome, &e.ErrorCode,
		&e.EntityType, &e.EntityID, &e.EscrowID, &e.ActorID, &e.ActorRole,
		&e.RequestID, &e.Client, &e.Timestamp, &changed, &e.BeforeValue, &e.AfterValue,
		&e.PreviousHash, &e.EntryHash,
	)
	if err != nil {
		return nil, err
	}
	e.Outcome = audit.Outcome(outcome)
	e.Timestamp = audit.NormalizeTime(e.Timestamp)
	if len(changed) > 0 {
		e.ChangedFields = []string(changed)
	}
	return &e, nil
}

func (s *Store) Get(ctx context.Context, sequence int64) (*audit.Entry, error) {
	e, err := scanEntry(s.execer(ctx).QueryRowContext(ctx, selectColumns+` WHERE sequence = $1`, sequence))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, rng audit.Range) ([]*audit.Entry, error) {
	from := rng.From
	if from < 1 {
		from = 1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if rng.To > 0 {
		rows, err = s.execer(ctx).QueryContext(ctx, selectColumns+` WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence`, from, rng.To)
	} else {
		rows, err = s.execer(ctx).QueryContext(ctx, selectColumns+` WHERE sequence >= $1 ORDER BY sequence`, from)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return collect(rows)
}

func (s *Store) ListByEscrow(ctx context.Context, escrowID string) ([]*audit.Entry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, selectColumns+` WHERE escrow_id = $1 ORDER BY sequence`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries by escrow: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*audit.Entry, error) {
	defer rows.Close()
	var out []*audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
