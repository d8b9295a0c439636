// Package postgres persists escrow accounts, rules, approvals, proposals and
// ledger rows in PostgreSQL. Stores are pure I/O: they join the transaction
// carried in ctx and translate missing rows and lost races into sentinels.
package postgres

import (
	"context"
	"database/sql"

	txcontext "nest/pkg/platform/tx"
)

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type base struct {
	db *sql.DB
}

func (b base) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return b.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Stores bundles every escrow store over one pool.
type Stores struct {
	Escrows      *EscrowStore
	Rules        *RuleStore
	Approvals    *ApprovalStore
	Proposals    *ProposalStore
	Transactions *TransactionStore
}

func New(db *sql.DB) *Stores {
	b := base{db: db}
	return &Stores{
		Escrows:      &EscrowStore{base: b},
		Rules:        &RuleStore{base: b},
		Approvals:    &ApprovalStore{base: b},
		Proposals:    &ProposalStore{base: b},
		Transactions: &TransactionStore{base: b},
	}
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
