package postgres

import (
	"context"
	"fmt"

	"nest/internal/escrow/models"
	platformpg "nest/internal/platform/postgres"
	id "nest/pkg/domain"
	"nest/pkg/platform/sentinel"
)

// TransactionStore is the append-only ledger. The table rejects UPDATE and
// DELETE at the database level.
type TransactionStore struct {
	base
}

const transactionColumns = `
	id, escrow_id, type, amount, reason, beneficiary,
	initiating_approval_id, rule_id, proposal_id, created_at`

func (s *TransactionStore) Append(ctx context.Context, t *models.Transaction) error {
	_, err := s.execer(ctx).ExecContext(ctx, `INSERT INTO escrow_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.EscrowID, string(t.Type), t.Amount, t.Reason, string(t.Beneficiary),
		t.InitiatingApprovalID, t.RuleID, t.ProposalID, t.CreatedAt,
	)
	if platformpg.IsUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", t.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// ListByEscrow returns the rows of one account in append order.
func (s *TransactionStore) ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.Transaction, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT `+transactionColumns+`
		FROM escrow_transactions WHERE escrow_id = $1 ORDER BY seq`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out, err := collect(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	return out, nil
}

// Totals sums the rows per type. It is recomputed on every call.
func (s *TransactionStore) Totals(ctx context.Context, escrowID id.EscrowID) (models.Totals, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount), 0)
		FROM escrow_transactions
		WHERE escrow_id = $1
		GROUP BY type`, escrowID)
	if err != nil {
		return models.Totals{}, fmt.Errorf("sum transactions: %w", err)
	}
	defer rows.Close()

	var totals models.Totals
	for rows.Next() {
		var (
			txType string
			sum    int64
		)
		if err := rows.Scan(&txType, &sum); err != nil {
			return models.Totals{}, fmt.Errorf("scan transaction sum: %w", err)
		}
		switch models.TransactionType(txType) {
		case models.TransactionFund:
			totals.Funded = sum
		case models.TransactionRelease:
			totals.Released = sum
		case models.TransactionRefund:
			totals.Refunded = sum
		case models.TransactionAdjustment:
			totals.Adjusted = sum
		}
	}
	if err := rows.Err(); err != nil {
		return models.Totals{}, fmt.Errorf("iterate transaction sums: %w", err)
	}
	return totals, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t                 models.Transaction
		txType, benefited string
	)
	err := row.Scan(
		&t.ID, &t.EscrowID, &txType, &t.Amount, &t.Reason, &benefited,
		&t.InitiatingApprovalID, &t.RuleID, &t.ProposalID, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(txType)
	t.Beneficiary = models.Beneficiary(benefited)
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}
