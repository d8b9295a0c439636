// Package ledger is the append-only money record of each escrow. Balances are
// never stored: every read sums the rows.
package ledger

import (
	"context"
	"fmt"
	"math"

	"nest/internal/escrow/models"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/requestcontext"
)

// Store persists ledger rows. Totals must be computed from the rows on every
// call; implementations must not cache across accounts or calls.
type Store interface {
	Append(ctx context.Context, txn *models.Transaction) error
	ListByEscrow(ctx context.Context, escrowID id.EscrowID) ([]*models.Transaction, error)
	Totals(ctx context.Context, escrowID id.EscrowID) (models.Totals, error)
}

// RecordRequest describes one movement to append.
type RecordRequest struct {
	EscrowID    id.EscrowID
	Type        models.TransactionType
	Amount      int64
	Reason      string
	Beneficiary models.Beneficiary
	ApprovalID  *id.ApprovalID
	RuleID      *id.RuleID
	ProposalID  *id.ProposalID
}

// Ledger validates and appends movements. Callers serialize access per escrow.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record appends exactly one immutable row or returns an error and appends nothing.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (*models.Transaction, error) {
	if err := req.Type.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	totals, err := l.store.Totals(ctx, req.EscrowID)
	if err != nil {
		return nil, fmt.Errorf("load ledger totals: %w", err)
	}
	if _, err := Apply(totals, req.Type, req.Amount); err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		ID:                   id.NewTransactionID(),
		EscrowID:             req.EscrowID,
		Type:                 req.Type,
		Amount:               req.Amount,
		Reason:               req.Reason,
		Beneficiary:          req.Beneficiary,
		InitiatingApprovalID: req.ApprovalID,
		RuleID:               req.RuleID,
		ProposalID:           req.ProposalID,
		CreatedAt:            requestcontext.Now(ctx).UTC(),
	}
	if err := l.store.Append(ctx, txn); err != nil {
		return nil, fmt.Errorf("append ledger row: %w", err)
	}
	return txn, nil
}

// BalanceOf is sum(FUND) - sum(RELEASE) - sum(REFUND) + sum(ADJUSTMENT).
func (l *Ledger) BalanceOf(ctx context.Context, escrowID id.EscrowID) (int64, error) {
	totals, err := l.Totals(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	return totals.Balance(), nil
}

// Totals returns the per-type sums.
func (l *Ledger) Totals(ctx context.Context, escrowID id.EscrowID) (models.Totals, error) {
	totals, err := l.store.Totals(ctx, escrowID)
	if err != nil {
		return models.Totals{}, fmt.Errorf("load ledger totals: %w", err)
	}
	return totals, nil
}

// History lists the rows of one escrow in insertion order.
func (l *Ledger) History(ctx context.Context, escrowID id.EscrowID) ([]*models.Transaction, error) {
	rows, err := l.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	return rows, nil
}

// Apply returns totals after adding one movement, or InsufficientFunds when the
// balance would go negative or payouts would exceed funding.
func Apply(totals models.Totals, txType models.TransactionType, amount int64) (models.Totals, error) {
	next := totals
	var overflow bool
	switch txType {
	case models.TransactionFund:
		next.Funded, overflow = add(totals.Funded, amount)
	case models.TransactionRelease:
		next.Released, overflow = add(totals.Released, amount)
	case models.TransactionRefund:
		next.Refunded, overflow = add(totals.Refunded, amount)
	case models.TransactionAdjustment:
		next.Adjusted, overflow = add(totals.Adjusted, amount)
	default:
		return totals, dErrors.Newf(dErrors.CodeValidation, "unknown transaction type %q", txType)
	}
	if overflow {
		return totals, dErrors.New(dErrors.CodeInvalidAmount, "amount overflows ledger totals")
	}
	if next.Balance() < 0 {
		return totals, dErrors.Newf(dErrors.CodeInsufficientFunds,
			"%s of %d exceeds balance %d", txType, abs(amount), totals.Balance())
	}
	if next.PaidOut() > next.Funded {
		return totals, dErrors.Newf(dErrors.CodeInsufficientFunds,
			"payouts %d would exceed funding %d", next.PaidOut(), next.Funded)
	}
	return next, nil
}

func add(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return a, true
	}
	return a + b, false
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
