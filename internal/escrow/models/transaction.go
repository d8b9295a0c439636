package models

import (
	"time"

	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

type TransactionType string

const (
	TransactionFund       TransactionType = "FUND"
	TransactionRelease    TransactionType = "RELEASE"
	TransactionRefund     TransactionType = "REFUND"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionFund, TransactionRelease, TransactionRefund, TransactionAdjustment:
		return true
	}
	return false
}

// ValidateAmount enforces amount > 0, except ADJUSTMENT which is signed and
// only rejects zero.
func (t TransactionType) ValidateAmount(amount int64) error {
	if !t.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown transaction type %q", t)
	}
	if t == TransactionAdjustment {
		if amount == 0 {
			return dErrors.New(dErrors.CodeInvalidAmount, "adjustment amount must not be zero")
		}
		return nil
	}
	if amount <= 0 {
		return dErrors.Newf(dErrors.CodeInvalidAmount, "%s amount must be positive", t)
	}
	return nil
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID                   id.TransactionID `json:"id"`
	EscrowID             id.EscrowID      `json:"escrow_id"`
	Type                 TransactionType  `json:"type"`
	Amount               int64            `json:"amount"`
	Reason               string           `json:"reason,omitempty"`
	Beneficiary          Beneficiary      `json:"beneficiary,omitempty"`
	InitiatingApprovalID *id.ApprovalID   `json:"initiating_approval_id,omitempty"`
	RuleID               *id.RuleID       `json:"rule_id,omitempty"`
	ProposalID           *id.ProposalID   `json:"proposal_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}
