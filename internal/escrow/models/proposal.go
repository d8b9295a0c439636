package models

import (
	"time"

	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

type ProposalStatus string

const (
	ProposalProposed ProposalStatus = "PROPOSED"
	ProposalExecuted ProposalStatus = "EXECUTED"
	ProposalVoid     ProposalStatus = "VOID"
)

// TransactionProposal is a refund or adjustment waiting for consent. It is the
// TRANSACTION subject of approval requests.
type TransactionProposal struct {
	ID            id.ProposalID     `json:"id"`
	EscrowID      id.EscrowID       `json:"escrow_id"`
	Type          TransactionType   `json:"type"`
	Amount        int64             `json:"amount"`
	Reason        string            `json:"reason"`
	ProposedBy    string            `json:"proposed_by"`
	Status        ProposalStatus    `json:"status"`
	TransactionID *id.TransactionID `json:"transaction_id,omitempty"`
	ReplacesID    *id.ProposalID    `json:"replaces_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewTransactionProposal accepts REFUND and ADJUSTMENT only; funding and rule
// releases have their own paths.
func NewTransactionProposal(escrowID id.EscrowID, txType TransactionType, amount int64, reason, proposedBy string, now time.Time) (*TransactionProposal, error) {
	if txType != TransactionRefund && txType != TransactionAdjustment {
		return nil, dErrors.Newf(dErrors.CodeValidation, "proposals support REFUND and ADJUSTMENT, not %q", txType)
	}
	if err := txType.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "proposal reason is required")
	}
	return &TransactionProposal{
		ID:         id.NewProposalID(),
		EscrowID:   escrowID,
		Type:       txType,
		Amount:     amount,
		Reason:     reason,
		ProposedBy: proposedBy,
		Status:     ProposalProposed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Outflow is how much the proposal would take out of the balance if executed.
func (p *TransactionProposal) Outflow() int64 {
	switch {
	case p.Type == TransactionRefund:
		return p.Amount
	case p.Type == TransactionAdjustment && p.Amount < 0:
		return -p.Amount
	}
	return 0
}

func (p *TransactionProposal) CanExecute() error {
	switch p.Status {
	case ProposalProposed:
		return nil
	case ProposalExecuted:
		return dErrors.New(dErrors.CodeIllegalTransition, "proposal already executed")
	default:
		return dErrors.New(dErrors.CodeIllegalTransition, "proposal is void")
	}
}

func (p *TransactionProposal) ApplyExecuted(txID id.TransactionID, now time.Time) {
	p.Status = ProposalExecuted
	p.TransactionID = &txID
	p.UpdatedAt = now
}

func (p *TransactionProposal) ApplyVoid(now time.Time) {
	p.Status = ProposalVoid
	p.UpdatedAt = now
}

// CloneAsReplacement returns a fresh PROPOSED proposal with the same terms.
func (p *TransactionProposal) CloneAsReplacement(now time.Time) *TransactionProposal {
	old := p.ID
	return &TransactionProposal{
		ID:         id.NewProposalID(),
		EscrowID:   p.EscrowID,
		Type:       p.Type,
		Amount:     p.Amount,
		Reason:     p.Reason,
		ProposedBy: p.ProposedBy,
		Status:     ProposalProposed,
		ReplacesID: &old,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a copy safe to mutate.
func (p *TransactionProposal) Clone() *TransactionProposal {
	if p == nil {
		return nil
	}
	c := *p
	if p.TransactionID != nil {
		t := *p.TransactionID
		c.TransactionID = &t
	}
	if p.ReplacesID != nil {
		r := *p.ReplacesID
		c.ReplacesID = &r
	}
	return &c
}
