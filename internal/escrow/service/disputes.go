package service

import (
	"context"
	"strings"

	"nest/internal/escrow/ledger"
	"nest/internal/escrow/models"
	"nest/internal/escrow/statemachine"
	"nest/internal/policy"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

// RaiseDispute freezes payouts until an arbiter resolves the dispute.
func (s *Service) RaiseDispute(ctx context.Context, escrowID id.EscrowID, reason string) (*models.EscrowAccount, error) {
	var disputed *models.EscrowAccount
	err := s.mutate(ctx, policy.OpRaiseDispute, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(reason) == "" {
			return dErrors.New(dErrors.CodeValidation, "dispute reason is required")
		}
		if err := ensureAllowed(account, statemachine.EventDisputeRaised); err != nil {
			return err
		}
		if err := s.record(ctx, w, "dispute.raised", "escrow", escrowID.String(), nil,
			map[string]string{"reason": reason}); err != nil {
			return err
		}
		if err := s.transition(ctx, w, account, statemachine.EventDisputeRaised); err != nil {
			return err
		}
		disputed = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return disputed, nil
}

type DisputeResult struct {
	Account      *models.EscrowAccount `json:"account"`
	Transactions []*models.Transaction `json:"transactions"`
}

// ResolveDispute applies the arbiter's split. Payouts are recorded first; the
// status is then derived from the resulting balance.
func (s *Service) ResolveDispute(ctx context.Context, escrowID id.EscrowID, decision models.ArbiterDecision) (*DisputeResult, error) {
	result := &DisputeResult{}
	err := s.mutate(ctx, policy.OpResolveDispute, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if err := ensureAllowed(account, statemachine.EventDisputeResolved); err != nil {
			return err
		}
		if decision.ReleaseToLandlord < 0 || decision.RefundToTenant < 0 {
			return dErrors.New(dErrors.CodeInvalidAmount, "dispute payouts must not be negative")
		}
		if strings.TrimSpace(decision.Reason) == "" {
			return dErrors.New(dErrors.CodeValidation, "resolution reason is required")
		}
		if decision.ReleaseToLandlord+decision.RefundToTenant > 0 {
			if err := ensureNoHold(account); err != nil {
				return err
			}
		}

		payouts := []struct {
			txType      models.TransactionType
			amount      int64
			beneficiary models.Beneficiary
		}{
			{models.TransactionRelease, decision.ReleaseToLandlord, models.BeneficiaryLandlord},
			{models.TransactionRefund, decision.RefundToTenant, models.BeneficiaryTenant},
		}
		for _, p := range payouts {
			if p.amount == 0 {
				continue
			}
			txn, err := s.ledger.Record(ctx, ledger.RecordRequest{
				EscrowID:    escrowID,
				Type:        p.txType,
				Amount:      p.amount,
				Reason:      "dispute resolution: " + decision.Reason,
				Beneficiary: p.beneficiary,
			})
			if err != nil {
				return err
			}
			if err := s.record(ctx, w, ledgerOp(txn.Type), "transaction", txn.ID.String(), nil, txn); err != nil {
				return err
			}
			w.emit(executedEvent(txn, w.now))
			result.Transactions = append(result.Transactions, txn)
		}

		if err := s.record(ctx, w, "dispute.resolved", "escrow", escrowID.String(), nil, decision); err != nil {
			return err
		}
		if err := s.transition(ctx, w, account, statemachine.EventDisputeResolved); err != nil {
			return err
		}
		result.Account = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.countLedger(result.Transactions...)
	return result, nil
}
