package service

import (
	"context"

	"nest/internal/escrow/approval"
	"nest/internal/escrow/ledger"
	"nest/internal/escrow/models"
	"nest/internal/escrow/rules"
	"nest/internal/escrow/statemachine"
	"nest/internal/policy"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

type ProposeRequest struct {
	Type   models.TransactionType `json:"type"`
	Amount int64                  `json:"amount"`
	Reason string                 `json:"reason"`
}

type ProposalResult struct {
	Proposal  *models.TransactionProposal `json:"proposal"`
	Approvals []*models.ApprovalRequest   `json:"approvals"`
}

// ProposeTransaction puts a REFUND or signed ADJUSTMENT up for approval by
// both parties. Its outflow is held back from the free balance until it is
// executed or voided.
func (s *Service) ProposeTransaction(ctx context.Context, escrowID id.EscrowID, req ProposeRequest) (*ProposalResult, error) {
	var result *ProposalResult
	err := s.mutate(ctx, policy.OpPropose, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if err := ensureNoHold(account); err != nil {
			return err
		}
		p, err := models.NewTransactionProposal(escrowID, req.Type, req.Amount, req.Reason, w.actor.ID, w.now)
		if err != nil {
			return err
		}
		if err := ensureAllowed(account, proposalEvent(p)); err != nil {
			return err
		}
		if err := s.checkOutflow(ctx, account.ID, p); err != nil {
			return err
		}
		if err := s.proposals.Create(ctx, p); err != nil {
			return translate(err, "proposal")
		}
		if err := s.record(ctx, w, "proposal.created", "proposal", p.ID.String(), nil, p); err != nil {
			return err
		}
		raised, err := s.raiseApprovals(ctx, w, escrowID, models.SubjectTransaction, p.ID.String(), s.proposalApprovers)
		if err != nil {
			return err
		}
		result = &ProposalResult{Proposal: p, Approvals: raised}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteProposal records an approved proposal in the ledger.
func (s *Service) ExecuteProposal(ctx context.Context, proposalID id.ProposalID) (*models.Transaction, error) {
	p, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, translate(err, "proposal")
	}
	escrowID := p.EscrowID

	var recorded *models.Transaction
	t := target{escrowID: escrowID.String(), entity: "proposal", entityID: proposalID.String()}
	err = s.mutate(ctx, policy.OpExecuteProposal, t, func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if err := ensureNoHold(account); err != nil {
			return err
		}
		p, err := s.proposals.FindByID(ctx, proposalID)
		if err != nil {
			return translate(err, "proposal")
		}
		if err := p.CanExecute(); err != nil {
			if p.Status == models.ProposalVoid {
				vetoed, verr := s.isVetoed(ctx, models.SubjectTransaction, p.ID.String())
				if verr != nil {
					return verr
				}
				if vetoed {
					return dErrors.Newf(dErrors.CodeInsufficientApproval, "proposal approvals are %s", approval.Vetoed)
				}
			}
			return err
		}
		event := proposalEvent(p)
		if err := ensureAllowed(account, event); err != nil {
			return err
		}
		requests, err := s.approvals.ListBySubject(ctx, models.SubjectTransaction, p.ID.String())
		if err != nil {
			return translate(err, "approvals")
		}
		if res := approval.Resolve(requests, s.proposalApprovers); res != approval.Approved {
			return dErrors.Newf(dErrors.CodeInsufficientApproval, "proposal approvals are %s", res)
		}
		if err := s.checkOutflow(ctx, account.ID, p); err != nil {
			return err
		}

		proposalRef := p.ID
		txn, err := s.ledger.Record(ctx, ledger.RecordRequest{
			EscrowID:    escrowID,
			Type:        p.Type,
			Amount:      p.Amount,
			Reason:      p.Reason,
			Beneficiary: proposalBeneficiary(p),
			ApprovalID:  lastApproval(requests),
			ProposalID:  &proposalRef,
		})
		if err != nil {
			return err
		}
		if err := s.record(ctx, w, ledgerOp(txn.Type), "transaction", txn.ID.String(), nil, txn); err != nil {
			return err
		}
		before := p.Clone()
		p.ApplyExecuted(txn.ID, w.now)
		if err := s.proposals.Update(ctx, p); err != nil {
			return translate(err, "proposal")
		}
		if err := s.record(ctx, w, "proposal.executed", "proposal", p.ID.String(), before, p); err != nil {
			return err
		}
		if err := s.transition(ctx, w, account, event); err != nil {
			return err
		}
		w.emit(executedEvent(txn, w.now))
		recorded = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.countLedger(recorded)
	return recorded, nil
}

// checkOutflow requires the proposal's outflow to fit in the balance left
// after every other reservation.
func (s *Service) checkOutflow(ctx context.Context, escrowID id.EscrowID, p *models.TransactionProposal) error {
	outflow := p.Outflow()
	if outflow == 0 {
		return nil
	}
	totals, err := s.ledger.Totals(ctx, escrowID)
	if err != nil {
		return err
	}
	all, err := s.rules.ListByEscrow(ctx, escrowID)
	if err != nil {
		return translate(err, "rules")
	}
	proposals, err := s.proposals.ListByEscrow(ctx, escrowID)
	if err != nil {
		return translate(err, "proposals")
	}
	others := make([]*models.TransactionProposal, 0, len(proposals))
	for _, other := range proposals {
		if other.ID != p.ID {
			others = append(others, other)
		}
	}
	available := totals.Balance() - rules.Reserved(all, others, nil)
	if outflow > available {
		return dErrors.Newf(dErrors.CodeOverAllocation,
			"%s of %d exceeds available balance %d", p.Type, outflow, available)
	}
	return nil
}

func proposalEvent(p *models.TransactionProposal) statemachine.Event {
	if p.Type == models.TransactionAdjustment {
		return statemachine.EventAdjusted
	}
	return statemachine.EventReleased
}

func proposalBeneficiary(p *models.TransactionProposal) models.Beneficiary {
	if p.Type == models.TransactionRefund {
		return models.BeneficiaryTenant
	}
	return ""
}

func (s *Service) reraiseProposal(ctx context.Context, w *work, account *models.EscrowAccount, subjectID string) (*ReraiseResult, error) {
	escrowID := account.ID
	proposalID, err := id.ParseProposalID(subjectID)
	if err != nil {
		return nil, err
	}
	p, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, translate(err, "proposal")
	}
	if p.EscrowID != escrowID {
		return nil, dErrors.New(dErrors.CodeNotFound, "proposal not found")
	}
	if p.Status == models.ProposalExecuted {
		return nil, dErrors.New(dErrors.CodeIllegalTransition, "proposal already executed")
	}
	requests, err := s.approvals.ListBySubject(ctx, models.SubjectTransaction, subjectID)
	if err != nil {
		return nil, translate(err, "approvals")
	}

	if approval.Resolve(requests, s.proposalApprovers) == approval.Vetoed {
		return s.replaceVetoedProposal(ctx, w, account, p)
	}
	if err := p.CanExecute(); err != nil {
		return nil, err
	}
	raised, err := s.reraiseMissing(ctx, w, escrowID, models.SubjectTransaction, subjectID, requests, s.proposalApprovers)
	if err != nil {
		return nil, err
	}
	return &ReraiseResult{SubjectType: models.SubjectTransaction, SubjectID: subjectID, Approvals: raised}, nil
}

// replaceVetoedProposal clones a vetoed proposal under a new id. Its outflow
// must fit the free balance again; a vetoed proposal is replaced at most once.
func (s *Service) replaceVetoedProposal(ctx context.Context, w *work, account *models.EscrowAccount, p *models.TransactionProposal) (*ReraiseResult, error) {
	if p.Status != models.ProposalVoid {
		if err := s.voidProposal(ctx, w, p); err != nil {
			return nil, err
		}
	}
	existing, err := s.proposals.ListByEscrow(ctx, account.ID)
	if err != nil {
		return nil, translate(err, "proposals")
	}
	for _, other := range existing {
		if other.ReplacesID != nil && *other.ReplacesID == p.ID {
			return nil, dErrors.Newf(dErrors.CodeIllegalTransition, "proposal was already re-raised as %s", other.ID)
		}
	}
	replacement := p.CloneAsReplacement(w.now)
	if err := s.checkOutflow(ctx, account.ID, replacement); err != nil {
		return nil, err
	}
	if err := s.proposals.Create(ctx, replacement); err != nil {
		return nil, translate(err, "proposal")
	}
	if err := s.record(ctx, w, "proposal.reraised", "proposal", replacement.ID.String(), nil, replacement); err != nil {
		return nil, err
	}
	raised, err := s.raiseApprovals(ctx, w, account.ID, models.SubjectTransaction, replacement.ID.String(), s.proposalApprovers)
	if err != nil {
		return nil, err
	}
	return &ReraiseResult{
		SubjectType: models.SubjectTransaction,
		SubjectID:   replacement.ID.String(),
		Replaced:    p.ID.String(),
		Approvals:   raised,
	}, nil
}

func (s *Service) voidProposal(ctx context.Context, w *work, p *models.TransactionProposal) error {
	before := p.Clone()
	p.ApplyVoid(w.now)
	if err := s.proposals.Update(ctx, p); err != nil {
		return translate(err, "proposal")
	}
	return s.record(ctx, w, "proposal.voided", "proposal", p.ID.String(), before, p)
}
