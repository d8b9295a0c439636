package service

import (
	"context"
	"math"
	"strings"

	"nest/internal/escrow/events"
	"nest/internal/escrow/ledger"
	"nest/internal/escrow/models"
	"nest/internal/escrow/statemachine"
	"nest/internal/policy"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/audit"
)

// CreateEscrowRequest carries the committed amounts in øre and optional
// payout account numbers, which are stored encrypted.
type CreateEscrowRequest struct {
	LandlordID            string `json:"landlord_id"`
	TenantID              string `json:"tenant_id"`
	DepositAmount         int64  `json:"deposit_amount"`
	FirstMonthAmount      int64  `json:"first_month_amount"`
	UtilitiesAmount       int64  `json:"utilities_amount"`
	LandlordPayoutAccount string `json:"landlord_payout_account,omitempty"`
	TenantPayoutAccount   string `json:"tenant_payout_account,omitempty"`
}

func (s *Service) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*models.EscrowAccount, error) {
	escrowID := id.NewEscrowID()
	var created *models.EscrowAccount
	err := s.mutate(ctx, policy.OpCreateEscrow, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		isLandlord := w.actor.Role == models.RoleLandlord && w.actor.ID == strings.TrimSpace(req.LandlordID)
		if err := policy.Require(w.actor, w.op, isLandlord); err != nil {
			return err
		}
		account, err := models.NewEscrowAccount(escrowID, req.LandlordID, req.TenantID,
			req.DepositAmount, req.FirstMonthAmount, req.UtilitiesAmount, w.now)
		if err != nil {
			return err
		}
		if account.LandlordPayout, err = s.sealPayout(escrowID, models.RoleLandlord, req.LandlordPayoutAccount); err != nil {
			return err
		}
		if account.TenantPayout, err = s.sealPayout(escrowID, models.RoleTenant, req.TenantPayoutAccount); err != nil {
			return err
		}
		if err := s.escrows.Create(ctx, account); err != nil {
			return translate(err, "escrow")
		}
		if err := s.record(ctx, w, "escrow.created", "escrow", escrowID.String(), nil, account); err != nil {
			return err
		}
		e := events.New(events.EscrowStatusChanged, escrowID.String(), w.now)
		e.ToStatus = string(account.Status)
		w.emit(e)
		created = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "escrow created",
		"log_type", "audit",
		"escrow_id", escrowID.String(),
		"total_amount", created.TotalAmount,
	)
	return created, nil
}

// sealPayout encrypts an account number bound to its escrow and role. An
// empty number yields the zero PayoutAccount.
func (s *Service) sealPayout(escrowID id.EscrowID, role models.Role, number string) (models.PayoutAccount, error) {
	if strings.TrimSpace(number) == "" {
		return models.PayoutAccount{}, nil
	}
	if s.protector == nil {
		return models.PayoutAccount{}, dErrors.New(dErrors.CodeValidation, "payout accounts are not accepted without encryption keys")
	}
	cipher, err := s.protector.Encrypt(number, payoutAssociatedData(escrowID, role))
	if err != nil {
		return models.PayoutAccount{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt payout account")
	}
	return models.PayoutAccount{Ciphertext: cipher, Hash: s.protector.Hash(number)}, nil
}

func payoutAssociatedData(escrowID id.EscrowID, role models.Role) string {
	return escrowID.String() + ":" + string(role)
}

// Fund records a FUND movement. Funding is accepted while the account is
// PENDING or ACTIVE and never beyond the committed total.
func (s *Service) Fund(ctx context.Context, escrowID id.EscrowID, amount int64, reason string) (*models.Transaction, error) {
	var recorded *models.Transaction
	err := s.mutate(ctx, policy.OpFund, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if err := models.TransactionFund.ValidateAmount(amount); err != nil {
			return err
		}
		if err := ensureAllowed(account, statemachine.EventFunded); err != nil {
			return err
		}
		totals, err := s.ledger.Totals(ctx, escrowID)
		if err != nil {
			return err
		}
		if amount > math.MaxInt64-totals.Funded || totals.Funded+amount > account.TotalAmount {
			return dErrors.Newf(dErrors.CodeInvalidAmount,
				"funding %d would exceed committed total %d (funded %d)", amount, account.TotalAmount, totals.Funded)
		}
		txn, err := s.ledger.Record(ctx, ledger.RecordRequest{
			EscrowID: escrowID,
			Type:     models.TransactionFund,
			Amount:   amount,
			Reason:   reason,
		})
		if err != nil {
			return err
		}
		if err := s.record(ctx, w, ledgerOp(txn.Type), "transaction", txn.ID.String(), nil, txn); err != nil {
			return err
		}
		if err := s.transition(ctx, w, account, statemachine.EventFunded); err != nil {
			return err
		}
		recorded = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.countLedger(recorded)
	return recorded, nil
}

func ledgerOp(t models.TransactionType) string {
	return "ledger." + strings.ToLower(string(t))
}

func (s *Service) countLedger(txns ...*models.Transaction) {
	if s.metrics == nil {
		return
	}
	for _, t := range txns {
		if t != nil {
			s.metrics.AddLedgerAmount(string(t.Type), t.Amount)
		}
	}
}

// GetEscrow returns the account with its live balance.
func (s *Service) GetEscrow(ctx context.Context, escrowID id.EscrowID) (*models.EscrowView, error) {
	account, err := s.readAccount(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	totals, err := s.ledger.Totals(ctx, escrowID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load balance")
	}
	return &models.EscrowView{EscrowAccount: account, Balance: totals.Balance(), Totals: totals}, nil
}

func (s *Service) ListTransactions(ctx context.Context, escrowID id.EscrowID) ([]*models.Transaction, error) {
	if _, err := s.readAccount(ctx, escrowID); err != nil {
		return nil, err
	}
	rows, err := s.ledger.History(ctx, escrowID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list transactions")
	}
	return rows, nil
}

func (s *Service) ListRules(ctx context.Context, escrowID id.EscrowID) ([]*models.ReleaseRule, error) {
	if _, err := s.readAccount(ctx, escrowID); err != nil {
		return nil, err
	}
	list, err := s.rules.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, translate(err, "rules")
	}
	return list, nil
}

func (s *Service) ListApprovals(ctx context.Context, escrowID id.EscrowID) ([]*models.ApprovalRequest, error) {
	if _, err := s.readAccount(ctx, escrowID); err != nil {
		return nil, err
	}
	list, err := s.approvals.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, translate(err, "approvals")
	}
	return list, nil
}

func (s *Service) ListProposals(ctx context.Context, escrowID id.EscrowID) ([]*models.TransactionProposal, error) {
	if _, err := s.readAccount(ctx, escrowID); err != nil {
		return nil, err
	}
	list, err := s.proposals.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, translate(err, "proposals")
	}
	return list, nil
}

// AuditHistory returns the audit entries recorded against one escrow.
func (s *Service) AuditHistory(ctx context.Context, escrowID id.EscrowID) ([]*audit.Entry, error) {
	if _, err := s.readAccount(ctx, escrowID); err != nil {
		return nil, err
	}
	entries, err := s.chain.History(ctx, escrowID.String())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit history")
	}
	return entries, nil
}

// SearchByPayoutAccount finds escrows whose landlord or tenant payout account
// matches number, comparing keyed hashes only.
func (s *Service) SearchByPayoutAccount(ctx context.Context, number string) ([]*models.EscrowAccount, error) {
	if err := policy.Require(actorFrom(ctx), policy.OpSearch, false); err != nil {
		return nil, err
	}
	if s.protector == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "payout account search is not configured")
	}
	if strings.TrimSpace(number) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "account number is required")
	}
	found, err := s.escrows.FindByPayoutHash(ctx, s.protector.Hash(number))
	if err != nil {
		return nil, translate(err, "escrows")
	}
	return found, nil
}

// RevealPayoutAccount decrypts one party's payout account for the arbiter.
func (s *Service) RevealPayoutAccount(ctx context.Context, escrowID id.EscrowID, role models.Role) (string, error) {
	if err := policy.Require(actorFrom(ctx), policy.OpSearch, false); err != nil {
		return "", err
	}
	if s.protector == nil {
		return "", dErrors.New(dErrors.CodeValidation, "payout accounts are not configured")
	}
	account, err := s.escrows.FindByID(ctx, escrowID)
	if err != nil {
		return "", translate(err, "escrow")
	}
	var sealed models.PayoutAccount
	switch role {
	case models.RoleLandlord:
		sealed = account.LandlordPayout
	case models.RoleTenant:
		sealed = account.TenantPayout
	default:
		return "", dErrors.Newf(dErrors.CodeValidation, "role %s has no payout account", role)
	}
	if sealed.IsZero() {
		return "", dErrors.New(dErrors.CodeNotFound, "payout account not set")
	}
	plain, err := s.protector.Decrypt(sealed.Ciphertext, payoutAssociatedData(escrowID, role))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to decrypt payout account")
	}
	return plain, nil
}

func (s *Service) readAccount(ctx context.Context, escrowID id.EscrowID) (*models.EscrowAccount, error) {
	account, err := s.escrows.FindByID(ctx, escrowID)
	if err != nil {
		return nil, translate(err, "escrow")
	}
	actor := actorFrom(ctx)
	if err := policy.Require(actor, policy.OpView, account.IsParty(actor)); err != nil {
		return nil, err
	}
	return account, nil
}
