package service

import (
	"context"
	"errors"
	"strings"

	"nest/internal/escrow/events"
	"nest/internal/escrow/models"
	"nest/internal/policy"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/audit"
)

// VerifyAudit recomputes the audit chain over rng. On a broken link every
// escrow touched from the mismatch onwards is put on integrity hold, and the
// report is returned together with the mismatch error.
func (s *Service) VerifyAudit(ctx context.Context, rng audit.Range) (*audit.VerifyReport, error) {
	if err := policy.Require(actorFrom(ctx), policy.OpVerifyAudit, false); err != nil {
		s.refuse(ctx, policy.OpVerifyAudit, target{entity: "audit"}, err)
		return nil, err
	}
	report, err := s.chain.Verify(ctx, rng)
	if err == nil {
		s.logger.InfoContext(ctx, "audit chain verified",
			"log_type", "audit",
			"checked", report.Checked,
			"last_sequence", report.LastSequence,
		)
		return report, nil
	}
	var mismatch *audit.MismatchError
	if report == nil || !errors.As(err, &mismatch) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify audit chain")
	}

	for _, raw := range report.AffectedEscrows {
		escrowID, perr := id.ParseEscrowID(raw)
		if perr != nil {
			continue
		}
		if herr := s.placeHold(ctx, escrowID, mismatch); herr != nil {
			s.logger.ErrorContext(ctx, "CRITICAL: failed to place integrity hold",
				"escrow_id", raw,
				"error", herr,
			)
		}
	}
	return report, err
}

func (s *Service) placeHold(ctx context.Context, escrowID id.EscrowID, mismatch *audit.MismatchError) error {
	placed := false
	err := s.mutate(ctx, policy.OpVerifyAudit, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if account.IntegrityHold {
			return nil
		}
		before := account.Clone()
		account.IntegrityHold = true
		account.UpdatedAt = w.now
		if err := s.escrows.Update(ctx, account); err != nil {
			return translate(err, "escrow")
		}
		if err := s.record(ctx, w, "integrity.hold", "escrow", escrowID.String(), before, account); err != nil {
			return err
		}
		e := events.New(events.IntegrityViolation, escrowID.String(), w.now)
		e.Reason = mismatch.Error()
		w.emit(e)
		placed = true
		return nil
	})
	if err == nil && placed && s.metrics != nil {
		s.metrics.IncIntegrityHolds()
	}
	return err
}

// ClearIntegrityHold lifts the hold after an arbiter has reviewed the chain.
func (s *Service) ClearIntegrityHold(ctx context.Context, escrowID id.EscrowID, reason string) (*models.EscrowAccount, error) {
	var cleared *models.EscrowAccount
	err := s.mutate(ctx, policy.OpClearIntegrityHold, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if !account.IntegrityHold {
			return dErrors.New(dErrors.CodeIllegalTransition, "escrow is not on integrity hold")
		}
		if strings.TrimSpace(reason) == "" {
			return dErrors.New(dErrors.CodeValidation, "a review note is required to clear a hold")
		}
		before := account.Clone()
		account.IntegrityHold = false
		account.UpdatedAt = w.now
		if err := s.escrows.Update(ctx, account); err != nil {
			return translate(err, "escrow")
		}
		if err := s.record(ctx, w, "integrity.cleared", "escrow", escrowID.String(), before,
			struct {
				*models.EscrowAccount
				Reason string `json:"reason"`
			}{account, reason}); err != nil {
			return err
		}
		cleared = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cleared, nil
}
