package service

import (
	"context"
	"fmt"

	"nest/internal/escrow/events"
	"nest/internal/escrow/models"
	"nest/internal/escrow/statemachine"
	dErrors "nest/pkg/domain-errors"
)

// statusChange is the audit payload of a transition.
type statusChange struct {
	Event  statemachine.Event  `json:"event"`
	Status models.EscrowStatus `json:"status"`
	Totals models.Totals       `json:"totals"`
}

// transition is the only writer of EscrowAccount.Status. It reads the ledger
// totals as they stand inside the current transaction, applies event, and
// writes exactly one audit entry.
func (s *Service) transition(ctx context.Context, w *work, account *models.EscrowAccount, event statemachine.Event) error {
	totals, err := s.ledger.Totals(ctx, account.ID)
	if err != nil {
		return err
	}
	next, err := statemachine.Next(account.Status, event, totals)
	if err != nil {
		return err
	}

	prev := account.Status
	switch event {
	case statemachine.EventDisputeRaised:
		account.PreDisputeStatus = prev
	case statemachine.EventDisputeResolved:
		account.PreDisputeStatus = ""
		resolvedAt := w.now
		account.DisputeResolvedAt = &resolvedAt
	}
	if next == models.StatusFullyReleased && totals.Balance() != 0 {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "escrow marked fully released with balance %d", totals.Balance())
	}
	account.Status = next
	account.UpdatedAt = w.now
	if err := s.escrows.Update(ctx, account); err != nil {
		return translate(err, "escrow")
	}

	if err := s.record(ctx, w, fmt.Sprintf("transition.%s", event), "escrow", account.ID.String(),
		statusChange{Status: prev},
		statusChange{Event: event, Status: next, Totals: totals},
	); err != nil {
		return err
	}

	if prev != next {
		e := events.New(events.EscrowStatusChanged, account.ID.String(), w.now)
		e.FromStatus = string(prev)
		e.ToStatus = string(next)
		w.emit(e)
	}
	return nil
}

// ensureAllowed fails early with IllegalTransition before any ledger write.
func ensureAllowed(account *models.EscrowAccount, event statemachine.Event) error {
	if !statemachine.Allowed(account.Status, event) {
		return dErrors.Newf(dErrors.CodeIllegalTransition, "cannot apply %s to escrow in status %s", event, account.Status)
	}
	return nil
}

func ensureNoHold(account *models.EscrowAccount) error {
	if account.IntegrityHold {
		return dErrors.New(dErrors.CodeIntegrityHold, "escrow is on integrity hold pending review")
	}
	return nil
}
