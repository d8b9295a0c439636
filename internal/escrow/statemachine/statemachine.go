// Package statemachine holds the escrow lifecycle as a pure transition function.
//
//	PENDING ──Funded──▶ ACTIVE ──Funded──▶ ACTIVE
//	ACTIVE | PARTIAL_RELEASED ──Released / Adjusted──▶ derived from balance
//	PENDING | ACTIVE | PARTIAL_RELEASED ──DisputeRaised──▶ DISPUTED
//	DISPUTED ──DisputeResolved──▶ derived from balance (PENDING if never funded)
//
// Every other pair is an illegal transition.
package statemachine

import (
	"nest/internal/escrow/models"
	dErrors "nest/pkg/domain-errors"
)

// Event is something that happened to an escrow.
type Event string

const (
	EventFunded          Event = "FUNDED"
	EventReleased        Event = "RELEASED"
	EventAdjusted        Event = "ADJUSTED"
	EventDisputeRaised   Event = "DISPUTE_RAISED"
	EventDisputeResolved Event = "DISPUTE_RESOLVED"
)

var edges = map[models.EscrowStatus]map[Event]bool{
	models.StatusPending: {
		EventFunded:        true,
		EventDisputeRaised: true,
	},
	models.StatusActive: {
		EventFunded:        true,
		EventReleased:      true,
		EventAdjusted:      true,
		EventDisputeRaised: true,
	},
	models.StatusPartialReleased: {
		EventReleased:      true,
		EventAdjusted:      true,
		EventDisputeRaised: true,
	},
	models.StatusDisputed: {
		EventDisputeResolved: true,
	},
	models.StatusFullyReleased: {},
}

// Allowed reports whether event may be applied in current.
func Allowed(current models.EscrowStatus, event Event) bool {
	return edges[current][event]
}

// Next returns the status after event, given the ledger totals that will hold
// once the event's ledger rows are written.
func Next(current models.EscrowStatus, event Event, totals models.Totals) (models.EscrowStatus, error) {
	if !Allowed(current, event) {
		return current, dErrors.Newf(dErrors.CodeIllegalTransition, "cannot apply %s to escrow in status %s", event, current)
	}
	switch event {
	case EventFunded:
		return models.StatusActive, nil
	case EventDisputeRaised:
		return models.StatusDisputed, nil
	default:
		return Derive(totals), nil
	}
}

// Derive maps ledger totals to the status they imply outside a dispute.
func Derive(totals models.Totals) models.EscrowStatus {
	switch {
	case totals.Funded == 0:
		return models.StatusPending
	case totals.Balance() == 0:
		return models.StatusFullyReleased
	case totals.PaidOut() > 0:
		return models.StatusPartialReleased
	default:
		return models.StatusActive
	}
}
