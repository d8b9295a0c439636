// Package rules decides whether a release rule's trigger holds and which roles
// must consent before the release executes. It performs no I/O: callers pass
// every external fact in.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"nest/internal/escrow/models"
	dErrors "nest/pkg/domain-errors"
)

// Facts are the external observations a rule is evaluated against.
type Facts struct {
	MoveInConfirmed bool
	Now             time.Time
	MutualAgreement bool
	DisputeResolved bool
	AccountStatus   models.EscrowStatus
}

type Outcome string

const (
	Satisfied       Outcome = "SATISFIED"
	NotYetSatisfied Outcome = "NOT_YET_SATISFIED"
	Void            Outcome = "VOID"
)

// Evaluate is a pure function of the rule and facts. Rules that are no longer
// PENDING, or whose escrow can no longer pay out, evaluate to Void.
func Evaluate(rule *models.ReleaseRule, facts Facts) Outcome {
	if rule.Status != models.RuleStatusPending || facts.AccountStatus.IsTerminal() {
		return Void
	}
	switch facts.AccountStatus {
	case models.StatusActive, models.StatusPartialReleased:
	default:
		return NotYetSatisfied
	}

	var holds bool
	switch rule.TriggerType {
	case models.TriggerMoveInConfirmed:
		holds = facts.MoveInConfirmed
	case models.TriggerDateReached:
		holds = rule.DueDate != nil && !facts.Now.Before(*rule.DueDate)
	case models.TriggerMutualAgreement:
		holds = facts.MutualAgreement
	case models.TriggerDisputeResolution:
		holds = facts.DisputeResolved
	}
	if holds {
		return Satisfied
	}
	return NotYetSatisfied
}

// Matrix maps each trigger to the roles whose approval it requires.
type Matrix map[models.TriggerType][]models.Role

// DefaultMatrix: mutual agreement needs both parties, a reached date needs
// nobody, a dispute resolution needs the arbiter and a move-in needs the
// landlord's acknowledgement.
func DefaultMatrix() Matrix {
	return Matrix{
		models.TriggerMutualAgreement:   {models.RoleLandlord, models.RoleTenant},
		models.TriggerDateReached:       {},
		models.TriggerDisputeResolution: {models.RoleArbiter},
		models.TriggerMoveInConfirmed:   {models.RoleLandlord},
	}
}

// RequiredApprovers returns a copy of the roles for trigger.
func (m Matrix) RequiredApprovers(trigger models.TriggerType) []models.Role {
	return append([]models.Role(nil), m[trigger]...)
}

// ParseMatrix builds a matrix from configuration, starting from the defaults.
// Unknown triggers or non-approver roles are rejected.
func ParseMatrix(raw map[string][]string) (Matrix, error) {
	m := DefaultMatrix()
	for trigger, roles := range raw {
		t := models.TriggerType(strings.ToUpper(strings.TrimSpace(trigger)))
		if !t.IsValid() {
			return nil, fmt.Errorf("unknown trigger %q in approver matrix", trigger)
		}
		seen := make(map[models.Role]bool)
		parsed := make([]models.Role, 0, len(roles))
		for _, r := range roles {
			role, err := models.ParseRole(r)
			if err != nil || !role.IsApprover() {
				return nil, fmt.Errorf("role %q cannot approve %s", r, t)
			}
			if !seen[role] {
				seen[role] = true
				parsed = append(parsed, role)
			}
		}
		sort.Slice(parsed, func(i, j int) bool { return parsed[i] < parsed[j] })
		m[t] = parsed
	}
	return m, nil
}

// CheckCreation enforces that non-void rule amounts never exceed the committed
// total once amount is added.
func CheckCreation(total int64, existing []*models.ReleaseRule, amount int64) error {
	allocated := Allocated(existing)
	if amount > total-allocated {
		return dErrors.Newf(dErrors.CodeOverAllocation,
			"rule amount %d exceeds unallocated total %d", amount, total-allocated)
	}
	return nil
}

// CheckSatisfaction enforces that a rule reaching satisfaction fits in what the
// balance still holds after other reservations. It never truncates.
func CheckSatisfaction(balance, reserved, amount int64) error {
	available := balance - reserved
	if amount > available {
		return dErrors.Newf(dErrors.CodeOverAllocation,
			"rule amount %d exceeds available balance %d", amount, available)
	}
	return nil
}

// Allocated sums the amounts of non-void rules.
func Allocated(rules []*models.ReleaseRule) int64 {
	var sum int64
	for _, r := range rules {
		if r.Status != models.RuleStatusVoid {
			sum += r.Amount
		}
	}
	return sum
}

// Reserved sums what satisfied-but-unexecuted rules and open proposals would
// take out of the balance, skipping the rule being checked.
func Reserved(rules []*models.ReleaseRule, proposals []*models.TransactionProposal, skip *models.ReleaseRule) int64 {
	var sum int64
	for _, r := range rules {
		if skip != nil && r.ID == skip.ID {
			continue
		}
		if r.Reserves() {
			sum += r.Amount
		}
	}
	for _, p := range proposals {
		if p.Status == models.ProposalProposed {
			sum += p.Outflow()
		}
	}
	return sum
}
