package models

import (
	"time"

	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

type TriggerType string

const (
	TriggerMoveInConfirmed   TriggerType = "MOVE_IN_CONFIRMED"
	TriggerDateReached       TriggerType = "DATE_REACHED"
	TriggerMutualAgreement   TriggerType = "MUTUAL_AGREEMENT"
	TriggerDisputeResolution TriggerType = "DISPUTE_RESOLUTION"
)

func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerMoveInConfirmed, TriggerDateReached, TriggerMutualAgreement, TriggerDisputeResolution:
		return true
	}
	return false
}

type RuleStatus string

const (
	RuleStatusPending   RuleStatus = "PENDING"
	RuleStatusSatisfied RuleStatus = "SATISFIED"
	RuleStatusVoid      RuleStatus = "VOID"
)

// Beneficiary is the party a movement pays out to.
type Beneficiary string

const (
	BeneficiaryLandlord Beneficiary = "LANDLORD"
	BeneficiaryTenant   Beneficiary = "TENANT"
)

func (b Beneficiary) IsValid() bool {
	return b == BeneficiaryLandlord || b == BeneficiaryTenant
}

// ReleaseRule is a condition under which a portion of the escrow may move.
// A rule is SATISFIED once its trigger held and its release was proposed; it is
// executed when TransactionID is set. It is never satisfied twice.
type ReleaseRule struct {
	ID             id.RuleID         `json:"id"`
	EscrowID       id.EscrowID       `json:"escrow_id"`
	TriggerType    TriggerType       `json:"trigger_type"`
	Amount         int64             `json:"amount"`
	Beneficiary    Beneficiary       `json:"beneficiary"`
	Status         RuleStatus        `json:"status"`
	DueDate        *time.Time        `json:"due_date,omitempty"`
	TransactionID  *id.TransactionID `json:"transaction_id,omitempty"`
	ReplacesRuleID *id.RuleID        `json:"replaces_rule_id,omitempty"`
	VoidReason     string            `json:"void_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewReleaseRule validates and returns a PENDING rule.
func NewReleaseRule(escrowID id.EscrowID, trigger TriggerType, amount int64, beneficiary Beneficiary, dueDate *time.Time, now time.Time) (*ReleaseRule, error) {
	if !trigger.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown trigger type %q", trigger)
	}
	if amount <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidAmount, "rule amount must be positive")
	}
	if beneficiary == "" {
		beneficiary = BeneficiaryLandlord
	}
	if !beneficiary.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown beneficiary %q", beneficiary)
	}
	if trigger == TriggerDateReached && dueDate == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "DATE_REACHED rules require a due date")
	}
	rule := &ReleaseRule{
		ID:          id.NewRuleID(),
		EscrowID:    escrowID,
		TriggerType: trigger,
		Amount:      amount,
		Beneficiary: beneficiary,
		Status:      RuleStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if dueDate != nil {
		d := dueDate.UTC()
		rule.DueDate = &d
	}
	return rule, nil
}

// IsExecuted reports whether the rule's release has been recorded.
func (r *ReleaseRule) IsExecuted() bool {
	return r.TransactionID != nil
}

// Reserves reports whether the rule holds back part of the balance: satisfied
// but not yet executed.
func (r *ReleaseRule) Reserves() bool {
	return r.Status == RuleStatusSatisfied && !r.IsExecuted()
}

func (r *ReleaseRule) ApplySatisfied(now time.Time) {
	r.Status = RuleStatusSatisfied
	r.UpdatedAt = now
}

func (r *ReleaseRule) ApplyExecuted(txID id.TransactionID, now time.Time) {
	r.TransactionID = &txID
	r.UpdatedAt = now
}

func (r *ReleaseRule) ApplyVoid(reason string, now time.Time) {
	r.Status = RuleStatusVoid
	r.VoidReason = reason
	r.UpdatedAt = now
}

// CloneAsReplacement returns a fresh PENDING rule with the same terms that
// records which rule it replaces.
func (r *ReleaseRule) CloneAsReplacement(now time.Time) *ReleaseRule {
	old := r.ID
	c := &ReleaseRule{
		ID:             id.NewRuleID(),
		EscrowID:       r.EscrowID,
		TriggerType:    r.TriggerType,
		Amount:         r.Amount,
		Beneficiary:    r.Beneficiary,
		Status:         RuleStatusPending,
		ReplacesRuleID: &old,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.DueDate != nil {
		d := *r.DueDate
		c.DueDate = &d
	}
	return c
}

// Clone returns a copy safe to mutate.
func (r *ReleaseRule) Clone() *ReleaseRule {
	if r == nil {
		return nil
	}
	c := *r
	if r.DueDate != nil {
		d := *r.DueDate
		c.DueDate = &d
	}
	if r.TransactionID != nil {
		t := *r.TransactionID
		c.TransactionID = &t
	}
	if r.ReplacesRuleID != nil {
		o := *r.ReplacesRuleID
		c.ReplacesRuleID = &o
	}
	return &c
}
