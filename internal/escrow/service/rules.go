package service

import (
	"context"
	"fmt"
	"time"

	"nest/internal/escrow/approval"
	"nest/internal/escrow/events"
	"nest/internal/escrow/ledger"
	"nest/internal/escrow/models"
	"nest/internal/escrow/rules"
	"nest/internal/escrow/statemachine"
	"nest/internal/policy"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

type AddRuleRequest struct {
	TriggerType models.TriggerType `json:"trigger_type"`
	Amount      int64              `json:"amount"`
	Beneficiary models.Beneficiary `json:"beneficiary,omitempty"`
	DueDate     *time.Time         `json:"due_date,omitempty"`
}

// AddRule attaches a release rule to an escrow. A rule that would push the
// allocated total past the committed total is stored as VOID and the call
// fails with OverAllocation.
func (s *Service) AddRule(ctx context.Context, escrowID id.EscrowID, req AddRuleRequest) (*models.ReleaseRule, error) {
	var added *models.ReleaseRule
	err := s.mutate(ctx, policy.OpAddRule, escrowTarget(escrowID), func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if account.Status.IsTerminal() {
			return dErrors.Newf(dErrors.CodeIllegalTransition, "cannot add rules to escrow in status %s", account.Status)
		}
		rule, err := models.NewReleaseRule(escrowID, req.TriggerType, req.Amount, req.Beneficiary, req.DueDate, w.now)
		if err != nil {
			return err
		}
		existing, err := s.rules.ListByEscrow(ctx, escrowID)
		if err != nil {
			return translate(err, "rules")
		}
		refused := rules.CheckCreation(account.TotalAmount, existing, rule.Amount)
		if refused != nil {
			rule.ApplyVoid(errorMessage(refused), w.now)
		}
		if err := s.rules.Create(ctx, rule); err != nil {
			return translate(err, "rule")
		}
		if err := s.record(ctx, w, "rule.created", "rule", rule.ID.String(), nil, rule); err != nil {
			return err
		}
		added = rule
		if refused != nil {
			return w.keep(refused)
		}
		return nil
	})
	switch {
	case err == nil:
		return added, nil
	case dErrors.HasCode(err, dErrors.CodeOverAllocation) && added != nil:
		// The rule is kept as VOID.
		return added, err
	}
	return nil, err
}

// ReleaseRequest carries the external facts a rule is evaluated against.
type ReleaseRequest struct {
	MoveInConfirmed bool `json:"move_in_confirmed"`
}

// ReleaseResult reports where a release request left the rule. Transaction
// is set once money has moved; otherwise Approvals lists what is awaited.
type ReleaseResult struct {
	Rule        *models.ReleaseRule       `json:"rule"`
	Approvals   []*models.ApprovalRequest `json:"approvals,omitempty"`
	Transaction *models.Transaction       `json:"transaction,omitempty"`
}

// RequestRelease drives a rule forward. A PENDING rule is evaluated and, when
// its trigger holds and its amount fits the free balance, marked SATISFIED
// with one approval request per required role; with no required roles it
// executes at once. A SATISFIED rule executes when its approvals resolve to
// approved and fails with InsufficientApproval otherwise.
func (s *Service) RequestRelease(ctx context.Context, escrowID id.EscrowID, ruleID id.RuleID, req ReleaseRequest) (*ReleaseResult, error) {
	result := &ReleaseResult{}
	t := target{escrowID: escrowID.String(), entity: "rule", entityID: ruleID.String()}
	err := s.mutate(ctx, policy.OpRequestRelease, t, func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if err := ensureNoHold(account); err != nil {
			return err
		}
		rule, err := s.loadRule(ctx, escrowID, ruleID)
		if err != nil {
			return err
		}
		result.Rule = rule

		switch {
		case rule.Status == models.RuleStatusVoid:
			vetoed, err := s.isVetoed(ctx, models.SubjectReleaseRule, rule.ID.String())
			if err != nil {
				return err
			}
			if vetoed {
				return dErrors.Newf(dErrors.CodeInsufficientApproval, "release approvals are %s", approval.Vetoed)
			}
			return dErrors.Newf(dErrors.CodeIllegalTransition, "rule is void: %s", rule.VoidReason)
		case rule.IsExecuted():
			return dErrors.New(dErrors.CodeIllegalTransition, "rule has already been released")
		case rule.Status == models.RuleStatusSatisfied:
			return s.releaseApproved(ctx, w, account, rule, result)
		}

		facts := rules.Facts{
			MoveInConfirmed: req.MoveInConfirmed,
			Now:             w.now,
			MutualAgreement: account.IsParty(w.actor),
			DisputeResolved: account.DisputeResolvedAt != nil,
			AccountStatus:   account.Status,
		}
		switch rules.Evaluate(rule, facts) {
		case rules.Void:
			return dErrors.Newf(dErrors.CodeIllegalTransition, "rule can no longer be satisfied in status %s", account.Status)
		case rules.NotYetSatisfied:
			return dErrors.Newf(dErrors.CodeIllegalTransition, "trigger %s does not hold", rule.TriggerType)
		}

		if err := s.checkFits(ctx, w, account, rule); err != nil {
			if dErrors.HasCode(err, dErrors.CodeOverAllocation) {
				if verr := s.voidRule(ctx, w, rule, errorMessage(err)); verr != nil {
					return verr
				}
				return w.keep(err)
			}
			return err
		}

		before := rule.Clone()
		rule.ApplySatisfied(w.now)
		if err := s.rules.Update(ctx, rule); err != nil {
			return translate(err, "rule")
		}
		if err := s.record(ctx, w, "rule.satisfied", "rule", rule.ID.String(), before, rule); err != nil {
			return err
		}

		required := s.matrix.RequiredApprovers(rule.TriggerType)
		if len(required) == 0 {
			txn, err := s.executeRule(ctx, w, account, rule, nil)
			if err != nil {
				return err
			}
			result.Transaction = txn
			return nil
		}
		raised, err := s.raiseApprovals(ctx, w, escrowID, models.SubjectReleaseRule, rule.ID.String(), required)
		if err != nil {
			return err
		}
		result.Approvals = raised
		return nil
	})
	switch {
	case err == nil:
		s.countLedger(result.Transaction)
		return result, nil
	case dErrors.HasCode(err, dErrors.CodeOverAllocation) && result.Rule != nil:
		return result, err
	}
	return nil, err
}

// releaseApproved executes a SATISFIED rule whose approvals resolve to approved.
func (s *Service) releaseApproved(ctx context.Context, w *work, account *models.EscrowAccount, rule *models.ReleaseRule, result *ReleaseResult) error {
	requests, err := s.approvals.ListBySubject(ctx, models.SubjectReleaseRule, rule.ID.String())
	if err != nil {
		return translate(err, "approvals")
	}
	result.Approvals = requests
	required := s.matrix.RequiredApprovers(rule.TriggerType)
	if res := approval.Resolve(requests, required); res != approval.Approved {
		return dErrors.Newf(dErrors.CodeInsufficientApproval, "release approvals are %s", res)
	}
	txn, err := s.executeRule(ctx, w, account, rule, lastApproval(requests))
	if err != nil {
		return err
	}
	result.Transaction = txn
	return nil
}

// checkFits applies the satisfaction check against the live balance minus
// what other satisfied rules and open proposals already hold back.
func (s *Service) checkFits(ctx context.Context, w *work, account *models.EscrowAccount, rule *models.ReleaseRule) error {
	totals, err := s.ledger.Totals(ctx, account.ID)
	if err != nil {
		return err
	}
	all, err := s.rules.ListByEscrow(ctx, account.ID)
	if err != nil {
		return translate(err, "rules")
	}
	proposals, err := s.proposals.ListByEscrow(ctx, account.ID)
	if err != nil {
		return translate(err, "proposals")
	}
	return rules.CheckSatisfaction(totals.Balance(), rules.Reserved(all, proposals, rule), rule.Amount)
}

func (s *Service) voidRule(ctx context.Context, w *work, rule *models.ReleaseRule, reason string) error {
	before := rule.Clone()
	rule.ApplyVoid(reason, w.now)
	if err := s.rules.Update(ctx, rule); err != nil {
		return translate(err, "rule")
	}
	return s.record(ctx, w, "rule.voided", "rule", rule.ID.String(), before, rule)
}

// executeRule records the rule's payout: RELEASE to the landlord or REFUND to
// the tenant. Both are a Released event for the state machine.
func (s *Service) executeRule(ctx context.Context, w *work, account *models.EscrowAccount, rule *models.ReleaseRule, approvalID *id.ApprovalID) (*models.Transaction, error) {
	if err := ensureAllowed(account, statemachine.EventReleased); err != nil {
		return nil, err
	}
	txType := models.TransactionRelease
	if rule.Beneficiary == models.BeneficiaryTenant {
		txType = models.TransactionRefund
	}
	ruleID := rule.ID
	txn, err := s.ledger.Record(ctx, ledger.RecordRequest{
		EscrowID:    account.ID,
		Type:        txType,
		Amount:      rule.Amount,
		Reason:      fmt.Sprintf("release rule %s", rule.TriggerType),
		Beneficiary: rule.Beneficiary,
		ApprovalID:  approvalID,
		RuleID:      &ruleID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, w, ledgerOp(txType), "transaction", txn.ID.String(), nil, txn); err != nil {
		return nil, err
	}

	before := rule.Clone()
	rule.ApplyExecuted(txn.ID, w.now)
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, translate(err, "rule")
	}
	if err := s.record(ctx, w, "rule.executed", "rule", rule.ID.String(), before, rule); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, w, account, statemachine.EventReleased); err != nil {
		return nil, err
	}
	w.emit(executedEvent(txn, w.now))
	return txn, nil
}

func executedEvent(txn *models.Transaction, at time.Time) events.Event {
	e := events.New(events.ReleaseExecuted, txn.EscrowID.String(), at)
	e.TransactionID = txn.ID.String()
	e.TxType = string(txn.Type)
	e.Amount = txn.Amount
	e.Beneficiary = string(txn.Beneficiary)
	e.Reason = txn.Reason
	return e
}

// raiseApprovals creates and audits one PENDING request per role.
func (s *Service) raiseApprovals(ctx context.Context, w *work, escrowID id.EscrowID, subject models.SubjectType, subjectID string, roles []models.Role) ([]*models.ApprovalRequest, error) {
	requests := approval.NewRequests(escrowID, subject, subjectID, roles, w.now, s.window)
	for _, r := range requests {
		if err := s.approvals.Create(ctx, r); err != nil {
			return nil, translate(err, "approval")
		}
		if err := s.record(ctx, w, "approval.requested", "approval", r.ID.String(), nil, r); err != nil {
			return nil, err
		}
		e := events.New(events.ApprovalRequested, escrowID.String(), w.now)
		e.ApprovalID = r.ID.String()
		e.ApproverRole = string(r.ApproverRole)
		e.SubjectType = string(r.SubjectType)
		e.SubjectID = r.SubjectID
		deadline := r.Deadline
		e.Deadline = &deadline
		w.emit(e)
	}
	return requests, nil
}

// lastApproval is the most recent APPROVED request, the one that made the
// subject actionable.
func lastApproval(requests []*models.ApprovalRequest) *id.ApprovalID {
	var last *models.ApprovalRequest
	for _, r := range requests {
		if r.Decision != models.DecisionApproved || r.DecidedAt == nil {
			continue
		}
		if last == nil || r.DecidedAt.After(*last.DecidedAt) {
			last = r
		}
	}
	if last == nil {
		return nil
	}
	approvalID := last.ID
	return &approvalID
}

func (s *Service) loadRule(ctx context.Context, escrowID id.EscrowID, ruleID id.RuleID) (*models.ReleaseRule, error) {
	rule, err := s.rules.FindByID(ctx, ruleID)
	if err != nil {
		return nil, translate(err, "rule")
	}
	if rule.EscrowID != escrowID {
		return nil, dErrors.New(dErrors.CodeNotFound, "rule not found")
	}
	return rule, nil
}

// ReraiseResult names the subject that now carries the approvals. After a
// veto it is a replacement of the original subject.
type ReraiseResult struct {
	SubjectType models.SubjectType        `json:"subject_type"`
	SubjectID   string                    `json:"subject_id"`
	Replaced    string                    `json:"replaced,omitempty"`
	Approvals   []*models.ApprovalRequest `json:"approvals"`
}

// ReraiseApprovals reopens a stalled subject. A vetoed subject is voided and
// cloned under a new id with a full set of fresh requests; a subject blocked
// by expired requests gets new requests for those roles only.
func (s *Service) ReraiseApprovals(ctx context.Context, escrowID id.EscrowID, subject models.SubjectType, subjectID string) (*ReraiseResult, error) {
	if !subject.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown subject type %q", subject)
	}
	var result *ReraiseResult
	t := target{escrowID: escrowID.String(), entity: subjectEntity(subject), entityID: subjectID}
	err := s.mutate(ctx, policy.OpReraise, t, func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, escrowID)
		if err != nil {
			return err
		}
		if err := ensureNoHold(account); err != nil {
			return err
		}
		switch subject {
		case models.SubjectReleaseRule:
			result, err = s.reraiseRule(ctx, w, account, subjectID)
		default:
			result, err = s.reraiseProposal(ctx, w, account, subjectID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func subjectEntity(subject models.SubjectType) string {
	if subject == models.SubjectReleaseRule {
		return "rule"
	}
	return "proposal"
}

func (s *Service) reraiseRule(ctx context.Context, w *work, account *models.EscrowAccount, subjectID string) (*ReraiseResult, error) {
	escrowID := account.ID
	ruleID, err := id.ParseRuleID(subjectID)
	if err != nil {
		return nil, err
	}
	rule, err := s.loadRule(ctx, escrowID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.IsExecuted() {
		return nil, dErrors.New(dErrors.CodeIllegalTransition, "rule has already been released")
	}
	required := s.matrix.RequiredApprovers(rule.TriggerType)
	requests, err := s.approvals.ListBySubject(ctx, models.SubjectReleaseRule, subjectID)
	if err != nil {
		return nil, translate(err, "approvals")
	}

	if approval.Resolve(requests, required) == approval.Vetoed {
		return s.replaceVetoedRule(ctx, w, account, rule, required)
	}
	if rule.Status != models.RuleStatusSatisfied {
		return nil, dErrors.New(dErrors.CodeIllegalTransition, "only a satisfied, unreleased rule awaits approvals")
	}
	raised, err := s.reraiseMissing(ctx, w, escrowID, models.SubjectReleaseRule, subjectID, requests, required)
	if err != nil {
		return nil, err
	}
	return &ReraiseResult{SubjectType: models.SubjectReleaseRule, SubjectID: subjectID, Approvals: raised}, nil
}

// replaceVetoedRule clones a vetoed rule as a new SATISFIED rule with a full
// set of requests. The clone must fit the allocation and the free balance
// again; a vetoed rule is replaced at most once.
func (s *Service) replaceVetoedRule(ctx context.Context, w *work, account *models.EscrowAccount, rule *models.ReleaseRule, required []models.Role) (*ReraiseResult, error) {
	escrowID := account.ID
	if rule.Status != models.RuleStatusVoid {
		if err := s.voidRule(ctx, w, rule, "vetoed"); err != nil {
			return nil, err
		}
	}
	existing, err := s.rules.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, translate(err, "rules")
	}
	for _, other := range existing {
		if other.ReplacesRuleID != nil && *other.ReplacesRuleID == rule.ID {
			return nil, dErrors.Newf(dErrors.CodeIllegalTransition, "rule was already re-raised as %s", other.ID)
		}
	}
	if err := rules.CheckCreation(account.TotalAmount, existing, rule.Amount); err != nil {
		return nil, err
	}
	replacement := rule.CloneAsReplacement(w.now)
	if err := s.checkFits(ctx, w, account, replacement); err != nil {
		return nil, err
	}
	replacement.ApplySatisfied(w.now)
	if err := s.rules.Create(ctx, replacement); err != nil {
		return nil, translate(err, "rule")
	}
	if err := s.record(ctx, w, "rule.reraised", "rule", replacement.ID.String(), nil, replacement); err != nil {
		return nil, err
	}
	raised, err := s.raiseApprovals(ctx, w, escrowID, models.SubjectReleaseRule, replacement.ID.String(), required)
	if err != nil {
		return nil, err
	}
	return &ReraiseResult{
		SubjectType: models.SubjectReleaseRule,
		SubjectID:   replacement.ID.String(),
		Replaced:    rule.ID.String(),
		Approvals:   raised,
	}, nil
}

// isVetoed reports whether any request of the subject was rejected.
func (s *Service) isVetoed(ctx context.Context, subject models.SubjectType, subjectID string) (bool, error) {
	requests, err := s.approvals.ListBySubject(ctx, subject, subjectID)
	if err != nil {
		return false, translate(err, "approvals")
	}
	return approval.Resolve(requests, nil) == approval.Vetoed, nil
}

// reraiseMissing raises new requests for roles whose latest request expired
// or never existed. Approved roles keep their approval.
func (s *Service) reraiseMissing(ctx context.Context, w *work, escrowID id.EscrowID, subject models.SubjectType, subjectID string, requests []*models.ApprovalRequest, required []models.Role) ([]*models.ApprovalRequest, error) {
	roles := approval.RolesToReraise(requests, required)
	if len(roles) == 0 {
		return nil, dErrors.New(dErrors.CodeIllegalTransition, "no approvals to re-raise")
	}
	return s.raiseApprovals(ctx, w, escrowID, subject, subjectID, roles)
}
