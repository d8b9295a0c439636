package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nest/internal/escrow/approval"
	"nest/internal/escrow/events"
	"nest/internal/escrow/models"
	"nest/internal/policy"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/sentinel"
	"nest/pkg/requestcontext"
)

// Decide records the caller's decision on one approval request. Deciding
// never executes the subject; RequestRelease or ExecuteProposal does.
func (s *Service) Decide(ctx context.Context, approvalID id.ApprovalID, decision models.Decision) (*models.ApprovalRequest, error) {
	pending, err := s.approvals.FindByID(ctx, approvalID)
	if err != nil {
		return nil, translate(err, "approval request")
	}

	var decided *models.ApprovalRequest
	t := target{escrowID: pending.EscrowID.String(), entity: "approval", entityID: approvalID.String()}
	err = s.mutate(ctx, policy.OpDecide, t, func(ctx context.Context, w *work) error {
		account, err := s.loadAccount(ctx, w, pending.EscrowID)
		if err != nil {
			return err
		}
		req, err := s.approvals.FindByID(ctx, approvalID)
		if err != nil {
			return translate(err, "approval request")
		}
		next, err := approval.Decide(req, account, w.actor, decision, w.now)
		if err != nil {
			return err
		}
		if err := s.approvals.UpdateDecision(ctx, next); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeAlreadyDecided, "approval request was decided concurrently")
			}
			return translate(err, "approval request")
		}
		if err := s.record(ctx, w, "approval.decided", "approval", req.ID.String(), req, next); err != nil {
			return err
		}
		if next.Decision == models.DecisionRejected {
			if err := s.voidVetoed(ctx, w, next); err != nil {
				return err
			}
		}
		decided = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decided, nil
}

// voidVetoed voids the subject a rejection vetoed so it no longer holds back
// balance or allocation. ReraiseApprovals clones it under a new id.
func (s *Service) voidVetoed(ctx context.Context, w *work, req *models.ApprovalRequest) error {
	reason := fmt.Sprintf("vetoed by %s", req.ApproverRole)
	switch req.SubjectType {
	case models.SubjectReleaseRule:
		ruleID, err := id.ParseRuleID(req.SubjectID)
		if err != nil {
			return err
		}
		rule, err := s.loadRule(ctx, req.EscrowID, ruleID)
		if err != nil {
			return err
		}
		if rule.Status != models.RuleStatusSatisfied || rule.IsExecuted() {
			return nil
		}
		return s.voidRule(ctx, w, rule, reason)
	case models.SubjectTransaction:
		proposalID, err := id.ParseProposalID(req.SubjectID)
		if err != nil {
			return err
		}
		p, err := s.proposals.FindByID(ctx, proposalID)
		if err != nil {
			return translate(err, "proposal")
		}
		if p.Status != models.ProposalProposed {
			return nil
		}
		return s.voidProposal(ctx, w, p)
	}
	return nil
}

// SweepResult lists what one sweep expired and how many items it could not
// process.
type SweepResult struct {
	Expired []*models.ApprovalRequest `json:"expired"`
	Failed  int                       `json:"failed"`
}

// ExpireOverdue moves PENDING requests past their deadline to EXPIRED. Each
// request is handled under its escrow's lock in its own transaction and is
// skipped if someone else got to it first, so repeated or concurrent sweeps
// expire the same set.
func (s *Service) ExpireOverdue(ctx context.Context) (*SweepResult, error) {
	actor := actorFrom(ctx)
	if err := policy.Require(actor, policy.OpExpireOverdue, false); err != nil {
		s.refuse(ctx, policy.OpExpireOverdue, target{entity: "approval"}, err)
		return nil, err
	}
	now := requestcontext.Now(ctx).UTC()
	overdue, err := s.approvals.ListOverdue(ctx, now, s.sweepBatch)
	if err != nil {
		return nil, translate(err, "approval requests")
	}

	result := &SweepResult{}
	for _, candidate := range overdue {
		expired, err := s.expireOne(requestcontext.WithTime(ctx, now), candidate)
		if err != nil {
			result.Failed++
			s.logger.ErrorContext(ctx, "failed to expire approval request",
				"approval_id", candidate.ID.String(),
				"escrow_id", candidate.EscrowID.String(),
				"error", err,
			)
			continue
		}
		if expired != nil {
			result.Expired = append(result.Expired, expired)
		}
	}
	if s.metrics != nil && len(result.Expired) > 0 {
		s.metrics.AddApprovalsExpired(len(result.Expired))
	}
	if len(result.Expired) > 0 || result.Failed > 0 {
		s.logger.InfoContext(ctx, "approval sweep finished",
			"log_type", "audit",
			"expired", len(result.Expired),
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (s *Service) expireOne(ctx context.Context, candidate *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	var expired *models.ApprovalRequest
	t := target{escrowID: candidate.EscrowID.String(), entity: "approval", entityID: candidate.ID.String()}
	err := s.mutate(ctx, policy.OpExpireOverdue, t, func(ctx context.Context, w *work) error {
		if _, err := s.loadAccount(ctx, w, candidate.EscrowID); err != nil {
			return err
		}
		current, err := s.approvals.FindByID(ctx, candidate.ID)
		if err != nil {
			return translate(err, "approval request")
		}
		if !current.IsOverdue(w.now) {
			return nil
		}
		next, err := approval.Expire(current, w.now)
		if err != nil {
			return err
		}
		if err := s.approvals.UpdateDecision(ctx, next); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return nil
			}
			return translate(err, "approval request")
		}
		if err := s.record(ctx, w, "approval.expired", "approval", next.ID.String(), current, next); err != nil {
			return err
		}
		e := events.New(events.DeadlineExpired, next.EscrowID.String(), w.now)
		e.ApprovalID = next.ID.String()
		e.ApproverRole = string(next.ApproverRole)
		e.SubjectType = string(next.SubjectType)
		e.SubjectID = next.SubjectID
		deadline := next.Deadline
		e.Deadline = &deadline
		w.emit(e)
		expired = next
		return nil
	})
	return expired, err
}

// Overdue lists PENDING requests past their deadline as of now without
// changing them.
func (s *Service) Overdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	if err := policy.Require(actorFrom(ctx), policy.OpExpireOverdue, false); err != nil {
		return nil, err
	}
	list, err := s.approvals.ListOverdue(ctx, now, s.sweepBatch)
	if err != nil {
		return nil, translate(err, "approval requests")
	}
	return approval.Overdue(list, now), nil
}
