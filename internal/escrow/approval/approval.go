// Package approval gates a subject (a release rule or a transaction proposal)
// behind the decisions of the required roles.
//
// Decisions are write-once. The latest request per role counts: a REJECTED
// decision anywhere vetoes the subject for good, and an EXPIRED latest request
// blocks it until the approvals are re-raised.
package approval

import (
	"sort"
	"time"

	"nest/internal/escrow/models"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

// DefaultWindow is the time approvers have to decide.
const DefaultWindow = 7 * 24 * time.Hour

type Resolution string

const (
	Approved Resolution = "APPROVED"
	Pending  Resolution = "PENDING"
	Vetoed   Resolution = "VETOED"
	Blocked  Resolution = "BLOCKED"
)

// NewRequests creates one PENDING request per role for the subject.
func NewRequests(escrowID id.EscrowID, subjectType models.SubjectType, subjectID string, roles []models.Role, now time.Time, window time.Duration) []*models.ApprovalRequest {
	if window <= 0 {
		window = DefaultWindow
	}
	out := make([]*models.ApprovalRequest, 0, len(roles))
	for _, role := range roles {
		out = append(out, &models.ApprovalRequest{
			ID:           id.NewApprovalID(),
			EscrowID:     escrowID,
			ApproverRole: role,
			SubjectType:  subjectType,
			SubjectID:    subjectID,
			Deadline:     now.Add(window),
			Decision:     models.DecisionPending,
			CreatedAt:    now,
		})
	}
	return out
}

// Decide records actor's decision on req and returns the decided copy; req is
// left untouched.
func Decide(req *models.ApprovalRequest, account *models.EscrowAccount, actor models.Actor, decision models.Decision, now time.Time) (*models.ApprovalRequest, error) {
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, dErrors.Newf(dErrors.CodeValidation, "decision must be APPROVED or REJECTED, got %q", decision)
	}
	if err := CanDecide(req, account, actor); err != nil {
		return nil, err
	}
	switch {
	case !req.IsPending():
		return nil, dErrors.Newf(dErrors.CodeAlreadyDecided, "approval request already %s", req.Decision)
	case now.After(req.Deadline):
		return nil, dErrors.Newf(dErrors.CodeDeadlineExpired, "approval deadline passed at %s", req.Deadline.UTC().Format(time.RFC3339))
	}
	decided := req.Clone()
	decided.Decision = decision
	decided.DecidedAt = &now
	decided.DecidedBy = actor.ID
	return decided, nil
}

// CanDecide checks actor holds the request's role, and for party roles is the
// party of this escrow.
func CanDecide(req *models.ApprovalRequest, account *models.EscrowAccount, actor models.Actor) error {
	if actor.Role != req.ApproverRole {
		return dErrors.Newf(dErrors.CodeNotAuthorized, "request requires %s, actor is %s", req.ApproverRole, actor.Role)
	}
	switch actor.Role {
	case models.RoleLandlord, models.RoleTenant:
		if !account.IsParty(actor) {
			return dErrors.New(dErrors.CodeNotAuthorized, "actor is not a party to this escrow")
		}
	case models.RoleArbiter:
	default:
		return dErrors.Newf(dErrors.CodeNotAuthorized, "role %s cannot decide approvals", actor.Role)
	}
	return nil
}

// Latest returns the newest request per role.
func Latest(requests []*models.ApprovalRequest) map[models.Role]*models.ApprovalRequest {
	latest := make(map[models.Role]*models.ApprovalRequest)
	for _, r := range requests {
		cur, ok := latest[r.ApproverRole]
		if !ok || !r.CreatedAt.Before(cur.CreatedAt) {
			latest[r.ApproverRole] = r
		}
	}
	return latest
}

// Resolve folds the requests of one subject against the required roles.
// Precedence: Vetoed, Blocked, Pending, Approved.
func Resolve(requests []*models.ApprovalRequest, required []models.Role) Resolution {
	for _, r := range requests {
		if r.Decision == models.DecisionRejected {
			return Vetoed
		}
	}
	latest := Latest(requests)
	resolution := Approved
	for _, role := range required {
		r, ok := latest[role]
		switch {
		case !ok:
			resolution = Pending
		case r.Decision == models.DecisionExpired:
			return Blocked
		case r.Decision == models.DecisionPending:
			resolution = Pending
		}
	}
	return resolution
}

// IsSubjectActionable reports whether every required role's latest request is
// APPROVED and nothing was rejected.
func IsSubjectActionable(requests []*models.ApprovalRequest, required []models.Role) bool {
	return Resolve(requests, required) == Approved
}

// Overdue returns the PENDING requests whose deadline has passed, oldest first.
func Overdue(requests []*models.ApprovalRequest, now time.Time) []*models.ApprovalRequest {
	var out []*models.ApprovalRequest
	for _, r := range requests {
		if r.IsOverdue(now) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Expire returns the EXPIRED copy of an overdue request.
func Expire(req *models.ApprovalRequest, now time.Time) (*models.ApprovalRequest, error) {
	if !req.IsPending() {
		return nil, dErrors.Newf(dErrors.CodeAlreadyDecided, "approval request already %s", req.Decision)
	}
	if !now.After(req.Deadline) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "approval request is not past its deadline")
	}
	expired := req.Clone()
	expired.Decision = models.DecisionExpired
	expired.DecidedAt = &now
	expired.DecidedBy = models.SystemActor.ID
	return expired, nil
}

// RolesToReraise lists required roles whose latest request is EXPIRED or
// missing; approved roles keep their approval.
func RolesToReraise(requests []*models.ApprovalRequest, required []models.Role) []models.Role {
	latest := Latest(requests)
	var out []models.Role
	for _, role := range required {
		r, ok := latest[role]
		if !ok || r.Decision == models.DecisionExpired {
			out = append(out, role)
		}
	}
	return out
}
