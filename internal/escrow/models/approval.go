package models

import (
	"time"

	id "nest/pkg/domain"
)

type SubjectType string

const (
	SubjectTransaction SubjectType = "TRANSACTION"
	SubjectReleaseRule SubjectType = "RELEASE_RULE"
)

func (s SubjectType) IsValid() bool {
	return s == SubjectTransaction || s == SubjectReleaseRule
}

type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	DecisionExpired  Decision = "EXPIRED"
)

// ApprovalRequest asks one role to consent to one subject before a deadline.
// The decision is write-once: it leaves PENDING exactly once.
type ApprovalRequest struct {
	ID           id.ApprovalID `json:"id"`
	EscrowID     id.EscrowID   `json:"escrow_id"`
	ApproverRole Role          `json:"approver_role"`
	SubjectType  SubjectType   `json:"subject_type"`
	SubjectID    string        `json:"subject_id"`
	Deadline     time.Time     `json:"deadline"`
	Decision     Decision      `json:"decision"`
	DecidedAt    *time.Time    `json:"decided_at,omitempty"`
	DecidedBy    string        `json:"decided_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (a *ApprovalRequest) IsPending() bool {
	return a.Decision == DecisionPending
}

// IsOverdue reports whether a PENDING request is past its deadline at now.
func (a *ApprovalRequest) IsOverdue(now time.Time) bool {
	return a.IsPending() && now.After(a.Deadline)
}

// Clone returns a copy safe to mutate.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	c := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}
