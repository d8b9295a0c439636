// Package events is the notification port of the escrow core. Events are
// published after the transaction that produced them commits; a failed
// publish never undoes the ledger.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ApprovalRequested   Type = "ApprovalRequested"
	EscrowStatusChanged Type = "EscrowStatusChanged"
	DeadlineExpired     Type = "DeadlineExpired"
	ReleaseExecuted     Type = "ReleaseExecuted"
	IntegrityViolation  Type = "IntegrityViolation"
)

// Event is the envelope handed to notification dispatchers. Only the fields
// relevant to Type are set.
type Event struct {
	ID            string     `json:"id"`
	Type          Type       `json:"type"`
	EscrowID      string     `json:"escrow_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
	RequestID     string     `json:"request_id,omitempty"`
	ApprovalID    string     `json:"approval_id,omitempty"`
	ApproverRole  string     `json:"approver_role,omitempty"`
	SubjectType   string     `json:"subject_type,omitempty"`
	SubjectID     string     `json:"subject_id,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	FromStatus    string     `json:"from_status,omitempty"`
	ToStatus      string     `json:"to_status,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	TxType        string     `json:"transaction_type,omitempty"`
	Amount        int64      `json:"amount,omitempty"`
	Beneficiary   string     `json:"beneficiary,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// New stamps an event with a fresh id and the given time.
func New(t Type, escrowID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		EscrowID:   escrowID,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events to the notification dispatcher.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Fanout publishes to every publisher and returns the first error after
// trying all of them.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, events ...Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, events...); err != nil && first == nil {
			first = err
		}
	}
	return first
}
