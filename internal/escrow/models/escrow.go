package models

import (
	"math"
	"strings"
	"time"

	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

// EscrowStatus is the lifecycle state of an escrow account.
type EscrowStatus string

const (
	StatusPending         EscrowStatus = "PENDING"
	StatusActive          EscrowStatus = "ACTIVE"
	StatusPartialReleased EscrowStatus = "PARTIAL_RELEASED"
	StatusFullyReleased   EscrowStatus = "FULLY_RELEASED"
	StatusDisputed        EscrowStatus = "DISPUTED"
)

func (s EscrowStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPartialReleased, StatusFullyReleased, StatusDisputed:
		return true
	}
	return false
}

// IsTerminal reports whether no further money movement is possible.
func (s EscrowStatus) IsTerminal() bool {
	return s == StatusFullyReleased
}

// PayoutAccount is a bank account number held encrypted, with a keyed hash for
// lookups. The plaintext never leaves the service.
type PayoutAccount struct {
	Ciphertext string `json:"payout_account,omitempty"`
	Hash       string `json:"payout_account_hash,omitempty"`
}

func (p PayoutAccount) IsZero() bool { return p.Ciphertext == "" }

// EscrowAccount is the aggregate root for money held in trust between one
// landlord and one tenant.
//
// Invariants:
//   - TotalAmount = DepositAmount + FirstMonthAmount + UtilitiesAmount, fixed at creation
//   - Status only changes through the escrow state machine
//   - Accounts are never deleted
type EscrowAccount struct {
	ID                id.EscrowID   `json:"id"`
	LandlordID        string        `json:"landlord_id"`
	TenantID          string        `json:"tenant_id"`
	DepositAmount     int64         `json:"deposit_amount"`
	FirstMonthAmount  int64         `json:"first_month_amount"`
	UtilitiesAmount   int64         `json:"utilities_amount"`
	TotalAmount       int64         `json:"total_amount"`
	Status            EscrowStatus  `json:"status"`
	PreDisputeStatus  EscrowStatus  `json:"pre_dispute_status,omitempty"`
	IntegrityHold     bool          `json:"integrity_hold"`
	DisputeResolvedAt *time.Time    `json:"dispute_resolved_at,omitempty"`
	LandlordPayout    PayoutAccount `json:"landlord_payout"`
	TenantPayout      PayoutAccount `json:"tenant_payout"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NewEscrowAccount validates the parties and committed amounts and returns a
// PENDING account.
func NewEscrowAccount(escrowID id.EscrowID, landlordID, tenantID string, deposit, firstMonth, utilities int64, now time.Time) (*EscrowAccount, error) {
	landlordID = strings.TrimSpace(landlordID)
	tenantID = strings.TrimSpace(tenantID)
	if landlordID == "" || tenantID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "landlord and tenant are required")
	}
	if landlordID == tenantID {
		return nil, dErrors.New(dErrors.CodeValidation, "landlord and tenant must be different parties")
	}
	if deposit < 0 || firstMonth < 0 || utilities < 0 {
		return nil, dErrors.New(dErrors.CodeInvalidAmount, "amounts must not be negative")
	}
	if deposit > math.MaxInt64-firstMonth || deposit+firstMonth > math.MaxInt64-utilities {
		return nil, dErrors.New(dErrors.CodeInvalidAmount, "committed total overflows")
	}
	total := deposit + firstMonth + utilities
	if total <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidAmount, "committed total must be positive")
	}
	return &EscrowAccount{
		ID:               escrowID,
		LandlordID:       landlordID,
		TenantID:         tenantID,
		DepositAmount:    deposit,
		FirstMonthAmount: firstMonth,
		UtilitiesAmount:  utilities,
		TotalAmount:      total,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// IsParty reports whether actor is this escrow's landlord or tenant acting in
// that role.
func (a *EscrowAccount) IsParty(actor Actor) bool {
	switch actor.Role {
	case RoleLandlord:
		return actor.ID == a.LandlordID
	case RoleTenant:
		return actor.ID == a.TenantID
	}
	return false
}

// PartyFor returns the party id that holds role on this escrow.
func (a *EscrowAccount) PartyFor(role Role) string {
	switch role {
	case RoleLandlord:
		return a.LandlordID
	case RoleTenant:
		return a.TenantID
	}
	return ""
}

// Clone returns a copy safe to mutate.
func (a *EscrowAccount) Clone() *EscrowAccount {
	if a == nil {
		return nil
	}
	c := *a
	if a.DisputeResolvedAt != nil {
		t := *a.DisputeResolvedAt
		c.DisputeResolvedAt = &t
	}
	return &c
}

// Totals are per-type ledger sums for one escrow.
type Totals struct {
	Funded   int64 `json:"funded"`
	Released int64 `json:"released"`
	Refunded int64 `json:"refunded"`
	Adjusted int64 `json:"adjusted"`
}

// Balance is sum(FUND) - sum(RELEASE) - sum(REFUND) + sum(ADJUSTMENT).
func (t Totals) Balance() int64 {
	return t.Funded - t.Released - t.Refunded + t.Adjusted
}

// PaidOut is the money that has left the escrow.
func (t Totals) PaidOut() int64 {
	return t.Released + t.Refunded
}

// ArbiterDecision is the outcome of a dispute: how much goes to the landlord,
// how much back to the tenant.
type ArbiterDecision struct {
	ReleaseToLandlord int64  `json:"release_to_landlord"`
	RefundToTenant    int64  `json:"refund_to_tenant"`
	Reason            string `json:"reason"`
}

// EscrowView is an account with its live balance.
type EscrowView struct {
	*EscrowAccount
	Balance int64  `json:"balance"`
	Totals  Totals `json:"totals"`
}
