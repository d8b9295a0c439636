// Package domain holds the typed identifiers shared across the escrow core.
// Each identifier wraps a UUID in its own type so an approval id can never be
// passed where an escrow id is expected.
package domain

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"

	dErrors "nest/pkg/domain-errors"
)

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "missing %s id", label)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid %s id", label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "nil %s id", label)
	}
	return u, nil
}

func scanUUID(src any) (uuid.UUID, error) {
	var u uuid.UUID
	if src == nil {
		return uuid.Nil, nil
	}
	if err := u.Scan(src); err != nil {
		return uuid.Nil, fmt.Errorf("scan uuid: %w", err)
	}
	return u, nil
}

// EscrowID identifies an escrow.
type EscrowID uuid.UUID

// NewEscrowID returns a fresh random EscrowID.
func NewEscrowID() EscrowID { return EscrowID(uuid.New()) }

// ParseEscrowID parses s, rejecting empty, malformed and nil UUIDs.
func ParseEscrowID(s string) (EscrowID, error) {
	u, err := parseUUID(s, "escrow")
	return EscrowID(u), err
}

func (id EscrowID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether id is the zero UUID.
func (id EscrowID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id EscrowID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EscrowID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid escrow id")
	}
	*id = EscrowID(u)
	return nil
}

func (id EscrowID) Value() (driver.Value, error) { return id.String(), nil }

func (id *EscrowID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = EscrowID(u)
	return nil
}

// RuleID identifies a rule.
type RuleID uuid.UUID

// NewRuleID returns a fresh random RuleID.
func NewRuleID() RuleID { return RuleID(uuid.New()) }

// ParseRuleID parses s, rejecting empty, malformed and nil UUIDs.
func ParseRuleID(s string) (RuleID, error) {
	u, err := parseUUID(s, "rule")
	return RuleID(u), err
}

func (id RuleID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether id is the zero UUID.
func (id RuleID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id RuleID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RuleID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid rule id")
	}
	*id = RuleID(u)
	return nil
}

func (id RuleID) Value() (driver.Value, error) { return id.String(), nil }

func (id *RuleID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = RuleID(u)
	return nil
}

// TransactionID identifies a transaction.
type TransactionID uuid.UUID

// NewTransactionID returns a fresh random TransactionID.
func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }

// ParseTransactionID parses s, rejecting empty, malformed and nil UUIDs.
func ParseTransactionID(s string) (TransactionID, error) {
	u, err := parseUUID(s, "transaction")
	return TransactionID(u), err
}

func (id TransactionID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether id is the zero UUID.
func (id TransactionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id TransactionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TransactionID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid transaction id")
	}
	*id = TransactionID(u)
	return nil
}

func (id TransactionID) Value() (driver.Value, error) { return id.String(), nil }

func (id *TransactionID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = TransactionID(u)
	return nil
}

// ApprovalID identifies an approval.
type ApprovalID uuid.UUID

// NewApprovalID returns a fresh random ApprovalID.
func NewApprovalID() ApprovalID { return ApprovalID(uuid.New()) }

// ParseApprovalID parses s, rejecting empty, malformed and nil UUIDs.
func ParseApprovalID(s string) (ApprovalID, error) {
	u, err := parseUUID(s, "approval")
	return ApprovalID(u), err
}

func (id ApprovalID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether id is the zero UUID.
func (id ApprovalID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id ApprovalID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ApprovalID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid approval id")
	}
	*id = ApprovalID(u)
	return nil
}

func (id ApprovalID) Value() (driver.Value, error) { return id.String(), nil }

func (id *ApprovalID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = ApprovalID(u)
	return nil
}

// ProposalID identifies a proposal.
type ProposalID uuid.UUID

// NewProposalID returns a fresh random ProposalID.
func NewProposalID() ProposalID { return ProposalID(uuid.New()) }

// ParseProposalID parses s, rejecting empty, malformed and nil UUIDs.
func ParseProposalID(s string) (ProposalID, error) {
	u, err := parseUUID(s, "proposal")
	return ProposalID(u), err
}

func (id ProposalID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether id is the zero UUID.
func (id ProposalID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id ProposalID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ProposalID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid proposal id")
	}
	*id = ProposalID(u)
	return nil
}

func (id ProposalID) Value() (driver.Value, error) { return id.String(), nil }

func (id *ProposalID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = ProposalID(u)
	return nil
}

// EntryID identifies an audit entry.
type EntryID uuid.UUID

// NewEntryID returns a fresh random EntryID.
func NewEntryID() EntryID { return EntryID(uuid.New()) }

// ParseEntryID parses s, rejecting empty, malformed and nil UUIDs.
func ParseEntryID(s string) (EntryID, error) {
	u, err := parseUUID(s, "audit entry")
	return EntryID(u), err
}

func (id EntryID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether id is the zero UUID.
func (id EntryID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id EntryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EntryID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid audit entry id")
	}
	*id = EntryID(u)
	return nil
}

func (id EntryID) Value() (driver.Value, error) { return id.String(), nil }

func (id *EntryID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}
	*id = EntryID(u)
	return nil
}
