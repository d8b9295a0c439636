package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "nest/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs"
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseEscrowID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseEscrowID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseEscrowID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseEscrowID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, EscrowID(validUUID), id)
	})
}

// TestTypeDistinction verifies distinct id types carry distinct values.
// Cross-type assignment (var _ EscrowID = RuleID{}) does not compile.
func TestTypeDistinction(t *testing.T) {
	escrowID := NewEscrowID()
	ruleID := NewRuleID()
	assert.NotEqual(t, uuid.UUID(escrowID), uuid.UUID(ruleID))
}

func TestParseID_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE escrow_accounts;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Empty string", "", true},
		{"Nil UUID", uuid.Nil.String(), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseApprovalID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAllIDTypes_ConsistentBehavior(t *testing.T) {
	validUUID := uuid.New().String()
	invalidInputs := []string{"", "invalid", uuid.Nil.String()}

	t.Run("all accept valid UUID", func(t *testing.T) {
		_, errEscrow := ParseEscrowID(validUUID)
		_, errRule := ParseRuleID(validUUID)
		_, errTx := ParseTransactionID(validUUID)
		_, errApproval := ParseApprovalID(validUUID)
		_, errProposal := ParseProposalID(validUUID)
		_, errEntry := ParseEntryID(validUUID)

		require.NoError(t, errEscrow)
		require.NoError(t, errRule)
		require.NoError(t, errTx)
		require.NoError(t, errApproval)
		require.NoError(t, errProposal)
		require.NoError(t, errEntry)
	})

	for _, input := range invalidInputs {
		t.Run("all reject: "+input, func(t *testing.T) {
			_, errEscrow := ParseEscrowID(input)
			_, errRule := ParseRuleID(input)
			_, errTx := ParseTransactionID(input)
			_, errApproval := ParseApprovalID(input)
			_, errProposal := ParseProposalID(input)
			_, errEntry := ParseEntryID(input)

			require.Error(t, errEscrow)
			require.Error(t, errRule)
			require.Error(t, errTx)
			require.Error(t, errApproval)
			require.Error(t, errProposal)
			require.Error(t, errEntry)
		})
	}
}

func TestIDs_TextEncoding(t *testing.T) {
	id := NewEscrowID()

	raw, err := json.Marshal(struct {
		ID EscrowID `json:"id"`
	}{ID: id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+id.String()+`"}`, string(raw))

	var decoded struct {
		ID EscrowID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, id, decoded.ID)

	var scanned EscrowID
	require.NoError(t, scanned.Scan(id.String()))
	assert.Equal(t, id, scanned)
	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsNil())
}
