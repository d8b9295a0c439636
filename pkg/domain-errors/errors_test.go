package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodes(t *testing.T) {
	t.Run("HasCode matches the outermost coded error", func(t *testing.T) {
		err := Wrap(New(CodeInsufficientFunds, "balance would go negative"), CodeInternal, "record failed")
		assert.True(t, HasCode(err, CodeInternal))
		assert.False(t, HasCode(err, CodeInsufficientFunds))
	})

	t.Run("Is walks the whole chain", func(t *testing.T) {
		err := Wrap(New(CodeInsufficientFunds, "balance would go negative"), CodeInternal, "record failed")
		assert.True(t, Is(err, CodeInsufficientFunds))
		assert.False(t, Is(err, CodeOverAllocation))
	})

	t.Run("fmt wrapping keeps the code visible", func(t *testing.T) {
		err := fmt.Errorf("context: %w", New(CodeDeadlineExpired, "too late"))
		assert.True(t, HasCode(err, CodeDeadlineExpired))
		assert.Equal(t, CodeDeadlineExpired, CodeOf(err))
	})

	t.Run("plain errors have no code", func(t *testing.T) {
		err := errors.New("boom")
		assert.False(t, HasCode(err, CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(err))
		assert.False(t, HasCode(nil, CodeInternal))
	})
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		code Code
		want Category
	}{
		{CodeInvalidAmount, CategoryValidation},
		{CodeIllegalTransition, CategoryValidation},
		{CodeNotAuthorized, CategoryAuthorization},
		{CodeDeadlineExpired, CategoryAuthorization},
		{CodeInsufficientFunds, CategoryConsistency},
		{CodeOverAllocation, CategoryConsistency},
		{CodeInsufficientApproval, CategoryConsistency},
		{CodeAuditChainMismatch, CategoryIntegrity},
		{CodeAlreadyDecided, CategoryState},
		{CodeInternal, CategoryInfrastructure},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(New(tt.code, "x")))
		})
	}
}
