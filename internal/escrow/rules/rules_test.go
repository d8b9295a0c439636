package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nest/internal/escrow/models"
	id "nest/pkg/domain"
	dErrors "nest/pkg/domain-errors"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newRule(t *testing.T, trigger models.TriggerType, amount int64, due *time.Time) *models.ReleaseRule {
	t.Helper()
	r, err := models.NewReleaseRule(id.NewEscrowID(), trigger, amount, models.BeneficiaryLandlord, due, now)
	require.NoError(t, err)
	return r
}

func TestEvaluate(t *testing.T) {
	active := Facts{Now: now, AccountStatus: models.StatusActive}

	t.Run("date reached", func(t *testing.T) {
		due := now.Add(time.Hour)
		r := newRule(t, models.TriggerDateReached, 100, &due)
		assert.Equal(t, NotYetSatisfied, Evaluate(r, active))

		later := active
		later.Now = due
		assert.Equal(t, Satisfied, Evaluate(r, later))
	})

	t.Run("mutual agreement", func(t *testing.T) {
		r := newRule(t, models.TriggerMutualAgreement, 100, nil)
		assert.Equal(t, NotYetSatisfied, Evaluate(r, active))
		f := active
		f.MutualAgreement = true
		assert.Equal(t, Satisfied, Evaluate(r, f))
	})

	t.Run("move in", func(t *testing.T) {
		r := newRule(t, models.TriggerMoveInConfirmed, 100, nil)
		f := active
		f.MoveInConfirmed = true
		assert.Equal(t, Satisfied, Evaluate(r, f))
	})

	t.Run("dispute resolution", func(t *testing.T) {
		r := newRule(t, models.TriggerDisputeResolution, 100, nil)
		assert.Equal(t, NotYetSatisfied, Evaluate(r, active))
		f := active
		f.DisputeResolved = true
		assert.Equal(t, Satisfied, Evaluate(r, f))
	})

	t.Run("frozen while disputed or unfunded", func(t *testing.T) {
		r := newRule(t, models.TriggerMutualAgreement, 100, nil)
		for _, st := range []models.EscrowStatus{models.StatusDisputed, models.StatusPending} {
			assert.Equal(t, NotYetSatisfied, Evaluate(r, Facts{Now: now, MutualAgreement: true, AccountStatus: st}))
		}
	})

	t.Run("void rules and drained escrows", func(t *testing.T) {
		r := newRule(t, models.TriggerMutualAgreement, 100, nil)
		f := active
		f.MutualAgreement = true
		f.AccountStatus = models.StatusFullyReleased
		assert.Equal(t, Void, Evaluate(r, f))

		r.ApplyVoid("superseded", now)
		assert.Equal(t, Void, Evaluate(r, active))
	})

	t.Run("satisfied rules never satisfy again", func(t *testing.T) {
		r := newRule(t, models.TriggerMutualAgreement, 100, nil)
		r.ApplySatisfied(now)
		f := active
		f.MutualAgreement = true
		assert.Equal(t, Void, Evaluate(r, f))
	})
}

func TestMatrix(t *testing.T) {
	m := DefaultMatrix()
	assert.Equal(t, []models.Role{models.RoleLandlord, models.RoleTenant}, m.RequiredApprovers(models.TriggerMutualAgreement))
	assert.Empty(t, m.RequiredApprovers(models.TriggerDateReached))
	assert.Equal(t, []models.Role{models.RoleArbiter}, m.RequiredApprovers(models.TriggerDisputeResolution))

	roles := m.RequiredApprovers(models.TriggerMutualAgreement)
	roles[0] = models.RoleArbiter
	assert.Equal(t, models.RoleLandlord, m.RequiredApprovers(models.TriggerMutualAgreement)[0], "copies are independent")

	t.Run("parse overrides defaults", func(t *testing.T) {
		parsed, err := ParseMatrix(map[string][]string{"date_reached": {"tenant", "TENANT"}})
		require.NoError(t, err)
		assert.Equal(t, []models.Role{models.RoleTenant}, parsed.RequiredApprovers(models.TriggerDateReached))
		assert.Len(t, parsed.RequiredApprovers(models.TriggerMutualAgreement), 2)
	})

	t.Run("parse rejects unknown triggers and non-approvers", func(t *testing.T) {
		_, err := ParseMatrix(map[string][]string{"LOTTERY": {"TENANT"}})
		assert.Error(t, err)
		_, err = ParseMatrix(map[string][]string{"DATE_REACHED": {"SYSTEM"}})
		assert.Error(t, err)
	})
}

func TestCheckCreation(t *testing.T) {
	existing := []*models.ReleaseRule{newRule(t, models.TriggerMutualAgreement, 50000, nil)}
	voided := newRule(t, models.TriggerMutualAgreement, 90000, nil)
	voided.ApplyVoid("over-allocated", now)
	existing = append(existing, voided)

	assert.NoError(t, CheckCreation(100000, existing, 50000))
	err := CheckCreation(100000, existing, 60000)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeOverAllocation))
}

func TestCheckSatisfaction(t *testing.T) {
	assert.NoError(t, CheckSatisfaction(50000, 0, 50000))
	assert.True(t, dErrors.HasCode(CheckSatisfaction(50000, 0, 60000), dErrors.CodeOverAllocation))
	assert.True(t, dErrors.HasCode(CheckSatisfaction(100000, 60000, 50000), dErrors.CodeOverAllocation))
}

func TestReserved(t *testing.T) {
	a := newRule(t, models.TriggerMutualAgreement, 10, nil)
	a.ApplySatisfied(now)
	b := newRule(t, models.TriggerMutualAgreement, 20, nil)
	b.ApplySatisfied(now)
	executed := newRule(t, models.TriggerMutualAgreement, 40, nil)
	executed.ApplySatisfied(now)
	executed.ApplyExecuted(id.NewTransactionID(), now)
	pending := newRule(t, models.TriggerMutualAgreement, 80, nil)

	refund, err := models.NewTransactionProposal(a.EscrowID, models.TransactionRefund, 5, "early", "t-1", now)
	require.NoError(t, err)

	all := []*models.ReleaseRule{a, b, executed, pending}
	assert.Equal(t, int64(35), Reserved(all, []*models.TransactionProposal{refund}, nil))
	assert.Equal(t, int64(25), Reserved(all, []*models.TransactionProposal{refund}, a))
}
