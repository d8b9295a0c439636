package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nest/internal/escrow/models"
	dErrors "nest/pkg/domain-errors"
)

func TestNext(t *testing.T) {
	funded := models.Totals{Funded: 100000}
	half := models.Totals{Funded: 100000, Released: 50000}
	drained := models.Totals{Funded: 100000, Released: 50000, Refunded: 50000}

	cases := []struct {
		name    string
		current models.EscrowStatus
		event   Event
		totals  models.Totals
		want    models.EscrowStatus
	}{
		{"first funding activates", models.StatusPending, EventFunded, funded, models.StatusActive},
		{"top-up keeps active", models.StatusActive, EventFunded, funded, models.StatusActive},
		{"partial release", models.StatusActive, EventReleased, half, models.StatusPartialReleased},
		{"final release", models.StatusPartialReleased, EventReleased, drained, models.StatusFullyReleased},
		{"dispute from active", models.StatusActive, EventDisputeRaised, funded, models.StatusDisputed},
		{"dispute before funding", models.StatusPending, EventDisputeRaised, models.Totals{}, models.StatusDisputed},
		{"resolution with nothing paid", models.StatusDisputed, EventDisputeResolved, funded, models.StatusActive},
		{"resolution paying part", models.StatusDisputed, EventDisputeResolved, half, models.StatusPartialReleased},
		{"resolution paying all", models.StatusDisputed, EventDisputeResolved, drained, models.StatusFullyReleased},
		{"resolution of an unfunded escrow", models.StatusDisputed, EventDisputeResolved, models.Totals{}, models.StatusPending},
		{"credit adjustment", models.StatusActive, EventAdjusted, models.Totals{Funded: 100, Adjusted: 10}, models.StatusActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.current, tc.event, tc.totals)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNext_IllegalTransitions(t *testing.T) {
	illegal := []struct {
		current models.EscrowStatus
		event   Event
	}{
		{models.StatusPending, EventReleased},
		{models.StatusPending, EventDisputeResolved},
		{models.StatusPartialReleased, EventFunded},
		{models.StatusDisputed, EventFunded},
		{models.StatusDisputed, EventReleased},
		{models.StatusDisputed, EventDisputeRaised},
		{models.StatusActive, EventDisputeResolved},
		{models.StatusFullyReleased, EventFunded},
		{models.StatusFullyReleased, EventReleased},
		{models.StatusFullyReleased, EventDisputeRaised},
	}
	for _, tc := range illegal {
		t.Run(string(tc.current)+"/"+string(tc.event), func(t *testing.T) {
			got, err := Next(tc.current, tc.event, models.Totals{Funded: 1})
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeIllegalTransition))
			assert.Contains(t, err.Error(), string(tc.current))
			assert.Contains(t, err.Error(), string(tc.event))
			assert.Equal(t, tc.current, got)
		})
	}
}

func TestDerive(t *testing.T) {
	assert.Equal(t, models.StatusPending, Derive(models.Totals{}))
	assert.Equal(t, models.StatusActive, Derive(models.Totals{Funded: 5}))
	assert.Equal(t, models.StatusPartialReleased, Derive(models.Totals{Funded: 5, Refunded: 1}))
	assert.Equal(t, models.StatusFullyReleased, Derive(models.Totals{Funded: 5, Released: 5}))
	assert.Equal(t, models.StatusFullyReleased, Derive(models.Totals{Funded: 5, Adjusted: -5}))
}
