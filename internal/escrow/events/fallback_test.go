package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nest/pkg/platform/circuit"
)

type flakyPublisher struct {
	fail  bool
	calls int
}

func (f *flakyPublisher) Publish(context.Context, ...Event) error {
	f.calls++
	if f.fail {
		return errors.New("broker unreachable")
	}
	return nil
}

func TestFallbackPublisher(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &flakyPublisher{fail: true}
	fallback := NewRecorder()
	breaker := circuit.New("kafka",
		circuit.WithFailureThreshold(2),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	p := NewFallbackPublisher(primary, fallback, breaker, nil)
	e := New(EscrowStatusChanged, "escrow-1", now)

	// primary errors are reported but the batch still reaches the fallback
	require.Error(t, p.Publish(ctx, e))
	require.Error(t, p.Publish(ctx, e))
	assert.True(t, breaker.IsOpen())
	assert.Len(t, fallback.Events(), 2)

	// open circuit skips primary entirely
	require.NoError(t, p.Publish(ctx, e))
	assert.Equal(t, 2, primary.calls)
	assert.Len(t, fallback.Events(), 3)

	// after the cooldown a healthy trial call closes the circuit
	primary.fail = false
	now = now.Add(time.Minute)
	require.NoError(t, p.Publish(ctx, e))
	assert.False(t, breaker.IsOpen())
	assert.Equal(t, 3, primary.calls)
	assert.Len(t, fallback.Events(), 3)
}
