package tx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "nest/pkg/domain-errors"
)

func TestMemoryRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("commit keeps writes", func(t *testing.T) {
		r := NewMemoryRunner()
		value := 0
		err := r.RunInTx(ctx, func(ctx context.Context) error {
			value = 1
			OnRollback(ctx, func() { value = 0 })
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, value)
	})

	t.Run("failure undoes writes in reverse order", func(t *testing.T) {
		r := NewMemoryRunner()
		var log []string
		err := r.RunInTx(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func() { log = append(log, "first") })
			OnRollback(ctx, func() { log = append(log, "second") })
			return errors.New("boom")
		})
		require.Error(t, err)
		assert.Equal(t, []string{"second", "first"}, log)
	})

	t.Run("nested runs join the outer unit of work", func(t *testing.T) {
		r := NewMemoryRunner()
		value := 0
		err := r.RunInTx(ctx, func(ctx context.Context) error {
			assert.True(t, Active(ctx))
			inner := r.RunInTx(ctx, func(ctx context.Context) error {
				value = 2
				OnRollback(ctx, func() { value = 0 })
				return nil
			})
			require.NoError(t, inner)
			return errors.New("outer failed")
		})
		require.Error(t, err)
		assert.Equal(t, 0, value)
	})

	t.Run("panics roll back and propagate", func(t *testing.T) {
		r := NewMemoryRunner()
		value := 0
		assert.Panics(t, func() {
			_ = r.RunInTx(ctx, func(ctx context.Context) error {
				value = 3
				OnRollback(ctx, func() { value = 0 })
				panic("boom")
			})
		})
		assert.Equal(t, 0, value)
	})

	t.Run("cancelled context is rejected", func(t *testing.T) {
		r := NewMemoryRunner()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := r.RunInTx(cctx, func(context.Context) error { return nil })
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	})

	t.Run("OnRollback outside a transaction is a no-op", func(t *testing.T) {
		assert.False(t, Active(ctx))
		OnRollback(ctx, func() { t.Fatal("must not run") })
	})
}
