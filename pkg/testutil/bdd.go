package testutil

import "testing"

// Given, When and Then nest subtests so a failure reads as the scenario that
// broke, e.g. "Given a failing dependency/When calling GET /readyz/Then ...".
func Given(t *testing.T, context string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Given "+context, fn)
}

func When(t *testing.T, action string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("When "+action, fn)
}

func Then(t *testing.T, outcome string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Then "+outcome, fn)
}
