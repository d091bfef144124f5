package testutil

import "testing"

func TestRequireIntegration_SkipsInCIWithoutOptIn(t *testing.T) {
	t.Setenv("CI", "true")
	t.Setenv(IntegrationEnv, "")

	ran := false
	t.Run("inner", func(t *testing.T) {
		RequireIntegration(t)
		ran = true
	})
	if ran {
		t.Fatal("expected integration test to be skipped in CI without opt-in")
	}
}

func TestRequireIntegration_RunsWithOptIn(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode always skips")
	}
	t.Setenv("CI", "true")
	t.Setenv(IntegrationEnv, "1")

	ran := false
	t.Run("inner", func(t *testing.T) {
		RequireIntegration(t)
		ran = true
	})
	if !ran {
		t.Fatal("expected integration test to run with opt-in")
	}
}
