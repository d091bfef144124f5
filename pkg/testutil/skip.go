// Package testutil holds helpers shared by raincheck store tests.
package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv opts in to container-backed tests when running in CI.
const IntegrationEnv = "RAINCHECK_INTEGRATION"

// SkipIfShort skips container-backed store tests under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping store integration test in short mode")
	}
}

// RequireIntegration skips under -short, and in CI unless RAINCHECK_INTEGRATION is set.
// Used for brokers and databases whose images are slow to pull.
func RequireIntegration(t *testing.T) {
	t.Helper()
	SkipIfShort(t)
	if os.Getenv("CI") != "" && os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping store integration test in CI (set %s=1 to run)", IntegrationEnv)
	}
}
