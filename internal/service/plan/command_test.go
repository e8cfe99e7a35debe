package plan

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/patch"
)

// writePlanConfig persists a representative configuration for plan tests.
func writePlanConfig(t *testing.T, dir string) string {
	t.Helper()

	cfg := &config.Config{
		Product:  "sentry-agent",
		StateDir: dir,
		Source: config.SourceSpec{
			Repository: "https://example.com/sentry-agent.git",
			Revision:   "v4.9.2",
		},
		Environment: config.EnvironmentSpec{
			Credentials: []config.CredentialSpec{
				{Name: "UPLOAD_TOKEN", FromEnv: "HOST_UPLOAD_TOKEN"},
			},
			Tools: []config.ToolSpec{
				{Name: "aws", Constraint: ">= 2.0.0"},
			},
		},
		Patches: []patch.Rule{
			{File: "version.txt", Op: patch.OpReplace, Find: "old", Replace: "new"},
		},
		Platforms: []string{"linux/amd64", "linux/arm64"},
		Build:     config.BuildSpec{Command: "make package ARCH={ARCH}"},
		Publish:   config.PublishSpec{Destination: "s3://releases/sentry-agent"},
	}

	path := filepath.Join(dir, config.DefaultConfigFilename)
	require.NoError(t, config.Save(path, cfg))

	return path
}

// TestRunRendersPlan verifies the plan names the pin, the rules, the derived
// artifacts and the remote URIs, and leaves no files behind.
func TestRunRendersPlan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writePlanConfig(t, dir)

	var buf bytes.Buffer

	require.NoError(t, Run(context.Background(), &Options{ConfigPath: path, Out: &buf}))

	out := buf.String()

	require.Contains(t, out, "sentry-agent 4.9.2")
	require.Contains(t, out, "v4.9.2")
	require.Contains(t, out, "https://example.com/sentry-agent.git")

	// Credential and tool requirements by name.
	require.Contains(t, out, "UPLOAD_TOKEN")
	require.Contains(t, out, "environment variable HOST_UPLOAD_TOKEN")
	require.Contains(t, out, "aws (wants >= 2.0.0)")

	// Patch rules in order.
	require.Contains(t, out, "1. replace")

	// Derived artifact names and remote URIs for both platforms.
	require.Contains(t, out, "sentry-agent-4.9.2-amd64.deb")
	require.Contains(t, out, "sentry-agent-4.9.2-arm64.deb.sha512")
	require.Contains(t, out, "s3://releases/sentry-agent/sentry-agent-4.9.2-amd64.deb")
	require.Contains(t, out, "s3://releases/sentry-agent/sentry-agent-4.9.2-arm64.deb.sha512")

	// Planning leaves nothing behind but the configuration itself.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestRunRejectsBrokenConfig verifies validation failures surface unchanged.
func TestRunRejectsBrokenConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("product: app\n"), 0o600))

	var buf bytes.Buffer

	err := Run(context.Background(), &Options{ConfigPath: path, Out: &buf})
	require.Error(t, err)
}
