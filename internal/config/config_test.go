package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/package-conveyor/internal/domain/release"
	"github.com/oshokin/package-conveyor/internal/patch"
)

// validConfig returns a minimal configuration that passes validation.
func validConfig() *Config {
	return &Config{
		Product: "sentry-agent",
		Source: SourceSpec{
			Repository: "https://github.com/getsentry/sentry-agent.git",
			Revision:   "v4.9.2",
		},
		Platforms: []string{"linux/amd64", "linux/arm64"},
		Build:     BuildSpec{Command: "make package OS={OS} ARCH={ARCH}"},
		Publish:   PublishSpec{Destination: "s3://releases/sentry-agent"},
	}
}

// TestValidateFillsDefaults checks that a minimal configuration is completed
// with the documented defaults.
func TestValidateFillsDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, Validate(cfg))

	require.Equal(t, DefaultRunTimeout, cfg.Timeout)
	require.Equal(t, DefaultPackageExt, cfg.PackageExt)
	require.Equal(t, DefaultOutputDir, cfg.Build.OutputDir)
	require.Equal(t, DefaultPublishCommand, cfg.Publish.Command)
	require.Equal(t, SourceMethodGit, cfg.Source.Method)
	require.NotEmpty(t, cfg.StateDir)

	// Destination is normalized and doubles as the run key.
	require.Equal(t, "s3://releases/sentry-agent/", cfg.Publish.Destination)
	require.Equal(t, cfg.Publish.Destination, cfg.RunKey)

	require.Equal(t, []release.Platform{
		{OS: "linux", Arch: "amd64"},
		{OS: "linux", Arch: "arm64"},
	}, cfg.PlatformList)

	require.Equal(t, "4.9.2", cfg.Version())
}

// TestValidateKeepsExplicitValues checks that validation does not override
// values the operator set.
func TestValidateKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.RunKey = "release-train-7"
	cfg.Timeout = 15 * time.Minute
	cfg.PackageExt = "rpm"
	cfg.Build.OutputDir = "dist"
	cfg.Publish.Destination = "s3://releases/sentry-agent/"

	require.NoError(t, Validate(cfg))

	require.Equal(t, "release-train-7", cfg.RunKey)
	require.Equal(t, 15*time.Minute, cfg.Timeout)
	require.Equal(t, "rpm", cfg.PackageExt)
	require.Equal(t, "dist", cfg.Build.OutputDir)
	require.Equal(t, "s3://releases/sentry-agent/", cfg.Publish.Destination)
}

// TestValidateRejections walks the malformed configurations validation must
// refuse.
func TestValidateRejections(t *testing.T) {
	t.Parallel()

	require.Error(t, Validate(nil))

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing product", func(c *Config) { c.Product = "" }},
		{"missing revision", func(c *Config) { c.Source.Revision = "" }},
		{"revision not semver", func(c *Config) { c.Source.Revision = "latest" }},
		{"git without repository", func(c *Config) { c.Source.Repository = "" }},
		{"archive without url", func(c *Config) {
			c.Source.Method = SourceMethodArchive
			c.Source.ArchiveURL = ""
		}},
		{"unknown method", func(c *Config) { c.Source.Method = "svn" }},
		{"signature without keyring", func(c *Config) {
			c.Source.Method = SourceMethodArchive
			c.Source.ArchiveURL = "https://downloads.example.com/{VERSION}.tar.gz"
			c.Source.SignatureURL = "https://downloads.example.com/{VERSION}.tar.gz.asc"
		}},
		{"credential without name", func(c *Config) {
			c.Environment.Credentials = []CredentialSpec{{FromEnv: "AWS_SECRET_ACCESS_KEY"}}
		}},
		{"credential without source", func(c *Config) {
			c.Environment.Credentials = []CredentialSpec{{Name: "AWS_SECRET_ACCESS_KEY"}}
		}},
		{"credential with two sources", func(c *Config) {
			c.Environment.Credentials = []CredentialSpec{{
				Name:     "AWS_SECRET_ACCESS_KEY",
				FromEnv:  "AWS_SECRET_ACCESS_KEY",
				FromFile: "/run/secrets/aws",
			}}
		}},
		{"tool without name", func(c *Config) {
			c.Environment.Tools = []ToolSpec{{Constraint: ">= 1.0.0"}}
		}},
		{"tool with bad constraint", func(c *Config) {
			c.Environment.Tools = []ToolSpec{{Name: "fpm", Constraint: "not a range"}}
		}},
		{"tool url without digest", func(c *Config) {
			c.Environment.Tools = []ToolSpec{{Name: "fpm", URL: "https://tools.example.com/fpm"}}
		}},
		{"malformed patch rule", func(c *Config) {
			c.Patches = []patch.Rule{{Op: patch.OpReplace, Find: "a", Replace: "b"}}
		}},
		{"no platforms", func(c *Config) { c.Platforms = nil }},
		{"bad platform", func(c *Config) { c.Platforms = []string{"linux"} }},
		{"duplicate platform", func(c *Config) { c.Platforms = []string{"linux/amd64", "linux/amd64"} }},
		{"missing build command", func(c *Config) { c.Build.Command = "" }},
		{"absolute output dir", func(c *Config) { c.Build.OutputDir = "/var/dist" }},
		{"escaping output dir", func(c *Config) { c.Build.OutputDir = "../dist" }},
		{"missing destination", func(c *Config) { c.Publish.Destination = "" }},
		{"destination without scheme", func(c *Config) { c.Publish.Destination = "releases/sentry-agent" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(cfg)

			require.Error(t, Validate(cfg))
		})
	}
}

// TestSaveLoadRoundtrip ensures a configuration is persisted and loaded back
// with its validated shape.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conveyor.yaml")

	cfg := validConfig()
	cfg.Variant = "server"
	cfg.Patches = []patch.Rule{
		{File: "packaging/Dockerfile", Op: patch.OpReplace, Find: "ubuntu:22.04", Replace: "debian:bookworm"},
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Product, loaded.Product)
	require.Equal(t, cfg.Variant, loaded.Variant)
	require.Equal(t, cfg.Source.Revision, loaded.Source.Revision)
	require.Equal(t, cfg.Platforms, loaded.Platforms)
	require.Equal(t, cfg.Patches, loaded.Patches)
	require.Equal(t, "s3://releases/sentry-agent/", loaded.Publish.Destination)
	require.Equal(t, cfg.PlatformList, loaded.PlatformList)
}

// TestLoadMissingFile ensures a helpful error when the configuration file is absent.
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.ErrorContains(t, err, "read configuration")
}

// TestSaveNilConfig ensures saving without a configuration is rejected.
func TestSaveNilConfig(t *testing.T) {
	t.Parallel()

	require.Error(t, Save(filepath.Join(t.TempDir(), "conveyor.yaml"), nil))
}

// TestExpandPlaceholders verifies template placeholder substitution.
func TestExpandPlaceholders(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"OS": "linux", "ARCH": "amd64", "VERSION": "4.9.2"}

	require.Equal(t,
		"build --target linux/amd64 --version 4.9.2",
		ExpandPlaceholders("build --target {OS}/{ARCH} --version {VERSION}", vars))

	// Unknown names expand to nothing; lowercase braces are not placeholders.
	require.Equal(t, "a  b {os}", ExpandPlaceholders("a {UNKNOWN} b {os}", vars))
}
