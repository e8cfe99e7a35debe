package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/package-conveyor/internal/domain/release"
	"github.com/oshokin/package-conveyor/internal/patch"
)

// Config holds the immutable parameters of one pipeline run. Everything is
// fixed before execution starts; stages never renegotiate these values.
type Config struct {
	// RunKey identifies the run for supersession. Runs sharing a key displace
	// each other; it defaults to the publish destination.
	RunKey string `yaml:"run_key,omitempty"`
	// StateDir is where the run record lives. Defaults to the OS temp dir.
	StateDir string `yaml:"state_dir,omitempty"`
	// Timeout is the ceiling for the whole run.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Product names the packaged artifact.
	Product string `yaml:"product"`
	// Variant is an optional product flavor included in artifact names.
	Variant string `yaml:"variant,omitempty"`
	// PackageExt is the package file extension without the dot.
	PackageExt string `yaml:"package_ext,omitempty"`
	// Source pins the third-party source to build.
	Source SourceSpec `yaml:"source"`
	// Workspace controls the ephemeral working directory.
	Workspace WorkspaceSpec `yaml:"workspace,omitempty"`
	// Environment declares credentials, tools and setup commands.
	Environment EnvironmentSpec `yaml:"environment,omitempty"`
	// Patches are applied to workspace files in declaration order.
	Patches []patch.Rule `yaml:"patches,omitempty"`
	// Platforms lists the os/arch targets to build, in order.
	Platforms []string `yaml:"platforms"`
	// Build describes the external build command.
	Build BuildSpec `yaml:"build"`
	// Publish describes the upload destination and command.
	Publish PublishSpec `yaml:"publish"`

	// PlatformList is the parsed form of Platforms, filled by Validate.
	// It is not persisted to YAML.
	PlatformList []release.Platform `yaml:"-"`
}

// SourceSpec pins the source revision and how to obtain it.
type SourceSpec struct {
	// Repository is the git remote; required for the git method.
	Repository string `yaml:"repository,omitempty"`
	// Revision is the pinned release revision, semver with an optional v prefix.
	Revision string `yaml:"revision"`
	// Method selects how the workspace is populated: git or archive.
	Method string `yaml:"method,omitempty"`
	// ArchiveURL locates the source tarball; {VERSION} expands to the revision.
	ArchiveURL string `yaml:"archive_url,omitempty"`
	// ArchiveSHA256 is the expected digest of the tarball.
	ArchiveSHA256 string `yaml:"archive_sha256,omitempty"`
	// SignatureURL locates a detached signature for the tarball.
	SignatureURL string `yaml:"signature_url,omitempty"`
	// KeyringPath is the trusted keyring used to check the signature.
	KeyringPath string `yaml:"keyring_path,omitempty"`
	// Strip removes leading path elements when unpacking the tarball.
	Strip int `yaml:"strip,omitempty"`
}

// WorkspaceSpec controls the ephemeral working directory.
type WorkspaceSpec struct {
	// Root overrides the workspace location; empty means a fresh temp dir.
	Root string `yaml:"root,omitempty"`
	// Keep leaves the workspace on disk after the run for inspection.
	Keep bool `yaml:"keep,omitempty"`
}

// EnvironmentSpec declares what the run needs from its host.
type EnvironmentSpec struct {
	// Credentials are resolved into environment variables for later stages.
	Credentials []CredentialSpec `yaml:"credentials,omitempty"`
	// Tools must be present (and satisfy their constraints) before stage two.
	Tools []ToolSpec `yaml:"tools,omitempty"`
	// Setup lines run through the shell after tools are resolved.
	Setup []string `yaml:"setup,omitempty"`
}

// CredentialSpec names a secret and exactly one place to read it from.
// Values are opaque: they are injected into the tool environment and never logged.
type CredentialSpec struct {
	// Name is the environment variable the value is exposed as.
	Name string `yaml:"name"`
	// FromEnv reads the value from a host environment variable.
	FromEnv string `yaml:"from_env,omitempty"`
	// FromFile reads the value from a file.
	FromFile string `yaml:"from_file,omitempty"`
}

// ToolSpec declares an external tool requirement with an optional bootstrap.
type ToolSpec struct {
	// Name is the executable looked up on PATH.
	Name string `yaml:"name"`
	// Constraint is a semver range the probed tool version must satisfy.
	Constraint string `yaml:"constraint,omitempty"`
	// URL bootstraps the tool when missing; {VERSION}, {OS} and {ARCH} expand.
	URL string `yaml:"url,omitempty"`
	// Version is substituted into URL and reported in logs.
	Version string `yaml:"version,omitempty"`
	// SHA256 is the expected digest of the download; required with URL.
	SHA256 string `yaml:"sha256,omitempty"`
	// Strip removes leading path elements when the download is an archive.
	Strip int `yaml:"strip,omitempty"`
	// MarkExec lists archive entries to mark executable after unpacking.
	MarkExec []string `yaml:"mark_exec,omitempty"`
}

// BuildSpec describes the external build command.
type BuildSpec struct {
	// Command is the build template; {PLATFORM}, {OS}, {ARCH}, {VERSION},
	// {PRODUCT}, {VARIANT}, {WORKSPACE} and {OUTPUT_DIR} expand per platform.
	Command string `yaml:"command"`
	// OutputDir is the workspace-relative directory the build writes to.
	OutputDir string `yaml:"output_dir,omitempty"`
	// Parallel builds all platforms concurrently instead of in order.
	Parallel bool `yaml:"parallel,omitempty"`
}

// PublishSpec describes where and how artifacts are uploaded.
type PublishSpec struct {
	// Destination is the remote URI prefix, normalized to end with a slash.
	Destination string `yaml:"destination"`
	// Command is the upload template; {LOCAL_PATH} and {REMOTE_URI} expand.
	Command string `yaml:"command,omitempty"`
}

const (
	// DefaultConfigFilename is the default pipeline configuration filename.
	DefaultConfigFilename = "conveyor.yaml"

	// DefaultRunTimeout is the total-run ceiling when none is configured.
	DefaultRunTimeout = time.Hour

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// DefaultOutputDir receives build outputs inside the workspace.
	DefaultOutputDir = "output"

	// DefaultPackageExt is the package extension when none is configured.
	DefaultPackageExt = "deb"

	// DefaultPublishCommand uploads one local file to one remote URI.
	DefaultPublishCommand = "aws s3 cp {LOCAL_PATH} {REMOTE_URI}"

	// SourceMethodGit populates the workspace with a clone at the pinned revision.
	SourceMethodGit = "git"

	// SourceMethodArchive populates the workspace from a verified tarball.
	SourceMethodArchive = "archive"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errProductRequired is returned when the product name is missing.
	errProductRequired = errors.New("product name must be provided")
	// errRevisionRequired is returned when the source revision is not pinned.
	errRevisionRequired = errors.New("source revision must be pinned")
	// errRepositoryRequired is returned when the git method has no remote.
	errRepositoryRequired = errors.New("source repository must be provided")
	// errArchiveURLRequired is returned when the archive method has no URL.
	errArchiveURLRequired = errors.New("source archive URL must be provided")
	// errUnknownSourceMethod is returned for fetch methods other than git or archive.
	errUnknownSourceMethod = errors.New("unknown source method")
	// errKeyringRequired is returned when a signature URL has no keyring to check against.
	errKeyringRequired = errors.New("signature verification requires a keyring path")
	// errPlatformsRequired is returned when no platforms are configured.
	errPlatformsRequired = errors.New("at least one platform must be configured")
	// errDuplicatePlatform is returned when the same platform is listed twice.
	errDuplicatePlatform = errors.New("platforms must be unique")
	// errBuildCommandRequired is returned when the build command is missing.
	errBuildCommandRequired = errors.New("build command must be provided")
	// errOutputDirNotRelative is returned when the output dir leaves the workspace.
	errOutputDirNotRelative = errors.New("build output directory must be workspace-relative")
	// errDestinationRequired is returned when the publish destination is missing.
	errDestinationRequired = errors.New("publish destination must be provided")
	// errDestinationScheme is returned when the destination has no URI scheme.
	errDestinationScheme = errors.New("publish destination must carry a URI scheme")
	// errCredentialName is returned when a credential has no name.
	errCredentialName = errors.New("credential name must be provided")
	// errCredentialSource is returned unless exactly one credential source is set.
	errCredentialSource = errors.New("credential needs exactly one of from_env or from_file")
	// errToolNameRequired is returned when a tool has no name.
	errToolNameRequired = errors.New("tool name must be provided")
	// errToolChecksumRequired is returned when a bootstrap URL has no digest.
	errToolChecksumRequired = errors.New("tool bootstrap URL requires a sha256 digest")
)

// Load reads a pipeline configuration from the provided path and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}

	return nil
}

// Validate checks the configuration, fills defaults and parses the platform
// list. Regexes and version constraints are compiled here so a malformed
// configuration fails before the pipeline touches anything.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.Product == "" {
		return errProductRequired
	}

	if err := validateSource(&cfg.Source); err != nil {
		return err
	}

	if err := validateEnvironment(&cfg.Environment); err != nil {
		return err
	}

	for i := range cfg.Patches {
		if err := cfg.Patches[i].Validate(); err != nil {
			return fmt.Errorf("patch rule %d: %w", i+1, err)
		}
	}

	platforms, err := parsePlatforms(cfg.Platforms)
	if err != nil {
		return err
	}

	cfg.PlatformList = platforms

	if err := validateBuild(&cfg.Build); err != nil {
		return err
	}

	if err := validatePublish(&cfg.Publish); err != nil {
		return err
	}

	if cfg.RunKey == "" {
		cfg.RunKey = cfg.Publish.Destination
	}

	if cfg.StateDir == "" {
		cfg.StateDir = os.TempDir()
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRunTimeout
	}

	if cfg.PackageExt == "" {
		cfg.PackageExt = DefaultPackageExt
	}

	return nil
}

// Version returns the revision without a leading v, the form used in
// artifact names.
func (c *Config) Version() string {
	return strings.TrimPrefix(c.Source.Revision, "v")
}

// placeholderPattern matches {NAME} placeholders in command and URL templates.
var placeholderPattern = regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

// ExpandPlaceholders substitutes {NAME} placeholders in a configuration
// template. Unknown names expand to the empty string; anything that does not
// look like a placeholder is left alone.
func ExpandPlaceholders(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(placeholder string) string {
		return vars[placeholder[1:len(placeholder)-1]]
	})
}

func validateSource(src *SourceSpec) error {
	if src.Revision == "" {
		return errRevisionRequired
	}

	if _, err := semver.NewVersion(strings.TrimPrefix(src.Revision, "v")); err != nil {
		return fmt.Errorf("invalid source revision %q: %w", src.Revision, err)
	}

	if src.Method == "" {
		src.Method = SourceMethodGit
	}

	switch src.Method {
	case SourceMethodGit:
		if src.Repository == "" {
			return errRepositoryRequired
		}
	case SourceMethodArchive:
		if src.ArchiveURL == "" {
			return errArchiveURLRequired
		}
	default:
		return fmt.Errorf("%w: %s", errUnknownSourceMethod, src.Method)
	}

	if src.SignatureURL != "" && src.KeyringPath == "" {
		return errKeyringRequired
	}

	return nil
}

func validateEnvironment(env *EnvironmentSpec) error {
	for _, cred := range env.Credentials {
		if cred.Name == "" {
			return errCredentialName
		}

		if (cred.FromEnv == "") == (cred.FromFile == "") {
			return fmt.Errorf("credential %s: %w", cred.Name, errCredentialSource)
		}
	}

	for _, tool := range env.Tools {
		if tool.Name == "" {
			return errToolNameRequired
		}

		if tool.Constraint != "" {
			if _, err := semver.NewConstraint(tool.Constraint); err != nil {
				return fmt.Errorf("tool %s constraint: %w", tool.Name, err)
			}
		}

		if tool.URL != "" && tool.SHA256 == "" {
			return fmt.Errorf("tool %s: %w", tool.Name, errToolChecksumRequired)
		}
	}

	return nil
}

func parsePlatforms(raw []string) ([]release.Platform, error) {
	if len(raw) == 0 {
		return nil, errPlatformsRequired
	}

	seen := make(map[string]struct{}, len(raw))
	platforms := make([]release.Platform, 0, len(raw))

	for _, value := range raw {
		platform, err := release.ParsePlatform(value)
		if err != nil {
			return nil, err
		}

		key := platform.String()
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicatePlatform, key)
		}

		seen[key] = struct{}{}

		platforms = append(platforms, platform)
	}

	return platforms, nil
}

func validateBuild(build *BuildSpec) error {
	if build.Command == "" {
		return errBuildCommandRequired
	}

	if build.OutputDir == "" {
		build.OutputDir = DefaultOutputDir
	}

	cleaned := filepath.Clean(build.OutputDir)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", errOutputDirNotRelative, build.OutputDir)
	}

	return nil
}

func validatePublish(publish *PublishSpec) error {
	if publish.Destination == "" {
		return errDestinationRequired
	}

	parsed, err := url.Parse(publish.Destination)
	if err != nil {
		return fmt.Errorf("invalid publish destination: %w", err)
	}

	if parsed.Scheme == "" {
		return fmt.Errorf("%w: %s", errDestinationScheme, publish.Destination)
	}

	if !strings.HasSuffix(publish.Destination, "/") {
		publish.Destination += "/"
	}

	if publish.Command == "" {
		publish.Command = DefaultPublishCommand
	}

	return nil
}
