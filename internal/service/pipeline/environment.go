package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/download"
	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/shell"
)

// prepareEnvironment is stage one. It creates the workspace, resolves
// credentials into the run environment, makes sure every declared tool is
// usable and runs the configured setup commands. Nothing before this stage
// has touched the host.
func (p *runner) prepareEnvironment(ctx context.Context) error {
	if err := p.makeWorkspace(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentSetup, err)
	}

	if err := p.resolveCredentials(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentSetup, err)
	}

	if err := p.ensureTools(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentSetup, err)
	}

	if err := p.runSetupCommands(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentSetup, err)
	}

	return nil
}

// makeWorkspace lays out the ephemeral working area and seeds the run
// environment from the host's.
func (p *runner) makeWorkspace(ctx context.Context) error {
	for _, dir := range []string{p.srcDir, p.binDir, p.cacheDir} {
		if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
			return fmt.Errorf("create workspace directory: %w", err)
		}
	}

	p.env = os.Environ()

	logger.InfoKV(ctx, "Workspace created", "path", p.workspace)

	return nil
}

// resolveCredentials reads every configured credential and injects it into
// the run environment. Values never reach the logs, only the names do.
func (p *runner) resolveCredentials(ctx context.Context) error {
	for _, cred := range p.cfg.Environment.Credentials {
		value, err := resolveCredential(cred)
		if err != nil {
			return err
		}

		p.env = setEnvValue(p.env, cred.Name, value)

		logger.InfoKV(ctx, "Credential resolved", "name", cred.Name)
	}

	return nil
}

func resolveCredential(cred config.CredentialSpec) (string, error) {
	if cred.FromEnv != "" {
		value, ok := os.LookupEnv(cred.FromEnv)
		if !ok || value == "" {
			return "", fmt.Errorf("credential %s: environment variable %s: %w",
				cred.Name, cred.FromEnv, errCredentialUnavailable)
		}

		return value, nil
	}

	contents, err := os.ReadFile(filepath.Clean(cred.FromFile))
	if err != nil {
		return "", fmt.Errorf("credential %s: %w", cred.Name, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("credential %s: file %s: %w", cred.Name, cred.FromFile, errCredentialUnavailable)
	}

	return value, nil
}

// ensureTools verifies every declared tool, bootstrapping the missing ones
// into the workspace bin directory.
func (p *runner) ensureTools(ctx context.Context) error {
	// Bootstrapped tools take precedence over host installations.
	p.env = setEnvValue(p.env, "PATH", p.binDir+string(os.PathListSeparator)+envValue(p.env, "PATH"))

	for _, tool := range p.cfg.Environment.Tools {
		if err := p.ensureTool(ctx, tool); err != nil {
			return err
		}
	}

	return nil
}

func (p *runner) ensureTool(ctx context.Context, tool config.ToolSpec) error {
	path, satisfyErr := p.toolSatisfied(ctx, tool)
	if satisfyErr == nil {
		logger.InfoKV(ctx, "Tool available", "tool", tool.Name, "path", path)
		return nil
	}

	if tool.URL == "" {
		return fmt.Errorf("tool %s: %w: %w", tool.Name, errToolUnavailable, satisfyErr)
	}

	logger.InfoKV(ctx, "Bootstrapping tool",
		"tool", tool.Name, "version", tool.Version, "reason", satisfyErr.Error())

	if err := p.bootstrapTool(ctx, tool); err != nil {
		return fmt.Errorf("bootstrap tool %s: %w", tool.Name, err)
	}

	path, err := p.toolSatisfied(ctx, tool)
	if err != nil {
		return fmt.Errorf("tool %s after bootstrap: %w", tool.Name, err)
	}

	logger.InfoKV(ctx, "Tool bootstrapped", "tool", tool.Name, "path", path)

	return nil
}

// toolSatisfied resolves the tool on the run's PATH and, when a constraint is
// configured, probes its version against it. It returns the executable path.
func (p *runner) toolSatisfied(ctx context.Context, tool config.ToolSpec) (string, error) {
	path, err := lookTool(envValue(p.env, "PATH"), tool.Name)
	if err != nil {
		return "", err
	}

	if tool.Constraint == "" {
		return path, nil
	}

	version, err := p.probeToolVersion(ctx, path)
	if err != nil {
		return "", fmt.Errorf("probe %s version: %w", tool.Name, err)
	}

	constraint, err := semver.NewConstraint(tool.Constraint)
	if err != nil {
		return "", fmt.Errorf("tool %s constraint: %w", tool.Name, err)
	}

	if !constraint.Check(version) {
		return "", fmt.Errorf("%w: %s %s does not satisfy %s",
			errToolVersionRejected, tool.Name, version, tool.Constraint)
	}

	return path, nil
}

// lookTool resolves an executable against an explicit PATH value. The host
// lookup in os/exec consults the process environment, which the run
// deliberately leaves untouched.
func lookTool(pathValue, name string) (string, error) {
	for _, dir := range filepath.SplitList(pathValue) {
		if dir == "" {
			continue
		}

		candidate := filepath.Join(dir, name)

		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}

		if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
			continue
		}

		return candidate, nil
	}

	return "", fmt.Errorf("%s: %w", name, errToolNotFound)
}

// probeToolVersion runs "<tool> --version" and extracts the first dotted
// version number from its output. Tools that report on stderr are covered.
func (p *runner) probeToolVersion(ctx context.Context, toolPath string) (*semver.Version, error) {
	result, err := p.shell.Run(ctx, shell.Command{
		Script:      shell.Quote(toolPath) + " --version",
		Dir:         p.workspace,
		Env:         p.env,
		Description: "version probe",
		Timeout:     versionProbeTimeout,
	})
	if err != nil {
		return nil, err
	}

	output := result.Stdout
	if strings.TrimSpace(output) == "" {
		output = result.Stderr
	}

	return parseToolVersion(output)
}

// bootstrapTool downloads the tool into the workspace bin directory, either
// unpacking an archive or installing a bare binary.
func (p *runner) bootstrapTool(ctx context.Context, tool config.ToolSpec) error {
	url := config.ExpandPlaceholders(tool.URL, map[string]string{
		"VERSION": tool.Version,
		"OS":      runtime.GOOS,
		"ARCH":    runtime.GOARCH,
	})

	if download.IsArchive(url) {
		return p.downloads.FetchArchive(ctx, download.ArchiveSpec{
			URL:             url,
			SHA256:          tool.SHA256,
			DestDir:         p.binDir,
			StripComponents: tool.Strip,
			MarkExec:        tool.MarkExec,
		})
	}

	return p.downloads.InstallBinary(ctx, url, tool.SHA256, filepath.Join(p.binDir, tool.Name))
}

// runSetupCommands executes the configured setup lines in the workspace.
func (p *runner) runSetupCommands(ctx context.Context) error {
	for i, line := range p.cfg.Environment.Setup {
		logger.InfoKV(ctx, "Running setup command", "command", line)

		result, err := p.shell.Run(ctx, shell.Command{
			Script:      line,
			Dir:         p.workspace,
			Env:         p.env,
			Description: fmt.Sprintf("setup command %d", i+1),
		})
		if err != nil {
			if result != nil && result.Stderr != "" {
				logger.ErrorKV(ctx, "Setup command failed", "stderr", tail(result.Stderr))
			}

			return err
		}
	}

	return nil
}
