package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aidarkhanov/nanoid"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/download"
	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/repository/runstate"
	"github.com/oshokin/package-conveyor/internal/shell"
)

var (
	// ErrEnvironmentSetup marks failures resolving credentials, tools or setup commands.
	ErrEnvironmentSetup = errors.New("environment setup failed")
	// ErrSourceFetch marks failures populating the workspace at the pinned revision.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrPatchNotApplied marks a rule whose pattern matched nothing; fatal only in strict mode.
	ErrPatchNotApplied = errors.New("patch not applied")
	// ErrPatchFailed marks an I/O or parse failure while patching.
	ErrPatchFailed = errors.New("patch failed")
	// ErrBuildFailed marks a build command that exited non-zero.
	ErrBuildFailed = errors.New("build failed")
	// ErrMissingArtifact marks an expected output that is absent or empty.
	ErrMissingArtifact = errors.New("expected artifact missing")
	// ErrUploadFailed marks a failed upload invocation.
	ErrUploadFailed = errors.New("upload failed")
	// ErrRunSuperseded signals that a newer run claimed this run's key.
	ErrRunSuperseded = errors.New("run superseded by a newer one")

	errNoVersionInOutput      = errors.New("no version number in probe output")
	errToolUnavailable        = errors.New("tool unavailable and no bootstrap URL configured")
	errToolNotFound           = errors.New("tool not found on PATH")
	errToolVersionRejected    = errors.New("tool version outside the configured constraint")
	errCredentialUnavailable  = errors.New("credential source is empty")
	errTargetOutsideWorkspace = errors.New("patch target escapes the workspace")
)

// Options are inputs accepted by the pipeline entry point.
type Options struct {
	// ConfigPath is the optional path to the pipeline configuration YAML.
	ConfigPath string
	// Timeout overrides the configured total-run ceiling when positive.
	Timeout time.Duration
	// StrictPatches fails the run when a patch rule matches nothing.
	StrictPatches bool
	// KeepWorkspace leaves the workspace on disk after the run.
	KeepWorkspace bool
	// ParallelBuilds builds all platforms concurrently.
	ParallelBuilds bool
	// Shell overrides the script runner; tests substitute external tools here.
	Shell *shell.Runner
}

// pipelineStage pairs a stage with its share of a typical run, used for the
// progress numbers in stage logs.
type pipelineStage struct {
	name   string
	weight int
	run    func(context.Context) error
}

// runner holds the mutable state of a single pipeline execution.
// It is intentionally unexported; call Run(ctx, opts) from callers.
type runner struct {
	cfg       *config.Config
	opts      *Options
	shell     *shell.Runner
	downloads *download.Client
	records   runstate.Repository
	record    *runstate.Record

	runID   string
	timeout time.Duration

	workspace string // root of the ephemeral working area
	srcDir    string // fetched source tree, build working directory
	binDir    string // bootstrapped tool binaries, prepended to PATH
	cacheDir  string // downloaded archives and signatures

	env []string // execution environment injected into every stage

	owned bool // whether this run holds the run record
}

// Run executes the pipeline and is the public entry point for the CLI.
// A superseded run stands down cleanly: it logs a warning and returns nil.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "conveyor")

	p, err := newRunner(opts)
	if err != nil {
		return err
	}

	ctx = logger.WithKV(ctx, "run_id", p.runID)

	defer p.cleanup(ctx)

	err = p.run(ctx)

	switch {
	case errors.Is(err, ErrRunSuperseded):
		logger.WarnKV(ctx, "A newer run took over this key, standing down", "run_key", p.cfg.RunKey)
		return nil
	case err != nil:
		logger.ErrorKV(ctx, "Pipeline run failed", "error", err)
		return err
	}

	logger.Info(ctx, "Pipeline completed")

	return nil
}

// newRunner loads the configuration and prepares the run identity. Nothing
// on disk is touched yet; that starts with the first stage.
func newRunner(opts *Options) (*runner, error) {
	if opts == nil {
		opts = &Options{}
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	runID := nanoid.New()

	workspaceRoot := cfg.Workspace.Root
	if workspaceRoot == "" {
		workspaceRoot = os.TempDir()
	}

	// Each run gets a fresh directory even under a shared root.
	workspace := filepath.Join(workspaceRoot, "conveyor-"+runID)

	timeout := cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	scriptRunner := opts.Shell
	if scriptRunner == nil {
		scriptRunner = shell.NewRunner()
	}

	executable := ""
	if executablePath, execErr := os.Executable(); execErr == nil {
		executable = filepath.Base(executablePath)
	}

	now := time.Now().UTC()

	p := &runner{
		cfg:       cfg,
		opts:      opts,
		shell:     scriptRunner,
		downloads: download.NewClient(),
		records:   runstate.NewFileRepository(runstate.PathForKey(cfg.StateDir, cfg.RunKey)),
		record: &runstate.Record{
			RunID:      runID,
			RunKey:     cfg.RunKey,
			PID:        os.Getpid(),
			Executable: executable,
			StartedAt:  now,
			UpdatedAt:  now,
		},
		runID:     runID,
		timeout:   timeout,
		workspace: workspace,
		srcDir:    filepath.Join(workspace, "src"),
		binDir:    filepath.Join(workspace, "tools", "bin"),
		cacheDir:  filepath.Join(workspace, "cache"),
	}

	return p, nil
}

// run claims the run key and executes the five stages in order, fail-fast.
func (p *runner) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.acquireRun(ctx); err != nil {
		return err
	}

	stages := []pipelineStage{
		{"prepare environment", 25, p.prepareEnvironment},
		{"fetch source", 10, p.fetchSource},
		{"apply patches", 30, p.applyPatches},
		{"build packages", 20, p.buildPackages},
		{"publish artifacts", 15, p.publishArtifacts},
	}

	progress := 0

	for _, stage := range stages {
		if err := p.runStage(ctx, stage, &progress); err != nil {
			return err
		}
	}

	return nil
}

// runStage executes one stage with start/completion logs and refreshes the
// run record afterwards so competing runs observe the heartbeat.
func (p *runner) runStage(ctx context.Context, stage pipelineStage, progress *int) error {
	logger.InfoKV(ctx, "Stage started", "stage", stage.name)

	started := time.Now()

	if err := stage.run(ctx); err != nil {
		return fmt.Errorf("%s: %w", stage.name, err)
	}

	*progress += stage.weight

	logger.InfoKV(ctx, "Stage completed",
		"stage", stage.name,
		"duration", time.Since(started).Round(time.Millisecond).String(),
		"progress", strconv.Itoa(*progress)+"%")

	return p.checkpoint(ctx)
}

// acquireRun claims the run key. A record started later than this run means
// a newer run already owns the key and this one stands down without side
// effects. Older records are overwritten: stale ones silently, live ones
// with a warning (that run will observe the takeover at its next checkpoint).
func (p *runner) acquireRun(ctx context.Context) error {
	existing, err := p.records.Load(ctx)
	if err != nil && !errors.Is(err, runstate.ErrNotFound) {
		return fmt.Errorf("load run record: %w", err)
	}

	if existing != nil {
		if existing.StartedAt.After(p.record.StartedAt) {
			return ErrRunSuperseded
		}

		if isRecordLive(existing) {
			logger.WarnKV(ctx, "Superseding a live run for the same key",
				"previous_run_id", existing.RunID, "pid", existing.PID)
		} else {
			logger.InfoKV(ctx, "Replacing a stale run record",
				"previous_run_id", existing.RunID, "pid", existing.PID)
		}
	}

	if err = p.saveRecord(ctx); err != nil {
		return err
	}

	p.owned = true

	logger.InfoKV(ctx, "Run key claimed", "run_key", p.cfg.RunKey)

	return nil
}

// checkpoint verifies this run still owns its key and refreshes the heartbeat.
func (p *runner) checkpoint(ctx context.Context) error {
	record, err := p.records.Load(ctx)
	if err != nil {
		if errors.Is(err, runstate.ErrNotFound) {
			// The record was cleared externally; reclaim it.
			return p.saveRecord(ctx)
		}

		return fmt.Errorf("load run record: %w", err)
	}

	if record.RunID != p.runID {
		return ErrRunSuperseded
	}

	return p.saveRecord(ctx)
}

func (p *runner) saveRecord(ctx context.Context) error {
	p.record.UpdatedAt = time.Now().UTC()

	if err := p.records.Save(ctx, p.record); err != nil {
		return fmt.Errorf("save run record: %w", err)
	}

	return nil
}

// cleanup removes the workspace and releases the run record if this run
// still owns it.
func (p *runner) cleanup(ctx context.Context) {
	if p.workspace != "" {
		if p.opts.KeepWorkspace || p.cfg.Workspace.Keep {
			logger.InfoKV(ctx, "Workspace kept", "path", p.workspace)
		} else if _, err := os.Stat(p.workspace); err == nil {
			_ = os.RemoveAll(p.workspace)
		}
	}

	p.releaseRecord(ctx)

	logger.Info(ctx, "The pipeline has been stopped")
}

// releaseRecord clears the run record unless a newer run owns it by now.
func (p *runner) releaseRecord(ctx context.Context) {
	if !p.owned {
		return
	}

	record, err := p.records.Load(ctx)
	if err != nil || record.RunID != p.runID {
		return
	}

	_ = p.records.Clear(ctx)
}
