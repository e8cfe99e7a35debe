package plan

import (
	"context"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/mitchellh/colorstring"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/domain/release"
	"github.com/oshokin/package-conveyor/internal/repository/runstate"
)

// Options are inputs accepted by the plan entry point.
type Options struct {
	// ConfigPath is the optional path to the pipeline configuration YAML.
	ConfigPath string
	// Out receives the rendered plan; nil means standard output.
	Out io.Writer
}

// Run renders a dry-run plan of the pipeline a configuration describes.
// It validates the configuration and prints what every stage would do,
// without touching the workspace, the network or the remote destination.
func Run(_ context.Context, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	p := &planner{cfg: cfg, out: out}

	p.printRun()
	p.printEnvironment()
	p.printSource()
	p.printPatches()
	p.printBuilds()
	p.printPublish()

	return nil
}

// planner renders one section per pipeline stage.
type planner struct {
	cfg *config.Config
	out io.Writer
}

func (p *planner) task(format string, args ...any) {
	colorstring.Fprintf(p.out, "[blue][bold]==>[default] "+format+"\n", args...)
}

func (p *planner) subtask(format string, args ...any) {
	colorstring.Fprintf(p.out, "[green][bold]  ->[reset] "+format+"\n", args...)
}

func (p *planner) printRun() {
	product := p.cfg.Product
	if p.cfg.Variant != "" {
		product += " " + p.cfg.Variant
	}

	p.task("Release plan: %s %s", product, p.cfg.Version())
	p.subtask("Run key: %s", p.cfg.RunKey)
	p.subtask("Run record: %s", runstate.PathForKey(p.cfg.StateDir, p.cfg.RunKey))
	p.subtask("Total run timeout: %s", p.cfg.Timeout)
}

func (p *planner) printEnvironment() {
	env := p.cfg.Environment

	p.task("Stage 1: prepare environment")

	if len(env.Credentials) == 0 && len(env.Tools) == 0 && len(env.Setup) == 0 {
		p.subtask("Fresh workspace only, nothing extra to prepare")
		return
	}

	// Credentials render by name and source; the values stay out of sight.
	for _, cred := range env.Credentials {
		p.subtask("Credential %s from %s", cred.Name, credentialSource(cred))
	}

	for _, tool := range env.Tools {
		p.subtask("Tool %s", describeTool(tool))
	}

	for _, line := range env.Setup {
		p.subtask("Setup: %s", line)
	}
}

func (p *planner) printSource() {
	src := p.cfg.Source

	p.task("Stage 2: fetch source at %s", src.Revision)

	if src.Method == config.SourceMethodArchive {
		url := config.ExpandPlaceholders(src.ArchiveURL, map[string]string{
			"VERSION":  p.cfg.Version(),
			"REVISION": src.Revision,
		})

		p.subtask("Archive: %s", url)

		if src.SignatureURL != "" {
			p.subtask("Signature checked against keyring %s", src.KeyringPath)
		}

		return
	}

	p.subtask("Clone %s, detach at %s", src.Repository, src.Revision)
}

func (p *planner) printPatches() {
	p.task("Stage 3: apply %d patch rule(s)", len(p.cfg.Patches))

	if len(p.cfg.Patches) == 0 {
		p.subtask("Source builds unmodified")
		return
	}

	for i := range p.cfg.Patches {
		p.subtask("%d. %s", i+1, p.cfg.Patches[i].Describe())
	}
}

func (p *planner) printBuilds() {
	p.task("Stage 4: build %d platform(s)", len(p.cfg.PlatformList))

	for _, platform := range p.cfg.PlatformList {
		pkg, sum := p.expectedFiles(platform)

		p.subtask("%s: %s (+ %s)", platform, pkg, sum)
	}
}

func (p *planner) printPublish() {
	p.task("Stage 5: publish to %s", p.cfg.Publish.Destination)

	for _, platform := range p.cfg.PlatformList {
		pkg, _ := p.expectedFiles(platform)

		p.subtask("Pass 1: %s", release.NewArtifact(pkg, p.cfg.Publish.Destination).RemoteURI)
	}

	for _, platform := range p.cfg.PlatformList {
		_, sum := p.expectedFiles(platform)

		p.subtask("Pass 2: %s", release.NewArtifact(sum, p.cfg.Publish.Destination).RemoteURI)
	}
}

func (p *planner) expectedFiles(platform release.Platform) (pkg, sum string) {
	return release.ExpectedFiles(p.cfg.Product, p.cfg.Variant, p.cfg.Version(), p.cfg.PackageExt, platform)
}

func credentialSource(cred config.CredentialSpec) string {
	if cred.FromEnv != "" {
		return "environment variable " + cred.FromEnv
	}

	return "file " + cred.FromFile
}

func describeTool(tool config.ToolSpec) string {
	var b strings.Builder

	b.WriteString(tool.Name)

	if tool.Constraint != "" {
		b.WriteString(" (wants " + tool.Constraint + ")")
	}

	if tool.URL == "" {
		b.WriteString(", must be on PATH")
		return b.String()
	}

	url := config.ExpandPlaceholders(tool.URL, map[string]string{
		"VERSION": tool.Version,
		"OS":      runtime.GOOS,
		"ARCH":    runtime.GOARCH,
	})

	b.WriteString(", bootstrap from " + url)

	return b.String()
}
