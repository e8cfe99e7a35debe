package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/domain/release"
	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/shell"
)

// buildPackages is stage four. Every configured platform is built with the
// external build command and sealed with a checksum sibling. Platforms run
// in declaration order unless parallel builds are enabled.
func (p *runner) buildPackages(ctx context.Context) error {
	if err := os.MkdirAll(p.outputDir(), DefaultDirMode); err != nil {
		return fmt.Errorf("%w: create output directory: %w", ErrBuildFailed, err)
	}

	if p.parallelBuilds() {
		group, groupCtx := errgroup.WithContext(ctx)

		for _, platform := range p.cfg.PlatformList {
			group.Go(func() error {
				return p.buildPlatform(groupCtx, platform)
			})
		}

		return group.Wait()
	}

	for _, platform := range p.cfg.PlatformList {
		if err := p.buildPlatform(ctx, platform); err != nil {
			return err
		}
	}

	return nil
}

// buildPlatform runs the build command for one platform and verifies its
// expected outputs exist before writing their checksum siblings.
func (p *runner) buildPlatform(ctx context.Context, platform release.Platform) error {
	logger.InfoKV(ctx, "Building platform", "platform", platform.String())

	command := config.ExpandPlaceholders(p.cfg.Build.Command, p.buildVars(platform))

	result, err := p.shell.Run(ctx, shell.Command{
		Script:      command,
		Dir:         p.srcDir,
		Env:         p.env,
		Description: "build " + platform.String(),
	})
	if err != nil {
		if result != nil && result.Stderr != "" {
			logger.ErrorKV(ctx, "Build failed",
				"platform", platform.String(), "stderr", tail(result.Stderr))
		}

		return fmt.Errorf("%w: platform %s: %w", ErrBuildFailed, platform, err)
	}

	return p.sealArtifacts(ctx, platform)
}

// sealArtifacts checks that the platform's package file exists and is
// non-empty, then writes the checksum sibling next to it. A sibling the
// build command already produced is left alone.
func (p *runner) sealArtifacts(ctx context.Context, platform release.Platform) error {
	pkg, sum := p.expectedFiles(platform)

	pkgPath := filepath.Join(p.outputDir(), pkg)

	info, err := os.Stat(pkgPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrMissingArtifact, pkg)
	}

	sumPath := filepath.Join(p.outputDir(), sum)
	if _, err = os.Stat(sumPath); err == nil {
		logger.InfoKV(ctx, "Checksum sibling already present", "file", sum)
		return nil
	}

	digest, err := fileChecksum(pkgPath)
	if err != nil {
		return fmt.Errorf("%w: checksum %s: %w", ErrBuildFailed, pkg, err)
	}

	if err = os.WriteFile(sumPath, []byte(checksumLine(digest, pkg)), artifactFileMode); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrBuildFailed, sum, err)
	}

	logger.InfoKV(ctx, "Platform built", "package", pkg, "size", info.Size())

	return nil
}

// buildVars are the placeholders available to the build command template.
func (p *runner) buildVars(platform release.Platform) map[string]string {
	return map[string]string{
		"PLATFORM":   platform.String(),
		"OS":         platform.OS,
		"ARCH":       platform.Arch,
		"VERSION":    p.cfg.Version(),
		"PRODUCT":    p.cfg.Product,
		"VARIANT":    p.cfg.Variant,
		"WORKSPACE":  p.workspace,
		"OUTPUT_DIR": p.outputDir(),
	}
}

// expectedFiles derives the package and checksum filenames for a platform.
func (p *runner) expectedFiles(platform release.Platform) (pkg, sum string) {
	return release.ExpectedFiles(p.cfg.Product, p.cfg.Variant, p.cfg.Version(), p.cfg.PackageExt, platform)
}

// outputDir is where build outputs land, inside the source tree.
func (p *runner) outputDir() string {
	return filepath.Join(p.srcDir, filepath.FromSlash(p.cfg.Build.OutputDir))
}

func (p *runner) parallelBuilds() bool {
	return p.opts.ParallelBuilds || p.cfg.Build.Parallel
}
