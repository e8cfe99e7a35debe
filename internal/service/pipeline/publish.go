package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/domain/release"
	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/shell"
)

// publishArtifacts is stage five. The upload list is derived from the
// configuration, never from a directory listing: exactly the expected
// package files and their checksum siblings go out. Packages upload first so
// a visible checksum always refers to a package that is already there.
func (p *runner) publishArtifacts(ctx context.Context) error {
	var packages, checksums []release.Artifact

	destination := p.cfg.Publish.Destination

	for _, platform := range p.cfg.PlatformList {
		pkg, sum := p.expectedFiles(platform)

		packages = append(packages, release.NewArtifact(pkg, destination))
		checksums = append(checksums, release.NewArtifact(sum, destination))
	}

	if err := p.uploadPass(ctx, "packages", packages); err != nil {
		return err
	}

	return p.uploadPass(ctx, "checksums", checksums)
}

// uploadPass uploads one artifact class. The run key is re-checked before
// the pass so a superseded run never races a newer one on the remote.
func (p *runner) uploadPass(ctx context.Context, class string, artifacts []release.Artifact) error {
	if err := p.checkpoint(ctx); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Upload pass started", "class", class, "count", len(artifacts))

	for _, artifact := range artifacts {
		localPath := filepath.Join(p.outputDir(), artifact.LocalName)

		info, err := os.Stat(localPath)
		if err != nil || info.Size() == 0 {
			return fmt.Errorf("%w: %s", ErrMissingArtifact, artifact.LocalName)
		}

		command := config.ExpandPlaceholders(p.cfg.Publish.Command, map[string]string{
			"LOCAL_PATH": shell.Quote(localPath),
			"REMOTE_URI": shell.Quote(artifact.RemoteURI),
		})

		result, err := p.shell.Run(ctx, shell.Command{
			Script:      command,
			Dir:         p.outputDir(),
			Env:         p.env,
			Description: "upload " + artifact.LocalName,
		})
		if err != nil {
			if result != nil && result.Stderr != "" {
				logger.ErrorKV(ctx, "Upload failed",
					"artifact", artifact.LocalName, "stderr", tail(result.Stderr))
			}

			return fmt.Errorf("%w: %s: %w", ErrUploadFailed, artifact.LocalName, err)
		}

		logger.InfoKV(ctx, "Artifact published", "uri", artifact.RemoteURI)
	}

	return nil
}
