package pipeline

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/download"
	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/shell"
	"github.com/oshokin/package-conveyor/internal/signature"
)

// fetchSource is stage two. It populates the workspace source tree at the
// pinned revision; nothing else reads the network for source code.
func (p *runner) fetchSource(ctx context.Context) error {
	var err error

	switch p.cfg.Source.Method {
	case config.SourceMethodArchive:
		err = p.fetchArchive(ctx)
	default:
		err = p.fetchGit(ctx)
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}

	logger.InfoKV(ctx, "Source ready", "revision", p.cfg.Source.Revision, "path", p.srcDir)

	return nil
}

// fetchGit clones the repository and detaches at the pinned revision.
// A moved branch or tag cannot change what gets built.
func (p *runner) fetchGit(ctx context.Context) error {
	script := strings.Join([]string{
		"git clone --quiet " + shell.Quote(p.cfg.Source.Repository) + " " + shell.Quote(p.srcDir),
		"cd " + shell.Quote(p.srcDir),
		"git checkout --quiet --detach " + shell.Quote(p.cfg.Source.Revision),
	}, "\n")

	result, err := p.shell.Run(ctx, shell.Command{
		Script:      script,
		Dir:         p.workspace,
		Env:         p.env,
		Description: "git fetch",
	})
	if err != nil {
		if result != nil && result.Stderr != "" {
			logger.ErrorKV(ctx, "Git fetch failed", "stderr", tail(result.Stderr))
		}

		return err
	}

	return nil
}

// fetchArchive downloads the source tarball, checks a detached signature when
// one is configured, and unpacks the result into the source tree.
func (p *runner) fetchArchive(ctx context.Context) error {
	src := p.cfg.Source

	vars := map[string]string{
		"VERSION":  p.cfg.Version(),
		"REVISION": src.Revision,
	}

	url := config.ExpandPlaceholders(src.ArchiveURL, vars)

	if src.SignatureURL == "" {
		return p.downloads.FetchArchive(ctx, download.ArchiveSpec{
			URL:             url,
			SHA256:          src.ArchiveSHA256,
			DestDir:         p.srcDir,
			StripComponents: src.Strip,
		})
	}

	// The archive is kept in the cache so the signature is checked against
	// the exact bytes that get unpacked.
	archivePath := filepath.Join(p.cacheDir, archiveFileName(url))
	if err := p.downloads.FetchFile(ctx, url, src.ArchiveSHA256, archivePath); err != nil {
		return err
	}

	signaturePath := archivePath + ".sig"
	if err := p.downloads.FetchFile(ctx, config.ExpandPlaceholders(src.SignatureURL, vars), "", signaturePath); err != nil {
		return err
	}

	verifier, err := signature.NewVerifierFromFile(src.KeyringPath)
	if err != nil {
		return err
	}

	fingerprint, err := verifier.VerifyFile(archivePath, signaturePath)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Archive signature verified", "signer", fingerprint)

	return download.ExtractArchive(archivePath, p.srcDir, src.Strip, nil)
}

// archiveFileName derives a cache filename from a download URL.
func archiveFileName(url string) string {
	if cut := strings.IndexAny(url, "?#"); cut >= 0 {
		url = url[:cut]
	}

	return path.Base(url)
}
