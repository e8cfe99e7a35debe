package download

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	goupdate "github.com/doitdistributed/go-update"
	"github.com/schollz/progressbar/v3"
)

var (
	// ErrChecksumMismatch is returned when a downloaded file does not match its expected digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsupportedArchive is returned for archive formats the extractor does not know.
	ErrUnsupportedArchive = errors.New("unsupported archive format")

	errUnexpectedStatus = errors.New("unexpected HTTP status")
	errEntryEscapesDest = errors.New("archive entry escapes destination")
)

const (
	// defaultTimeout bounds a whole download, sized for large source archives.
	defaultTimeout = 30 * time.Minute

	// executableFileMode is applied to installed tool binaries.
	executableFileMode os.FileMode = 0o755

	// defaultDirMode is used for directories created while unpacking.
	defaultDirMode os.FileMode = 0o750

	// defaultEntryMode is used for entries whose archive metadata carries no permissions.
	defaultEntryMode os.FileMode = 0o640
)

// Client downloads pipeline inputs over HTTP and verifies their digests.
type Client struct {
	httpClient   *http.Client
	showProgress bool
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithProgress overrides progress bar visibility, which otherwise keys off
// the CI environment variable.
func WithProgress(show bool) Option {
	return func(c *Client) {
		c.showProgress = show
	}
}

// NewClient builds a Client with a timeout suited to multi-gigabyte archives.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		showProgress: os.Getenv("CI") != "true",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ArchiveSpec describes an archive download and how to unpack it.
type ArchiveSpec struct {
	// URL locates the archive; the filename suffix selects the format.
	URL string
	// SHA256 is the expected hex digest of the archive; empty skips verification.
	SHA256 string
	// DestDir receives the unpacked tree.
	DestDir string
	// StripComponents removes this many leading path elements from every entry.
	StripComponents int
	// MarkExec lists destination-relative paths to mark executable after unpacking.
	MarkExec []string
}

// FetchFile downloads url into destPath and verifies the hex-encoded SHA-256
// digest when one is provided. A file that fails verification is removed.
func (c *Client) FetchFile(ctx context.Context, url, checksum, destPath string) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err = os.MkdirAll(filepath.Dir(destPath), defaultDirMode); err != nil {
		return fmt.Errorf("create directory for %s: %w", destPath, err)
	}

	out, err := os.Create(filepath.Clean(destPath))
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}

	hasher := sha256.New()
	bar := c.progressBar(resp.ContentLength, filepath.Base(destPath))

	_, err = io.Copy(io.MultiWriter(out, hasher, bar), resp.Body)
	closeErr := out.Close()

	_ = bar.Finish()

	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}

	if closeErr != nil {
		return fmt.Errorf("flush %s: %w", destPath, closeErr)
	}

	if checksum == "" {
		return nil
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(digest, checksum) {
		_ = os.Remove(destPath)

		return fmt.Errorf("verify %s: %w: expected %s, got %s", url, ErrChecksumMismatch, checksum, digest)
	}

	return nil
}

// InstallBinary downloads a single-file tool and swaps it into destPath
// atomically. The digest is mandatory and checked before the swap, so a bad
// download never replaces a working tool.
func (c *Client) InstallBinary(ctx context.Context, url, checksum, destPath string) error {
	expected, err := hex.DecodeString(checksum)
	if err != nil {
		return fmt.Errorf("decode checksum for %s: %w", url, err)
	}

	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err = os.MkdirAll(filepath.Dir(destPath), defaultDirMode); err != nil {
		return fmt.Errorf("create directory for %s: %w", destPath, err)
	}

	// The updater needs an existing target to swap against.
	if _, err = os.Stat(destPath); err != nil && os.IsNotExist(err) {
		var placeholder *os.File

		placeholder, err = os.Create(filepath.Clean(destPath))
		if err != nil {
			return fmt.Errorf("create %s: %w", destPath, err)
		}

		_ = placeholder.Close()
	}

	bar := c.progressBar(resp.ContentLength, filepath.Base(destPath))
	body := io.TeeReader(resp.Body, bar)

	options := goupdate.Options{
		TargetPath: destPath,
		TargetMode: executableFileMode,
		Checksum:   expected,
		Hash:       crypto.SHA256,
	}

	err = goupdate.Apply(body, options)

	_ = bar.Finish()

	if err != nil {
		return fmt.Errorf("install %s: %w", destPath, err)
	}

	oldPath := destPath + ".old"
	if _, err = os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}

// FetchArchive downloads an archive, verifies it and unpacks it into the
// destination directory.
func (c *Client) FetchArchive(ctx context.Context, spec ArchiveSpec) error {
	tempFile, err := os.CreateTemp("", "conveyor-dl-*")
	if err != nil {
		return fmt.Errorf("create temporary download file: %w", err)
	}

	tempPath := tempFile.Name()

	defer func() {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
	}()

	resp, err := c.get(ctx, spec.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	hasher := sha256.New()
	bar := c.progressBar(resp.ContentLength, "download")

	_, err = io.Copy(io.MultiWriter(tempFile, hasher, bar), resp.Body)

	_ = bar.Finish()

	if err != nil {
		return fmt.Errorf("download %s: %w", spec.URL, err)
	}

	if spec.SHA256 != "" {
		digest := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(digest, spec.SHA256) {
			return fmt.Errorf("verify %s: %w: expected %s, got %s", spec.URL, ErrChecksumMismatch, spec.SHA256, digest)
		}
	}

	if _, err = tempFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", tempPath, err)
	}

	if err = os.MkdirAll(spec.DestDir, defaultDirMode); err != nil {
		return fmt.Errorf("create %s: %w", spec.DestDir, err)
	}

	if err = extract(tempFile, spec.URL, spec.DestDir, spec.StripComponents); err != nil {
		return fmt.Errorf("unpack %s: %w", spec.URL, err)
	}

	return markExecutables(spec.DestDir, spec.MarkExec)
}

// ExtractArchive unpacks an already downloaded archive into destDir.
// The format is selected by the archive filename suffix.
func ExtractArchive(archivePath, destDir string, strip int, markExec []string) error {
	f, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return fmt.Errorf("open %s: %w", archivePath, err)
	}
	defer f.Close()

	if err = os.MkdirAll(destDir, defaultDirMode); err != nil {
		return fmt.Errorf("create %s: %w", destDir, err)
	}

	if err = extract(f, archivePath, destDir, strip); err != nil {
		return fmt.Errorf("unpack %s: %w", archivePath, err)
	}

	return markExecutables(destDir, markExec)
}

// get issues the request and validates the response status.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()

		return nil, fmt.Errorf("download %s: %w: %s", url, errUnexpectedStatus, resp.Status)
	}

	return resp, nil
}

// progressBar returns a byte progress bar, hidden when running unattended.
func (c *Client) progressBar(length int64, description string) *progressbar.ProgressBar {
	if !c.showProgress {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, description)
}
