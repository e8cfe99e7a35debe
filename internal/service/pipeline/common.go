package pipeline

import (
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/mitchellh/go-ps"

	"github.com/oshokin/package-conveyor/internal/repository/runstate"

	// Ensure SHA512 is available for checksum siblings.
	_ "crypto/sha512"
)

const (
	// DefaultChecksumFunction hashes build artifacts for checksum siblings.
	DefaultChecksumFunction crypto.Hash = crypto.SHA512

	// DefaultDirMode is used for workspace directories.
	DefaultDirMode os.FileMode = 0o750

	// artifactFileMode is used for checksum siblings written by the builder.
	artifactFileMode os.FileMode = 0o644

	// versionProbeTimeout bounds a tool version probe.
	versionProbeTimeout = 10 * time.Second

	// stderrTailLimit caps how much captured stderr a failure log carries.
	stderrTailLimit = 2048
)

var (
	errHashUnavailable = errors.New("hash function unavailable")

	// toolVersionPattern extracts the first dotted version number from probe output.
	toolVersionPattern = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)
)

// fileChecksum returns checksum bytes for a file using DefaultChecksumFunction.
func fileChecksum(path string) ([]byte, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	if !DefaultChecksumFunction.Available() {
		return nil, fmt.Errorf("checksum calculation not possible: %w", errHashUnavailable)
	}

	hasher := DefaultChecksumFunction.New()
	if _, err = hasher.Write(contents); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}

// checksumLine renders a digest in the sha512sum output format.
func checksumLine(digest []byte, fileName string) string {
	return hex.EncodeToString(digest) + "  " + fileName + "\n"
}

// parseToolVersion extracts a semantic version from tool probe output.
func parseToolVersion(output string) (*semver.Version, error) {
	match := toolVersionPattern.FindString(output)
	if match == "" {
		return nil, errNoVersionInOutput
	}

	return semver.NewVersion(match)
}

// isRecordLive reports whether the run that wrote the record still looks
// alive. The executable name guards against PID reuse by another program.
func isRecordLive(record *runstate.Record) bool {
	if record.PID <= 0 {
		return false
	}

	process, err := ps.FindProcess(record.PID)
	if err != nil || process == nil {
		return false
	}

	return record.Executable == "" || process.Executable() == record.Executable
}

// envValue returns the value of a variable in an environ-style list.
func envValue(env []string, name string) string {
	prefix := name + "="

	// Later entries win, matching how shells resolve duplicates.
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):]
		}
	}

	return ""
}

// setEnvValue replaces or appends a variable in an environ-style list.
func setEnvValue(env []string, name, value string) []string {
	prefix := name + "="

	for i, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			env[i] = prefix + value
			return env
		}
	}

	return append(env, prefix+value)
}

// tail returns at most the last stderrTailLimit characters of s for logging.
func tail(s string) string {
	if len(s) <= stderrTailLimit {
		return strings.TrimSpace(s)
	}

	return strings.TrimSpace(s[len(s)-stderrTailLimit:])
}
