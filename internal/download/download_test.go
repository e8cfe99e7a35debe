package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// sha256Hex returns the hex digest of data for test fixtures.
func sha256Hex(data []byte) string {
	digest := sha256.Sum256(data)

	return hex.EncodeToString(digest[:])
}

// serveBytes starts a test server answering every request with body.
func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	return server
}

// TestClientFetchFile verifies that a download lands at the destination path
// and passes digest verification.
func TestClientFetchFile(t *testing.T) {
	t.Parallel()

	payload := []byte("source archive payload")
	server := serveBytes(t, payload)

	destPath := filepath.Join(t.TempDir(), "cache", "src.tar.gz")
	client := NewClient(WithProgress(false))

	err := client.FetchFile(context.Background(), server.URL+"/src.tar.gz", sha256Hex(payload), destPath)
	require.NoError(t, err)

	saved, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, payload, saved)
}

// TestClientFetchFileChecksumMismatch verifies that a corrupted download is
// reported and removed.
func TestClientFetchFileChecksumMismatch(t *testing.T) {
	t.Parallel()

	server := serveBytes(t, []byte("tampered payload"))

	destPath := filepath.Join(t.TempDir(), "src.tar.gz")
	client := NewClient(WithProgress(false))

	err := client.FetchFile(context.Background(), server.URL, sha256Hex([]byte("expected payload")), destPath)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.NoFileExists(t, destPath)
}

// TestClientFetchFileServerError verifies that non-200 responses fail the download.
func TestClientFetchFileServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	client := NewClient(WithProgress(false))

	err := client.FetchFile(context.Background(), server.URL, "", filepath.Join(t.TempDir(), "f"))
	require.Error(t, err)
	require.ErrorContains(t, err, "404")
}

// TestClientInstallBinary verifies that a tool download is verified and
// swapped into place with executable permissions.
func TestClientInstallBinary(t *testing.T) {
	t.Parallel()

	payload := []byte("#!/bin/sh\nexit 0\n")
	server := serveBytes(t, payload)

	destPath := filepath.Join(t.TempDir(), "bin", "fpm")
	client := NewClient(WithProgress(false))

	err := client.InstallBinary(context.Background(), server.URL, sha256Hex(payload), destPath)
	require.NoError(t, err)

	installed, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, payload, installed)

	info, err := os.Stat(destPath)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o100)

	require.NoFileExists(t, destPath+".old")
}

// TestClientInstallBinaryChecksumMismatch verifies that a bad download never
// replaces the existing tool.
func TestClientInstallBinaryChecksumMismatch(t *testing.T) {
	t.Parallel()

	server := serveBytes(t, []byte("corrupted tool"))

	destPath := filepath.Join(t.TempDir(), "fpm")
	require.NoError(t, os.WriteFile(destPath, []byte("existing tool"), 0o755))

	client := NewClient(WithProgress(false))

	err := client.InstallBinary(context.Background(), server.URL, sha256Hex([]byte("released tool")), destPath)
	require.Error(t, err)

	untouched, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, []byte("existing tool"), untouched)
}

// TestClientInstallBinaryBadChecksumValue verifies that a checksum that is
// not valid hex is rejected before any download happens.
func TestClientInstallBinaryBadChecksumValue(t *testing.T) {
	t.Parallel()

	client := NewClient(WithProgress(false))

	err := client.InstallBinary(context.Background(), "http://127.0.0.1:1/tool", "not-hex", filepath.Join(t.TempDir(), "tool"))
	require.Error(t, err)
	require.ErrorContains(t, err, "decode checksum")
}
