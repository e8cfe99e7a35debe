package download

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	body     string
	linkName string
	mode     int64
}

// buildTarGz assembles a gzipped tarball from the given entries.
func buildTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		if entry.linkName != "" {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     entry.name,
				Typeflag: tar.TypeSymlink,
				Linkname: entry.linkName,
			}))

			continue
		}

		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: entry.name,
			Mode: entry.mode,
			Size: int64(len(entry.body)),
		}))

		_, err := tw.Write([]byte(entry.body))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

// buildZip assembles a zip archive mapping names to contents.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// TestClientFetchArchiveTarGz verifies download, digest check, component
// stripping, symlinks and executable marking for a tarball.
func TestClientFetchArchiveTarGz(t *testing.T) {
	t.Parallel()

	archive := buildTarGz(t, []tarEntry{
		{name: "pkg-1.0/Makefile", body: "all:\n", mode: 0o644},
		{name: "pkg-1.0/scripts/build.sh", body: "#!/bin/sh\n", mode: 0o644},
		{name: "pkg-1.0/latest", linkName: "Makefile"},
	})
	server := serveBytes(t, archive)

	destDir := filepath.Join(t.TempDir(), "src")
	client := NewClient(WithProgress(false))

	err := client.FetchArchive(context.Background(), ArchiveSpec{
		URL:             server.URL + "/pkg-1.0.tar.gz",
		SHA256:          sha256Hex(archive),
		DestDir:         destDir,
		StripComponents: 1,
		MarkExec:        []string{"scripts/build.sh"},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(destDir, "Makefile"))
	require.NoError(t, err)
	require.Equal(t, "all:\n", string(content))

	require.NoDirExists(t, filepath.Join(destDir, "pkg-1.0"))

	target, err := os.Readlink(filepath.Join(destDir, "latest"))
	require.NoError(t, err)
	require.Equal(t, "Makefile", target)

	info, err := os.Stat(filepath.Join(destDir, "scripts", "build.sh"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o100)
}

// TestClientFetchArchiveZip verifies zip extraction with stripping.
func TestClientFetchArchiveZip(t *testing.T) {
	t.Parallel()

	archive := buildZip(t, map[string]string{
		"tool/bin/run":  "binary bytes",
		"tool/README":   "docs",
		"tool/sub/file": "nested",
	})
	server := serveBytes(t, archive)

	destDir := filepath.Join(t.TempDir(), "tool")
	client := NewClient(WithProgress(false))

	err := client.FetchArchive(context.Background(), ArchiveSpec{
		URL:             server.URL + "/tool.zip",
		SHA256:          sha256Hex(archive),
		DestDir:         destDir,
		StripComponents: 1,
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(destDir, "bin", "run"))
	require.NoError(t, err)
	require.Equal(t, "binary bytes", string(content))

	require.FileExists(t, filepath.Join(destDir, "sub", "file"))
}

// TestClientFetchArchiveChecksumMismatch verifies that nothing is unpacked
// when the archive digest does not match.
func TestClientFetchArchiveChecksumMismatch(t *testing.T) {
	t.Parallel()

	archive := buildTarGz(t, []tarEntry{{name: "pkg/file", body: "data", mode: 0o644}})
	server := serveBytes(t, archive)

	destDir := filepath.Join(t.TempDir(), "src")
	client := NewClient(WithProgress(false))

	err := client.FetchArchive(context.Background(), ArchiveSpec{
		URL:     server.URL + "/pkg.tar.gz",
		SHA256:  sha256Hex([]byte("something else")),
		DestDir: destDir,
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.NoFileExists(t, filepath.Join(destDir, "pkg", "file"))
}

// TestClientFetchArchiveUnsupportedFormat verifies that unknown archive
// suffixes are rejected.
func TestClientFetchArchiveUnsupportedFormat(t *testing.T) {
	t.Parallel()

	server := serveBytes(t, []byte("rar bytes"))
	client := NewClient(WithProgress(false))

	err := client.FetchArchive(context.Background(), ArchiveSpec{
		URL:     server.URL + "/src.rar",
		DestDir: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrUnsupportedArchive)
}

// TestExtractArchiveFromDisk verifies unpacking an archive that was
// downloaded separately, as happens when a signature is verified first.
func TestExtractArchiveFromDisk(t *testing.T) {
	t.Parallel()

	archive := buildTarGz(t, []tarEntry{
		{name: "pkg-2.0/configure", body: "#!/bin/sh\n", mode: 0o755},
	})

	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "pkg-2.0.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, archive, 0o600))

	destDir := filepath.Join(workDir, "src")

	err := ExtractArchive(archivePath, destDir, 1, nil)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(destDir, "configure"))
}

// TestEntryDest verifies stripping, skipping and the traversal guard.
func TestEntryDest(t *testing.T) {
	t.Parallel()

	destDir := filepath.Join(string(os.PathSeparator), "work", "src")

	dest, ok, err := entryDest(destDir, "pkg/sub/file", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, filepath.Join(destDir, "sub", "file"), dest)

	_, ok, err = entryDest(destDir, "pkg", 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = entryDest(destDir, "../evil", 0)
	require.ErrorIs(t, err, errEntryEscapesDest)
}
