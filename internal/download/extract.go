package download

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ulikunitz/xz"
)

// executableBits are added to unpacked binaries that zip archives shipped
// without permissions.
const executableBits os.FileMode = 0o700

// archiveSuffixes lists the formats extract understands.
var archiveSuffixes = []string{".zip", ".tar.gz", ".tgz", ".tar.bz2", ".tar.xz"}

// IsArchive reports whether the name (a URL or a path) ends in a supported
// archive format. Query strings and fragments are ignored.
func IsArchive(name string) bool {
	if cut := strings.IndexAny(name, "?#"); cut >= 0 {
		name = name[:cut]
	}

	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	return false
}

// extract unpacks the archive into destDir, dispatching on the source name suffix.
func extract(f *os.File, sourceName, destDir string, strip int) error {
	// Ignore query strings and fragments when matching the format suffix.
	if cut := strings.IndexAny(sourceName, "?#"); cut >= 0 {
		sourceName = sourceName[:cut]
	}

	switch {
	case strings.HasSuffix(sourceName, ".zip"):
		return extractZip(f, destDir, strip)
	case strings.HasSuffix(sourceName, ".tar.gz"), strings.HasSuffix(sourceName, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()

		return extractTar(gz, destDir, strip)
	case strings.HasSuffix(sourceName, ".tar.bz2"):
		return extractTar(bzip2.NewReader(f), destDir, strip)
	case strings.HasSuffix(sourceName, ".tar.xz"):
		xzReader, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("open xz stream: %w", err)
		}

		return extractTar(xzReader, destDir, strip)
	default:
		return fmt.Errorf("%s: %w", path.Base(sourceName), ErrUnsupportedArchive)
	}
}

func extractTar(r io.Reader, destDir string, strip int) error {
	archive := tar.NewReader(r)

	for {
		header, err := archive.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read archive entry: %w", err)
		}

		info := header.FileInfo()
		if info.IsDir() {
			continue
		}

		dest, ok, err := entryDest(destDir, header.Name, strip)
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		if err = os.MkdirAll(filepath.Dir(dest), defaultDirMode); err != nil {
			return fmt.Errorf("create directory for %s: %w", dest, err)
		}

		if header.Typeflag == tar.TypeSymlink {
			if err = os.Symlink(header.Linkname, dest); err != nil {
				return fmt.Errorf("create symlink %s: %w", dest, err)
			}

			continue
		}

		if err = writeEntry(dest, archive, info.Mode().Perm()); err != nil {
			return err
		}
	}
}

func extractZip(f *os.File, destDir string, strip int) error {
	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		dest, ok, err := entryDest(destDir, item.Name, strip)
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		if err = os.MkdirAll(filepath.Dir(dest), defaultDirMode); err != nil {
			return fmt.Errorf("create directory for %s: %w", dest, err)
		}

		entryReader, err := item.Open()
		if err != nil {
			return fmt.Errorf("open archive entry %s: %w", item.Name, err)
		}

		err = writeEntry(dest, entryReader, item.Mode().Perm())

		_ = entryReader.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

// entryDest maps an archive entry name onto a destination path, stripping
// leading path elements and refusing entries that escape destDir.
func entryDest(destDir, name string, strip int) (string, bool, error) {
	parts := strings.Split(path.Clean(name), "/")
	if len(parts) <= strip {
		return "", false, nil
	}

	cleanDest := filepath.Clean(destDir)

	dest := filepath.Join(cleanDest, filepath.Join(parts[strip:]...))
	if dest == cleanDest {
		return "", false, nil
	}

	if !strings.HasPrefix(dest, cleanDest+string(os.PathSeparator)) {
		return "", false, fmt.Errorf("%s: %w", name, errEntryEscapesDest)
	}

	return dest, true, nil
}

func writeEntry(dest string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = defaultEntryMode
	}

	out, err := os.OpenFile(filepath.Clean(dest), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()

		return fmt.Errorf("write %s: %w", dest, err)
	}

	return out.Close()
}

// markExecutables fixes permissions for binaries unpacked from formats that
// do not carry them.
func markExecutables(destDir string, relPaths []string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	for _, relPath := range relPaths {
		binPath := filepath.Join(destDir, relPath)

		info, err := os.Stat(binPath)
		if err != nil {
			return fmt.Errorf("read permissions for %s: %w", binPath, err)
		}

		if err = os.Chmod(binPath, info.Mode()|executableBits); err != nil {
			return fmt.Errorf("mark %s as executable: %w", binPath, err)
		}
	}

	return nil
}
