package runstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/package-conveyor/internal/config"
)

// Record describes a pipeline run holding (or having held) a run identity key.
// A newer record for the same key supersedes older runs.
type Record struct {
	// RunID uniquely identifies one run.
	RunID string `yaml:"run_id"`
	// RunKey is the supersession identity the run claimed.
	RunKey string `yaml:"run_key"`
	// PID is the operating system process of the run, used for liveness checks.
	PID int `yaml:"pid"`
	// Executable is the process name recorded for the liveness check.
	Executable string `yaml:"executable"`
	// StartedAt orders competing runs; the later one wins.
	StartedAt time.Time `yaml:"started_at"`
	// UpdatedAt is refreshed after every stage as a heartbeat.
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Repository defines persistence operations for the run record.
type Repository interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, record *Record) error
	Clear(ctx context.Context) error
}

// FileRepository persists the run record to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the record file.
	path string
	// mu protects concurrent access to the record file.
	mu sync.Mutex
}

// ErrNotFound is returned when no run record exists yet.
var ErrNotFound = errors.New("run record not found")

// recordFilePrefix starts every run record filename.
const recordFilePrefix = "conveyor-run-"

// maxKeySlugLength keeps record filenames short even for long run keys.
const maxKeySlugLength = 48

// unsafeKeyChars matches everything that may not appear in a record filename.
var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NewFileRepository creates a repository that reads and writes YAML at the
// provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// PathForKey returns the record location for a run identity key. The name
// carries a readable slug of the key plus a digest so that distinct keys
// never share a record file.
func PathForKey(stateDir, runKey string) string {
	digest := sha256.Sum256([]byte(runKey))

	slug := strings.Trim(unsafeKeyChars.ReplaceAllString(runKey, "-"), "-")
	if slug == "" {
		slug = "default"
	}

	if len(slug) > maxKeySlugLength {
		slug = slug[:maxKeySlugLength]
	}

	name := recordFilePrefix + slug + "-" + hex.EncodeToString(digest[:4]) + ".yaml"

	return filepath.Join(stateDir, name)
}

// Load reads the run record from disk.
func (r *FileRepository) Load(_ context.Context) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read run record: %w", err)
	}

	var record Record
	if err = yaml.Unmarshal(contents, &record); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}

	return &record, nil
}

// Save writes the run record to disk.
func (r *FileRepository) Save(_ context.Context, record *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}

	if err = os.WriteFile(r.path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}

	return nil
}

// Clear removes the run record. A missing record is not an error.
func (r *FileRepository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run record: %w", err)
	}

	return nil
}
