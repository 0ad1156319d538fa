package marker

import (
	"context"
	"crypto"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goupdate "github.com/doitdistributed/go-update"
)

// FileMode is applied to a freshly written marker.
const FileMode os.FileMode = 0o644

// Repository defines persistence operations for the version marker.
type Repository interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, version string) error
}

// FileRepository keeps the version marker in a plain text file.
type FileRepository struct {
	// path is the filesystem location of the marker.
	path string
	// mu serializes access to the file within the process.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the marker file does not exist.
	ErrNotFound = errors.New("version marker not found")
	// errEmptyVersion guards against wiping the marker with an empty value.
	errEmptyVersion = errors.New("version must not be empty")
)

// NewFileRepository creates a repository reading and writing path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load returns the recorded version with surrounding whitespace removed.
func (r *FileRepository) Load(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", r.path, ErrNotFound)
		}

		return "", fmt.Errorf("read version marker: %w", err)
	}

	return strings.TrimSpace(string(contents)), nil
}

// Save replaces the marker contents with version.
// The new file is written next to the old one and swapped in by rename.
func (r *FileRepository) Save(_ context.Context, version string) error {
	if strings.TrimSpace(version) == "" {
		return errEmptyVersion
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// go-update renames the target aside before swapping, so it has to exist.
	if _, err := os.Stat(r.path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(r.path, nil, FileMode); err != nil {
			return fmt.Errorf("create version marker: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat version marker: %w", err)
	}

	data := []byte(version)
	checksum := sha256.Sum256(data)

	options := goupdate.Options{
		TargetPath: r.path,
		TargetMode: FileMode,
		Checksum:   checksum[:],
		Hash:       crypto.SHA256,
	}

	if err := goupdate.Apply(strings.NewReader(version), options); err != nil {
		return fmt.Errorf("write version marker: %w", err)
	}

	return nil
}
