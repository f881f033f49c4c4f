package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/validation"
)

const partialDir = ".partial"

// FileStorage places completed transfers under a root directory. Partial
// downloads live in a hidden directory below the root so the final rename
// never crosses filesystems.
type FileStorage struct {
	root string
}

// NewFileStorage creates the root and partial directories.
func NewFileStorage(root string) (*FileStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, partialDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{root: abs}, nil
}

func (fs *FileStorage) Root() string {
	return fs.root
}

// Resolve maps a transfer's destination to an absolute path inside the
// root. destination may be empty, a directory ending in a slash, or a file
// path.
func (fs *FileStorage) Resolve(filename, destination string) (string, error) {
	name := filename
	if destination != "" {
		name = destination
		if strings.HasSuffix(destination, "/") || strings.HasSuffix(destination, "\\") {
			name = filepath.Join(destination, filepath.Base(filename))
		}
	}
	if err := validation.ValidateFilename(name); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}

	full := filepath.Join(fs.root, filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))
	rel, err := filepath.Rel(fs.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: destination %q escapes storage root", domain.ErrInvalidEvent, name)
	}
	if rel == partialDir || strings.HasPrefix(rel, partialDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: destination %q is reserved", domain.ErrInvalidEvent, name)
	}
	return full, nil
}

// CreateTemp opens a new partial file.
func (fs *FileStorage) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(fs.root, partialDir), "transfer-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}
	return f, nil
}

// Commit flushes f and renames it to dest, creating parent directories.
func (fs *FileStorage) Commit(f *os.File, dest string) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync partial file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close partial file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Discard closes and removes a partial file.
func (fs *FileStorage) Discard(f *os.File) {
	f.Close()
	os.Remove(f.Name())
}
