package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cardshelf/internal/shelf"
)

// FileSystemVault stores snapshots as files:
//
//	<root>/
//	  <name>/
//	    index.db[.age]          (snapshot)
//	    index.db[.age].version  (version marker)
type FileSystemVault struct {
	name string
	root string
	dir  string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	if name == "" {
		return nil, fmt.Errorf("vault name is required")
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	return &FileSystemVault{name: name, root: root, dir: dir}, nil
}

func (v *FileSystemVault) objectPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid object name: %q", name)
	}
	return filepath.Join(v.dir, name), nil
}

// Put stores the object and then its version marker.
func (v *FileSystemVault) Put(ctx context.Context, name string, r io.Reader, size int64, version int64) error {
	destPath, err := v.objectPath(name)
	if err != nil {
		return err
	}
	if err := writeFile(destPath, r, size); err != nil {
		return err
	}

	versionData := strconv.FormatInt(version, 10)
	return writeFile(destPath+".version", strings.NewReader(versionData), int64(len(versionData)))
}

// Get writes the named object to w.
func (v *FileSystemVault) Get(ctx context.Context, name string, w io.Writer) error {
	srcPath, err := v.objectPath(name)
	if err != nil {
		return err
	}
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("object not found: %s/%s", v.name, name)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// Version returns the stored version of name. Returns 0 if no version file exists.
func (v *FileSystemVault) Version(ctx context.Context, name string) (int64, error) {
	p, err := v.objectPath(name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(p + ".version")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup verifies that the vault directory exists and is writable.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.dir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.dir)
	}

	probe, err := os.CreateTemp(v.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("vault directory not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// same directory, so the rename stays on one filesystem
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ shelf.SnapshotStore = (*FileSystemVault)(nil)
