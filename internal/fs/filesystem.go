package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cardshelf/internal/shelf"
)

// IgnoreFileName is read from a library root on every discovery walk.
const IgnoreFileName = ".cardshelfignore"

// OSFilesystemManager is the real filesystem implementation of shelf.FilesystemManager.
type OSFilesystemManager struct {
	patterns []string
	logger   shelf.Logger
}

// NewOSFilesystemManager creates a filesystem manager that skips paths
// matching patterns (see IgnoreMatcher) during discovery.
func NewOSFilesystemManager(patterns []string, logger shelf.Logger) *OSFilesystemManager {
	if logger == nil {
		logger = shelf.NewNopLogger()
	}
	return &OSFilesystemManager{patterns: patterns, logger: logger}
}

func (m *OSFilesystemManager) matcher(root string) *IgnoreMatcher {
	patterns := append([]string(nil), m.patterns...)
	extra, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		m.logger.Warn("reading ignore file", "root", root, "error", err)
	}
	return NewIgnoreMatcher(append(patterns, extra...))
}

// FindPNGFiles walks root and returns every regular file with a .png
// extension in any case. Symlinks are not followed. Subdirectories that
// cannot be read are logged and skipped; only an unreadable root fails.
func (m *OSFilesystemManager) FindPNGFiles(root string) ([]string, error) {
	ignore := m.matcher(root)

	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			m.logger.Warn("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, p)
		if d.IsDir() {
			if relErr == nil && ignore.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || (relErr == nil && ignore.Match(rel)) {
			return nil
		}
		if strings.EqualFold(filepath.Ext(p), ".png") {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return paths, nil
}

// Stat returns the modification time, size and, where the platform records
// it, the birth time of path.
func (m *OSFilesystemManager) Stat(path string) (*shelf.FileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("not a file: %s", path)
	}
	return &shelf.FileStat{
		ModTime:   info.ModTime(),
		BirthTime: birthTime(path, info),
		Size:      info.Size(),
	}, nil
}

func (m *OSFilesystemManager) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (m *OSFilesystemManager) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

func (m *OSFilesystemManager) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (m *OSFilesystemManager) Remove(path string) error {
	return os.Remove(path)
}

// Compile-time check that OSFilesystemManager implements shelf.FilesystemManager
var _ shelf.FilesystemManager = (*OSFilesystemManager)(nil)
