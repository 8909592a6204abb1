package testutil

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cardshelf/internal/shelf"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content   []byte
	ModTime   time.Time
	BirthTime time.Time
}

// MockFilesystemManager is an in-memory filesystem for testing. Each added or
// written file gets a timestamp one second after the previous one.
// Safe for concurrent use.
type MockFilesystemManager struct {
	mu        sync.Mutex
	files     map[string]*MockFile
	dirs      map[string]bool
	readErrs  map[string]error
	now       time.Time
	readCount map[string]int
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:     make(map[string]*MockFile),
		dirs:      make(map[string]bool),
		readErrs:  make(map[string]error),
		readCount: make(map[string]int),
		now:       time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func (m *MockFilesystemManager) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

func (m *MockFilesystemManager) addParents(path string) {
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		m.dirs[dir] = true
		if dir == filepath.Dir(dir) {
			return
		}
	}
}

// AddFile adds a new file to the mock filesystem.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.tick()
	m.files[path] = &MockFile{Content: content, ModTime: now, BirthTime: now}
	m.addParents(path)
}

// WriteFile replaces a file's content, bumping its modification time but
// keeping its birth time. Missing files are created.
func (m *MockFilesystemManager) WriteFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.tick()
	f, ok := m.files[path]
	if !ok {
		f = &MockFile{BirthTime: now}
		m.files[path] = f
		m.addParents(path)
	}
	f.Content = content
	f.ModTime = now
}

// SetTimes overrides a file's timestamps.
func (m *MockFilesystemManager) SetTimes(path string, mtime, btime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		f.ModTime, f.BirthTime = mtime, btime
	}
}

// AddDirectory adds a directory (and its parents) to the mock filesystem.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path] = true
	m.addParents(path)
}

// FailRead makes ReadFile of path return err.
func (m *MockFilesystemManager) FailRead(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrs[path] = err
}

// Reads returns how often path has been read.
func (m *MockFilesystemManager) Reads(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCount[path]
}

func (m *MockFilesystemManager) FindPNGFiles(root string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirs[root] {
		return nil, fmt.Errorf("walking %s: %w", root, fs.ErrNotExist)
	}
	prefix := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)

	var out []string
	for path := range m.files {
		if strings.HasPrefix(path, prefix) && strings.EqualFold(filepath.Ext(path), ".png") {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockFilesystemManager) Stat(path string) (*shelf.FileStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", path, fs.ErrNotExist)
	}
	return &shelf.FileStat{
		ModTime:   f.ModTime,
		BirthTime: f.BirthTime,
		Size:      int64(len(f.Content)),
	}, nil
}

func (m *MockFilesystemManager) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCount[path]++
	if err := m.readErrs[path]; err != nil {
		return nil, err
	}
	f, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), f.Content...), nil
}

func (m *MockFilesystemManager) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok || m.dirs[path]
}

func (m *MockFilesystemManager) IsDir(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[path]
}

func (m *MockFilesystemManager) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[path]; !ok {
		return fmt.Errorf("remove %s: %w", path, fs.ErrNotExist)
	}
	delete(m.files, path)
	return nil
}

// Compile-time check
var _ shelf.FilesystemManager = (*MockFilesystemManager)(nil)
