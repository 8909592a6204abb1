package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"cardshelf/internal/shelf"
)

// MemoryVault keeps snapshots in memory. Safe for concurrent use.
type MemoryVault struct {
	name     string
	objects  map[string][]byte
	versions map[string]int64
	mu       sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		objects:  make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func (m *MemoryVault) Put(ctx context.Context, name string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[name] = data
	m.versions[name] = version
	return nil
}

func (m *MemoryVault) Get(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("object not found: %s/%s", m.name, name)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

func (m *MemoryVault) Version(ctx context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.versions[name], nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

var _ shelf.SnapshotStore = (*MemoryVault)(nil)
