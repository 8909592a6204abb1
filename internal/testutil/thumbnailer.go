package testutil

import (
	"fmt"
	"sync"

	"cardshelf/internal/shelf"
)

// StubThumbnailer records thumbnail calls without touching the disk.
type StubThumbnailer struct {
	mu        sync.Mutex
	generated map[string]string
	removed   []string
	// Err, when set, is returned by Generate.
	Err error
}

var _ shelf.Thumbnailer = (*StubThumbnailer)(nil)

func NewStubThumbnailer() *StubThumbnailer {
	return &StubThumbnailer{generated: make(map[string]string)}
}

func (s *StubThumbnailer) Generate(src, cardID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	thumb := fmt.Sprintf("/thumbs/%s.jpg", cardID)
	s.generated[cardID] = src
	return thumb, nil
}

func (s *StubThumbnailer) Remove(cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generated, cardID)
	s.removed = append(s.removed, cardID)
	return nil
}

// Has reports whether a thumbnail currently exists for cardID.
func (s *StubThumbnailer) Has(cardID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generated[cardID]
	return ok
}

// Count returns the number of live thumbnails.
func (s *StubThumbnailer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.generated)
}

// Removed returns the card ids whose thumbnails were removed.
func (s *StubThumbnailer) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}
