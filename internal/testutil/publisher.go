package testutil

import (
	"sync"
	"testing"
	"time"

	"cardshelf/internal/shelf"
)

// RecordedEvent is one call to RecordingPublisher.Publish.
type RecordedEvent struct {
	Name    string
	Payload any
}

// RecordingPublisher captures published events in order.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []RecordedEvent
	notify chan struct{}
}

var _ shelf.Publisher = (*RecordingPublisher)(nil)

func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{notify: make(chan struct{}, 1)}
}

func (p *RecordingPublisher) Publish(name string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, RecordedEvent{Name: name, Payload: payload})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything published so far.
func (p *RecordingPublisher) Events() []RecordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordedEvent(nil), p.events...)
}

// Named returns the payloads published under name.
func (p *RecordingPublisher) Named(name string) []any {
	var out []any
	for _, e := range p.Events() {
		if e.Name == name {
			out = append(out, e.Payload)
		}
	}
	return out
}

// WaitFor blocks until at least n events named name were published, failing
// the test after timeout.
func (p *RecordingPublisher) WaitFor(t *testing.T, name string, n int, timeout time.Duration) []any {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := p.Named(name); len(got) >= n {
			return got
		}
		select {
		case <-p.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d %q events, got %d", n, name, len(p.Named(name)))
			return nil
		}
	}
}
