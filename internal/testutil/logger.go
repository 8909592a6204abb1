package testutil

import (
	"fmt"
	"strings"
	"sync"

	"cardshelf/internal/shelf"
)

// RecordingLogger keeps every log line as "LEVEL msg k=v ...". Safe for
// concurrent use.
type RecordingLogger struct {
	mu    sync.Mutex
	lines []string
}

var _ shelf.Logger = (*RecordingLogger)(nil)

func NewRecordingLogger() *RecordingLogger { return &RecordingLogger{} }

func (l *RecordingLogger) Debug(msg string, args ...any) { l.record("DEBUG", msg, args) }
func (l *RecordingLogger) Info(msg string, args ...any)  { l.record("INFO", msg, args) }
func (l *RecordingLogger) Warn(msg string, args ...any)  { l.record("WARN", msg, args) }
func (l *RecordingLogger) Error(msg string, args ...any) { l.record("ERROR", msg, args) }

func (l *RecordingLogger) record(level, msg string, args []any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}

	l.mu.Lock()
	l.lines = append(l.lines, b.String())
	l.mu.Unlock()
}

// Lines returns the recorded lines containing substr.
func (l *RecordingLogger) Lines(substr string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}
