package app

import "time"

// Operation tracks one CLI invocation. Its RunID tags every log line the
// process writes.
type Operation struct {
	RunID     string
	Command   string
	StartedAt time.Time
	Status    string // "running", "success" or "error"
}

// NewOperation starts tracking command at now.
func NewOperation(command string, now time.Time) *Operation {
	return &Operation{
		RunID:     now.UTC().Format("20060102T150405Z"),
		Command:   command,
		StartedAt: now,
		Status:    "running",
	}
}

// Finish records the outcome and returns how long the command ran.
func (op *Operation) Finish(err error, now time.Time) time.Duration {
	op.Status = "success"
	if err != nil {
		op.Status = "error"
	}
	return now.Sub(op.StartedAt)
}

// Finished reports whether Finish has been called.
func (op *Operation) Finished() bool {
	return op.Status != "running"
}
