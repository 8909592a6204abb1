package app

import (
	"errors"
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	op := NewOperation("serve", now)

	if op.Command != "serve" {
		t.Errorf("Command = %q, want serve", op.Command)
	}
	if op.RunID != "20240115T093000Z" {
		t.Errorf("RunID = %q, want 20240115T093000Z", op.RunID)
	}
	if op.Finished() {
		t.Error("new operation reports finished")
	}
}

func TestOperation_Finish(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name       string
		err        error
		wantStatus string
	}{
		{name: "success", err: nil, wantStatus: "success"},
		{name: "error", err: errors.New("boom"), wantStatus: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("scan", start)
			d := op.Finish(tt.err, start.Add(1500*time.Millisecond))
			if d != 1500*time.Millisecond {
				t.Errorf("Finish() = %v, want 1.5s", d)
			}
			if op.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", op.Status, tt.wantStatus)
			}
			if !op.Finished() {
				t.Error("Finished() = false after Finish")
			}
		})
	}
}
