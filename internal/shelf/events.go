package shelf

// Event names published by the Orchestrator.
const (
	EventScanStarted  = "cards:scan_started"
	EventScanProgress = "cards:scan_progress"
	EventScanFinished = "cards:scan_finished"
	EventScanFailed   = "cards:scan_failed"
	EventResynced     = "cards:resynced"
)

// Origin records what asked for a scan.
type Origin string

const (
	OriginFS  Origin = "fs"
	OriginApp Origin = "app"
)

// Timestamps in event payloads are unix milliseconds.

type ScanStartedEvent struct {
	Revision   int64  `json:"revision"`
	Origin     Origin `json:"origin"`
	LibraryID  string `json:"libraryId"`
	FolderPath string `json:"folderPath"`
	TotalFiles int    `json:"totalFiles"`
	StartedAt  int64  `json:"startedAt"`
}

type ScanProgressEvent struct {
	Revision       int64  `json:"revision"`
	Origin         Origin `json:"origin"`
	LibraryID      string `json:"libraryId"`
	FolderPath     string `json:"folderPath"`
	ProcessedFiles int    `json:"processedFiles"`
	TotalFiles     int    `json:"totalFiles"`
	UpdatedAt      int64  `json:"updatedAt"`
}

type ScanFinishedEvent struct {
	Revision       int64  `json:"revision"`
	Origin         Origin `json:"origin"`
	LibraryID      string `json:"libraryId"`
	FolderPath     string `json:"folderPath"`
	ProcessedFiles int    `json:"processedFiles"`
	TotalFiles     int    `json:"totalFiles"`
	StartedAt      int64  `json:"startedAt"`
	FinishedAt     int64  `json:"finishedAt"`
	DurationMs     int64  `json:"durationMs"`
}

// ScanFailedEvent is published when a scan ends with an error; the revision
// is not committed.
type ScanFailedEvent struct {
	Revision   int64  `json:"revision"`
	Origin     Origin `json:"origin"`
	LibraryID  string `json:"libraryId"`
	FolderPath string `json:"folderPath"`
	Error      string `json:"error"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt"`
}

// ResyncedEvent reports the card count delta of a finished scan.
// AddedCards and RemovedCards come from before/after totals, not a set
// difference: a scan that adds two cards and removes two reports 0/0.
type ResyncedEvent struct {
	Revision     int64  `json:"revision"`
	Origin       Origin `json:"origin"`
	LibraryID    string `json:"libraryId"`
	FolderPath   string `json:"folderPath"`
	AddedCards   int    `json:"addedCards"`
	RemovedCards int    `json:"removedCards"`
	StartedAt    int64  `json:"startedAt"`
	FinishedAt   int64  `json:"finishedAt"`
	DurationMs   int64  `json:"durationMs"`
}
