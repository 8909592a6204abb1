package shelf

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrOrchestratorStopped is returned by RequestScan once Run has exited.
var ErrOrchestratorStopped = errors.New("orchestrator stopped")

// Scanner runs one scan. *ScanService implements it.
type Scanner interface {
	ScanFolder(ctx context.Context, folder, libraryID string, progress chan<- Progress) (*ScanResult, error)
}

// CardCounter counts the cards of a library. Index implements it.
type CardCounter interface {
	CountCards(ctx context.Context, libraryID string) (int, error)
}

// ScanRequest names the library a scan should reconcile.
type ScanRequest struct {
	Origin     Origin
	FolderPath string
	LibraryID  string
}

// Orchestrator serializes scans. A single goroutine (Run) owns the running
// and requested-again state; requests arriving while a scan runs collapse
// into one trailing re-scan of the latest target.
type Orchestrator struct {
	scanner   Scanner
	counter   CardCounter
	publisher Publisher
	logger    Logger
	clock     Clock

	requests chan ScanRequest
	stopped  chan struct{}
	revision atomic.Int64
	runs     atomic.Int64
}

// NewOrchestrator creates an Orchestrator. Call Run before RequestScan.
func NewOrchestrator(scanner Scanner, counter CardCounter, publisher Publisher, logger Logger, clock Clock) *Orchestrator {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Orchestrator{
		scanner:   scanner,
		counter:   counter,
		publisher: publisher,
		logger:    logger,
		clock:     clock,
		requests:  make(chan ScanRequest),
		stopped:   make(chan struct{}),
	}
}

// Revision returns the revision of the last successful scan.
func (o *Orchestrator) Revision() int64 { return o.revision.Load() }

// Runs returns how many scans have been started.
func (o *Orchestrator) Runs() int64 { return o.runs.Load() }

// RequestScan records req as the latest target and starts a scan, or marks
// one as wanted if a scan is already running. It does not wait for the scan.
func (o *Orchestrator) RequestScan(req ScanRequest) error {
	select {
	case o.requests <- req:
		return nil
	case <-o.stopped:
		return ErrOrchestratorStopped
	}
}

// Run owns the orchestrator state until ctx is cancelled. An in-flight scan
// is allowed to observe the cancellation and finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.stopped)

	var (
		running        bool
		requestedAgain bool
		latest         ScanRequest
	)
	// one scan at a time, so one slot is enough
	results := make(chan runResult, 1)

	for {
		select {
		case <-ctx.Done():
			if running {
				<-results
			}
			return ctx.Err()

		case req := <-o.requests:
			latest = req
			if running {
				requestedAgain = true
				continue
			}
			running = true
			go o.execute(ctx, latest, results)

		case res := <-results:
			if res.err != nil {
				o.logger.Error("scan failed", "origin", res.req.Origin, "folder", res.req.FolderPath, "error", res.err)
				running, requestedAgain = false, false
				continue
			}
			if requestedAgain {
				requestedAgain = false
				next := latest
				next.Origin = OriginFS
				go o.execute(ctx, next, results)
				continue
			}
			running = false
		}
	}
}

type runResult struct {
	req ScanRequest
	err error
}

func (o *Orchestrator) execute(ctx context.Context, req ScanRequest, results chan<- runResult) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
		results <- runResult{req: req, err: err}
	}()
	err = o.runOnce(ctx, req)
}

func (o *Orchestrator) runOnce(ctx context.Context, req ScanRequest) error {
	o.runs.Add(1)
	revision := o.revision.Load() + 1
	startedAt := o.clock.Now()

	before, err := o.counter.CountCards(ctx, req.LibraryID)
	if err != nil {
		return o.fail(req, revision, startedAt, fmt.Errorf("counting cards: %w", err))
	}

	progress := make(chan Progress)
	var (
		result  *ScanResult
		scanErr error
	)
	go func() {
		defer close(progress)
		defer func() {
			if r := recover(); r != nil {
				scanErr = fmt.Errorf("scan panicked: %v", r)
			}
		}()
		result, scanErr = o.scanner.ScanFolder(ctx, req.FolderPath, req.LibraryID, progress)
	}()

	total, processed := 0, 0
	for p := range progress {
		switch p.Kind {
		case ProgressStarted:
			total = p.Total
			o.publish(EventScanStarted, ScanStartedEvent{
				Revision:   revision,
				Origin:     req.Origin,
				LibraryID:  req.LibraryID,
				FolderPath: req.FolderPath,
				TotalFiles: total,
				StartedAt:  UnixMilli(startedAt),
			})
		case ProgressFile:
			if p.Processed < processed {
				continue
			}
			processed = p.Processed
			o.publish(EventScanProgress, ScanProgressEvent{
				Revision:       revision,
				Origin:         req.Origin,
				LibraryID:      req.LibraryID,
				FolderPath:     req.FolderPath,
				ProcessedFiles: processed,
				TotalFiles:     total,
				UpdatedAt:      UnixMilli(o.clock.Now()),
			})
		}
	}
	if scanErr != nil {
		return o.fail(req, revision, startedAt, scanErr)
	}

	after, err := o.counter.CountCards(ctx, req.LibraryID)
	if err != nil {
		return o.fail(req, revision, startedAt, fmt.Errorf("counting cards: %w", err))
	}

	finishedAt := o.clock.Now()
	duration := finishedAt.Sub(startedAt).Milliseconds()
	o.revision.Store(revision)

	o.publish(EventScanFinished, ScanFinishedEvent{
		Revision:       revision,
		Origin:         req.Origin,
		LibraryID:      req.LibraryID,
		FolderPath:     req.FolderPath,
		ProcessedFiles: result.ProcessedFiles,
		TotalFiles:     result.TotalFiles,
		StartedAt:      UnixMilli(startedAt),
		FinishedAt:     UnixMilli(finishedAt),
		DurationMs:     duration,
	})
	o.publish(EventResynced, ResyncedEvent{
		Revision:     revision,
		Origin:       req.Origin,
		LibraryID:    req.LibraryID,
		FolderPath:   req.FolderPath,
		AddedCards:   max(0, after-before),
		RemovedCards: max(0, before-after),
		StartedAt:    UnixMilli(startedAt),
		FinishedAt:   UnixMilli(finishedAt),
		DurationMs:   duration,
	})

	o.logger.Info("resynced", "revision", revision, "origin", req.Origin, "folder", req.FolderPath,
		"before", before, "after", after, "duration_ms", duration)
	return nil
}

func (o *Orchestrator) fail(req ScanRequest, revision int64, startedAt time.Time, err error) error {
	o.publish(EventScanFailed, ScanFailedEvent{
		Revision:   revision,
		Origin:     req.Origin,
		LibraryID:  req.LibraryID,
		FolderPath: req.FolderPath,
		Error:      err.Error(),
		StartedAt:  UnixMilli(startedAt),
		FinishedAt: UnixMilli(o.clock.Now()),
	})
	return err
}

func (o *Orchestrator) publish(name string, payload any) {
	if o.publisher != nil {
		o.publisher.Publish(name, payload)
	}
}
