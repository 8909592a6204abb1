package shelf

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"cardshelf/internal/card"
	"cardshelf/internal/cardpng"
)

// DefaultScanConcurrency bounds how many files a scan processes at once.
const DefaultScanConcurrency = 5

// ErrFolderNotFound is returned when the scan root does not exist.
var ErrFolderNotFound = errors.New("folder not found")

// ProgressKind distinguishes progress messages.
type ProgressKind int

const (
	// ProgressStarted is sent once, after discovery, with Total set.
	ProgressStarted ProgressKind = iota
	// ProgressFile is sent after each file is handled.
	ProgressFile
)

// Progress is sent on the scan's progress channel. Processed never decreases.
type Progress struct {
	Kind      ProgressKind
	Processed int
	Total     int
}

// ScanResult summarizes one scan invocation.
type ScanResult struct {
	TotalFiles     int
	ProcessedFiles int
	Unchanged      int
	Indexed        int
	Failed         int
	RemovedFiles   int
	RemovedCards   int
}

type fileOutcome int

const (
	outcomeIndexed fileOutcome = iota
	outcomeUnchanged
	outcomeFailed
)

// ScanService reconciles one library's PNG files with the index.
type ScanService struct {
	index       Index
	fsmgr       FilesystemManager
	thumbs      Thumbnailer
	logger      Logger
	idgen       IDGenerator
	concurrency int
}

// NewScanService creates a ScanService. thumbs may be nil to skip thumbnails.
func NewScanService(index Index, fsmgr FilesystemManager, thumbs Thumbnailer, logger Logger, idgen IDGenerator) *ScanService {
	if logger == nil {
		logger = NewNopLogger()
	}
	if idgen == nil {
		idgen = UUIDGenerator{}
	}
	return &ScanService{
		index:       index,
		fsmgr:       fsmgr,
		thumbs:      thumbs,
		logger:      logger,
		idgen:       idgen,
		concurrency: DefaultScanConcurrency,
	}
}

// SetConcurrency changes the worker limit. Values below 1 are ignored.
func (s *ScanService) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// ScanFolder walks folder, indexes every PNG card into libraryID and removes
// entries whose files are gone. Per-file failures are logged and skipped;
// only a missing root or a cancelled context fail the scan. progress may be
// nil; ScanFolder never closes it.
func (s *ScanService) ScanFolder(ctx context.Context, folder, libraryID string, progress chan<- Progress) (*ScanResult, error) {
	if !s.fsmgr.IsDir(folder) {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, folder)
	}

	files, err := s.fsmgr.FindPNGFiles(folder)
	if err != nil {
		return nil, fmt.Errorf("listing png files: %w", err)
	}
	s.logger.Info("scan started", "folder", folder, "files", len(files))

	result := &ScanResult{TotalFiles: len(files)}
	if err := send(ctx, progress, Progress{Kind: ProgressStarted, Total: len(files)}); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome := s.processFile(gctx, path, libraryID)

			mu.Lock()
			defer mu.Unlock()
			result.ProcessedFiles++
			switch outcome {
			case outcomeIndexed:
				result.Indexed++
			case outcomeUnchanged:
				result.Unchanged++
			case outcomeFailed:
				result.Failed++
			}
			return send(gctx, progress, Progress{Kind: ProgressFile, Processed: result.ProcessedFiles, Total: len(files)})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan interrupted: %w", err)
	}

	if err := s.cleanup(ctx, libraryID, result); err != nil {
		return nil, fmt.Errorf("cleaning up: %w", err)
	}

	s.logger.Info("scan finished", "folder", folder,
		"indexed", result.Indexed, "unchanged", result.Unchanged, "failed", result.Failed,
		"removed_files", result.RemovedFiles, "removed_cards", result.RemovedCards)
	return result, nil
}

func send(ctx context.Context, ch chan<- Progress, p Progress) error {
	if ch == nil {
		return nil
	}
	select {
	case ch <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ScanService) processFile(ctx context.Context, path, libraryID string) fileOutcome {
	st, err := s.fsmgr.Stat(path)
	if err != nil {
		s.logger.Warn("stat failed", "path", path, "error", err)
		return outcomeFailed
	}

	state, err := s.index.FindFileState(ctx, path)
	if err != nil {
		s.logger.Warn("looking up file", "path", path, "error", err)
		return outcomeFailed
	}
	if state != nil && state.File.Matches(st) && state.PromptTokensEst > 0 {
		return outcomeUnchanged
	}

	c, err := s.readCard(path)
	if err != nil {
		s.logger.Warn("skipping file", "path", path, "error", err)
		return outcomeFailed
	}
	// the index keeps the existing id when the path or hash is already known
	c.ID = s.idgen.New()
	c.LibraryID = libraryID
	c.CreatedAt = st.CreatedTime()

	f := &CardFile{
		Path:       path,
		ModTime:    st.ModTime,
		BirthTime:  st.CreatedTime(),
		Size:       st.Size,
		FolderPath: filepath.Dir(path),
	}

	res, err := s.index.SaveCard(ctx, c, f)
	if err != nil {
		s.logger.Warn("saving card", "path", path, "error", err)
		return outcomeFailed
	}
	if res.Merged != "" {
		s.removeThumbnail(res.Merged)
	}

	inPlace := state != nil && state.File.CardID == res.CardID
	if res.Created || res.AvatarPath == "" || inPlace {
		s.refreshThumbnail(ctx, path, res.CardID)
	}

	s.logger.Debug("indexed file", "path", path, "card", res.CardID, "created", res.Created)
	return outcomeIndexed
}

// readCard runs the parse, validate, extract and hash pipeline for one file.
func (s *ScanService) readCard(path string) (*Card, error) {
	data, err := s.fsmgr.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	meta, err := cardpng.Parse(data)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("no card metadata")
	}

	version, err := card.Validate(meta.Raw)
	if err != nil {
		return nil, fmt.Errorf("validating %s chunk (markers suggest %s): %w", meta.Source, meta.Hint, err)
	}
	rec, err := card.Extract(meta.Raw, version)
	if err != nil {
		return nil, err
	}
	hash, err := card.ContentHash(meta.Raw)
	if err != nil {
		return nil, fmt.Errorf("hashing: %w", err)
	}

	return &Card{
		ContentHash: hash,
		Record:      *rec,
		Derived:     rec.Derive(),
	}, nil
}

func (s *ScanService) refreshThumbnail(ctx context.Context, src, cardID string) {
	if s.thumbs == nil {
		return
	}
	thumb, err := s.thumbs.Generate(src, cardID)
	if err != nil {
		s.logger.Warn("generating thumbnail", "path", src, "card", cardID, "error", err)
		return
	}
	if err := s.index.SetCardAvatar(ctx, cardID, thumb); err != nil {
		s.logger.Warn("storing avatar path", "card", cardID, "error", err)
	}
}

func (s *ScanService) removeThumbnail(cardID string) {
	if s.thumbs == nil {
		return
	}
	if err := s.thumbs.Remove(cardID); err != nil {
		s.logger.Warn("removing thumbnail", "card", cardID, "error", err)
	}
}

// cleanup drops file rows whose paths vanished, then sweeps orphan cards.
func (s *ScanService) cleanup(ctx context.Context, libraryID string, result *ScanResult) error {
	files, err := s.index.ListCardFiles(ctx, libraryID)
	if err != nil {
		return fmt.Errorf("listing card files: %w", err)
	}

	for _, f := range files {
		if s.fsmgr.Exists(f.Path) {
			continue
		}
		removed, err := s.index.DeleteCardFile(ctx, f.Path)
		if err != nil {
			s.logger.Warn("deleting card file", "path", f.Path, "error", err)
			continue
		}
		result.RemovedFiles++
		if removed != nil {
			result.RemovedCards++
			s.removeThumbnail(removed.ID)
		}
	}

	orphans, err := s.index.DeleteOrphanCards(ctx, libraryID)
	if err != nil {
		return fmt.Errorf("deleting orphan cards: %w", err)
	}
	for _, c := range orphans {
		result.RemovedCards++
		s.removeThumbnail(c.ID)
	}
	return nil
}
