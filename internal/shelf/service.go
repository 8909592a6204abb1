package shelf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"cardshelf/internal/card"
	"cardshelf/internal/cardpng"
)

var (
	// ErrNotFound is returned when a card or file is not in the index.
	ErrNotFound = errors.New("not found")
	// ErrLastFile is returned when removing a card's only backing file.
	ErrLastFile = errors.New("card has no other files")
	// ErrLibraryExists is returned by Index.CreateLibrary for a folder that
	// already has a library.
	ErrLibraryExists = errors.New("library already exists")
)

// ShelfService serves the read side of the index and the user operations
// that edit it outside of scans.
type ShelfService struct {
	index  Index
	fsmgr  FilesystemManager
	logger Logger
}

// NewShelfService creates a ShelfService.
func NewShelfService(index Index, fsmgr FilesystemManager, logger Logger) *ShelfService {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &ShelfService{index: index, fsmgr: fsmgr, logger: logger}
}

// NormalizeFolderPath makes folder paths comparable: trimmed, absolute,
// cleaned and, on Windows, lower-cased.
func NormalizeFolderPath(folder string) (string, error) {
	trimmed := strings.TrimSpace(folder)
	if trimmed == "" {
		return "", fmt.Errorf("empty folder path")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}

// Library returns the library for folder, creating it on first use.
func (s *ShelfService) Library(ctx context.Context, folder string) (*Library, error) {
	key, err := NormalizeFolderPath(folder)
	if err != nil {
		return nil, err
	}

	lib, err := s.index.FindLibraryByPath(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("finding library: %w", err)
	}
	if lib != nil {
		return lib, nil
	}

	lib, err = s.index.CreateLibrary(ctx, key)
	if err == nil {
		s.logger.Info("library created", "folder", key, "id", lib.ID)
		return lib, nil
	}

	if !errors.Is(err, ErrLibraryExists) {
		return nil, fmt.Errorf("creating library: %w", err)
	}
	// another caller created it first
	lib, err = s.index.FindLibraryByPath(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("finding library: %w", err)
	}
	if lib == nil {
		return nil, fmt.Errorf("library for %s vanished after create conflict", key)
	}
	return lib, nil
}

// ListCards returns the cards matching q.
func (s *ShelfService) ListCards(ctx context.Context, q CardQuery) ([]*CardSummary, error) {
	cards, err := s.index.ListCards(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	return cards, nil
}

// Filters returns the facet values of a library.
func (s *ShelfService) Filters(ctx context.Context, libraryID string) (*Filters, error) {
	f, err := s.index.Filters(ctx, libraryID)
	if err != nil {
		return nil, fmt.Errorf("loading filters: %w", err)
	}
	return f, nil
}

// CardDetail is a card together with its backing files.
type CardDetail struct {
	Card        *Card
	Files       []*CardFile
	PrimaryFile string
}

// Card returns a card with its files. Files are ordered oldest first.
func (s *ShelfService) Card(ctx context.Context, id string) (*CardDetail, error) {
	c, err := s.index.GetCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading card: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	files, err := s.index.ListFilesForCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading card files: %w", err)
	}
	return &CardDetail{Card: c, Files: files, PrimaryFile: primaryFile(c, files)}, nil
}

// primaryFile honours the override while it still names a backing file,
// otherwise picks the oldest file.
func primaryFile(c *Card, files []*CardFile) string {
	if c.PrimaryFilePath != "" {
		for _, f := range files {
			if f.Path == c.PrimaryFilePath {
				return f.Path
			}
		}
	}
	if len(files) == 0 {
		return ""
	}
	return files[0].Path
}

// SetPrimaryFile pins path as the card's authoritative file. An empty path
// clears the override.
func (s *ShelfService) SetPrimaryFile(ctx context.Context, cardID, path string) error {
	detail, err := s.Card(ctx, cardID)
	if err != nil {
		return err
	}
	if path != "" && !hasFile(detail.Files, path) {
		return fmt.Errorf("file %s of card %s: %w", path, cardID, ErrNotFound)
	}
	if err := s.index.SetPrimaryFile(ctx, cardID, path); err != nil {
		return fmt.Errorf("setting primary file: %w", err)
	}
	return nil
}

// RemoveDuplicate deletes one of a card's duplicate files from disk and from
// the index. The card's last file cannot be removed this way.
func (s *ShelfService) RemoveDuplicate(ctx context.Context, cardID, path string) error {
	detail, err := s.Card(ctx, cardID)
	if err != nil {
		return err
	}
	if !hasFile(detail.Files, path) {
		return fmt.Errorf("file %s of card %s: %w", path, cardID, ErrNotFound)
	}
	if len(detail.Files) < 2 {
		return ErrLastFile
	}

	if err := s.fsmgr.Remove(path); err != nil && s.fsmgr.Exists(path) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if _, err := s.index.DeleteCardFile(ctx, path); err != nil {
		return fmt.Errorf("deleting card file: %w", err)
	}
	if detail.Card.PrimaryFilePath == path {
		if err := s.index.SetPrimaryFile(ctx, cardID, ""); err != nil {
			return fmt.Errorf("clearing primary file: %w", err)
		}
	}

	s.logger.Info("duplicate removed", "card", cardID, "path", path)
	return nil
}

// ExportCard writes the card's original embedded JSON to w, unmodified.
func (s *ShelfService) ExportCard(ctx context.Context, cardID string, w io.Writer) error {
	c, err := s.index.GetCard(ctx, cardID)
	if err != nil {
		return fmt.Errorf("loading card: %w", err)
	}
	if c == nil {
		return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}
	if _, err := w.Write(c.Original); err != nil {
		return fmt.Errorf("writing card json: %w", err)
	}
	return nil
}

// ExportCardPNG writes the card's primary image with its original JSON
// embedded under the chunk keyword of its spec version (ccv3 for V3 cards,
// chara otherwise). Other chunks of the image are copied unchanged.
func (s *ShelfService) ExportCardPNG(ctx context.Context, cardID string, w io.Writer) error {
	detail, err := s.Card(ctx, cardID)
	if err != nil {
		return err
	}
	if detail.PrimaryFile == "" {
		return fmt.Errorf("card %s has no files: %w", cardID, ErrNotFound)
	}

	data, err := s.fsmgr.ReadFile(detail.PrimaryFile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", detail.PrimaryFile, err)
	}
	keyword := cardpng.KeywordChara
	if detail.Card.Spec == card.V3 {
		keyword = cardpng.KeywordV3
	}
	out, err := cardpng.Embed(data, keyword, detail.Card.Original)
	if err != nil {
		return fmt.Errorf("embedding card into %s: %w", detail.PrimaryFile, err)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("writing card png: %w", err)
	}
	return nil
}

func hasFile(files []*CardFile, path string) bool {
	for _, f := range files {
		if f.Path == path {
			return true
		}
	}
	return false
}
