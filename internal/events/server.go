package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cardshelf/internal/shelf"
)

// CardService is the read and edit surface the API needs.
// *shelf.ShelfService implements it.
type CardService interface {
	Library(ctx context.Context, folder string) (*shelf.Library, error)
	ListCards(ctx context.Context, q shelf.CardQuery) ([]*shelf.CardSummary, error)
	Filters(ctx context.Context, libraryID string) (*shelf.Filters, error)
	Card(ctx context.Context, id string) (*shelf.CardDetail, error)
}

// ScanRequester is implemented by *shelf.Orchestrator.
type ScanRequester interface {
	RequestScan(req shelf.ScanRequest) error
}

// FolderWatcher is implemented by *watch.Watcher.
type FolderWatcher interface {
	Restart(folder, libraryID string) error
}

// SettingsStore persists the cards folder. *config.FileSettings implements it.
type SettingsStore interface {
	shelf.Settings
	SetCardsFolderPath(folder string) error
}

// Server routes the HTTP API.
type Server struct {
	hub      *Hub
	cards    CardService
	scans    ScanRequester
	watcher  FolderWatcher
	settings SettingsStore
	fsmgr    shelf.FilesystemManager
	logger   shelf.Logger
	router   chi.Router
}

// NewServer builds the router.
func NewServer(hub *Hub, cards CardService, scans ScanRequester, watcher FolderWatcher, settings SettingsStore, fsmgr shelf.FilesystemManager, logger shelf.Logger) *Server {
	if logger == nil {
		logger = shelf.NewNopLogger()
	}
	s := &Server{
		hub:      hub,
		cards:    cards,
		scans:    scans,
		watcher:  watcher,
		settings: settings,
		fsmgr:    fsmgr,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", hub.ServeWS)
		r.Post("/scan", s.handleScan)
		r.Get("/cards", s.handleListCards)
		r.Get("/cards/filters", s.handleFilters)
		r.Get("/cards/{id}", s.handleGetCard)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings/cards-folder", s.handleSetCardsFolder)
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

var errNoFolder = errors.New("no cards folder configured")

// currentLibrary resolves the configured folder. A nil library with a nil
// error means no folder is configured.
func (s *Server) currentLibrary(ctx context.Context) (*shelf.Library, error) {
	folder, err := s.settings.CardsFolderPath()
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if folder == "" {
		return nil, nil
	}
	return s.cards.Library(ctx, folder)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	lib, err := s.currentLibrary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if lib == nil {
		writeError(w, http.StatusConflict, errNoFolder)
		return
	}
	if err := s.scans.RequestScan(shelf.ScanRequest{
		Origin:     shelf.OriginApp,
		FolderPath: lib.FolderPath,
		LibraryID:  lib.ID,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"libraryId":  lib.ID,
		"folderPath": lib.FolderPath,
	})
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	lib, err := s.currentLibrary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if lib == nil {
		writeJSON(w, http.StatusOK, []cardSummaryJSON{})
		return
	}

	q, err := parseCardQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q.LibraryID = lib.ID

	cards, err := s.cards.ListCards(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]cardSummaryJSON, 0, len(cards))
	for _, c := range cards {
		out = append(out, toSummaryJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	lib, err := s.currentLibrary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if lib == nil {
		writeJSON(w, http.StatusOK, toFiltersJSON(&shelf.Filters{}))
		return
	}
	f, err := s.cards.Filters(r.Context(), lib.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toFiltersJSON(f))
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	detail, err := s.cards.Card(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, shelf.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailJSON(detail))
}

type settingsJSON struct {
	CardsFolderPath *string `json:"cardsFolderPath"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	folder, err := s.settings.CardsFolderPath()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var out settingsJSON
	if folder != "" {
		out.CardsFolderPath = &folder
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetCardsFolder persists the folder, moves the watcher and asks for
// a scan. A null or empty folder clears the setting and stops watching.
func (s *Server) handleSetCardsFolder(w http.ResponseWriter, r *http.Request) {
	var req settingsJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}

	if req.CardsFolderPath == nil || *req.CardsFolderPath == "" {
		if err := s.settings.SetCardsFolderPath(""); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.watcher.Restart("", ""); err != nil {
			s.logger.Error("stopping watcher", "error", err)
		}
		writeJSON(w, http.StatusOK, settingsJSON{})
		return
	}

	folder, err := shelf.NormalizeFolderPath(*req.CardsFolderPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.fsmgr.IsDir(folder) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s: %w", folder, shelf.ErrFolderNotFound))
		return
	}
	if err := s.settings.SetCardsFolderPath(folder); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	lib, err := s.cards.Library(r.Context(), folder)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.watcher.Restart(lib.FolderPath, lib.ID); err != nil {
		s.logger.Error("restarting watcher", "folder", lib.FolderPath, "error", err)
	}
	if err := s.scans.RequestScan(shelf.ScanRequest{
		Origin:     shelf.OriginApp,
		FolderPath: lib.FolderPath,
		LibraryID:  lib.ID,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsJSON{CardsFolderPath: &lib.FolderPath})
}
