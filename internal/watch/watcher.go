// Package watch triggers library scans from filesystem changes.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cardshelf/internal/shelf"
)

// Requester receives scan requests. *shelf.Orchestrator implements it.
type Requester interface {
	RequestScan(req shelf.ScanRequest) error
}

// Options tunes the watcher.
type Options struct {
	// Debounce is the quiet period after the last relevant change before a
	// scan is requested.
	Debounce time.Duration
	// Stability is how long a new PNG must stay unchanged before it counts
	// as added.
	Stability time.Duration
}

// DefaultOptions returns the two second debounce and 1.5 second stability window.
func DefaultOptions() Options {
	return Options{Debounce: 2 * time.Second, Stability: 1500 * time.Millisecond}
}

// Watcher watches at most one library folder at a time.
type Watcher struct {
	requester Requester
	logger    shelf.Logger
	opts      Options

	mu      sync.Mutex
	current *session
}

// NewWatcher creates an idle Watcher. Call Restart to start watching.
func NewWatcher(requester Requester, opts Options, logger shelf.Logger) *Watcher {
	if logger == nil {
		logger = shelf.NewNopLogger()
	}
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.Stability <= 0 {
		opts.Stability = def.Stability
	}
	return &Watcher{requester: requester, logger: logger, opts: opts}
}

// Restart replaces the current watch with one on folder. An empty folder
// only stops the current watch. Restarting on the folder already watched
// for the same library is a no-op.
func (w *Watcher) Restart(folder, libraryID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if folder != "" && w.current != nil && w.current.root == folder && w.current.libraryID == libraryID {
		return nil
	}
	w.stopLocked()
	if folder == "" {
		return nil
	}

	s, err := w.start(folder, libraryID)
	if err != nil {
		return err
	}
	w.current = s
	w.logger.Info("watcher started", "folder", folder)
	return nil
}

// Stop stops watching. It blocks until the event loop has exited.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Path returns the watched folder, or "" when idle.
func (w *Watcher) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.root
}

func (w *Watcher) stopLocked() {
	if w.current == nil {
		return
	}
	w.current.close()
	w.logger.Info("watcher stopped", "folder", w.current.root)
	w.current = nil
}

func (w *Watcher) start(folder, libraryID string) (*session, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	s := &session{
		root:      folder,
		libraryID: libraryID,
		fsw:       fsw,
		requester: w.requester,
		logger:    w.logger,
		opts:      w.opts,
		dirs:      make(map[string]bool),
		pending:   make(map[string]*pendingFile),
		settle:    make(chan string),
		done:      make(chan struct{}),
	}
	if err := s.addTree(folder); err != nil {
		fsw.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

type pendingFile struct {
	size    int64
	modTime time.Time
	timer   *time.Timer
}

// session is one watch of one folder. Everything but close runs on the
// loop goroutine.
type session struct {
	root      string
	libraryID string
	fsw       *fsnotify.Watcher
	requester Requester
	logger    shelf.Logger
	opts      Options

	dirs    map[string]bool
	pending map[string]*pendingFile
	settle  chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *session) close() {
	close(s.done)
	if err := s.fsw.Close(); err != nil {
		s.logger.Error("closing watcher", "folder", s.root, "error", err)
	}
	s.wg.Wait()
}

// addTree watches dir and every directory below it. Only a failure on
// the root itself is returned.
func (s *session) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
			s.logger.Warn("skipping unreadable directory", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.fsw.Add(p); err != nil {
			if p == dir {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
			s.logger.Warn("cannot watch directory", "path", p, "error", err)
			return filepath.SkipDir
		}
		s.dirs[p] = true
		return nil
	})
}

func (s *session) loop() {
	defer s.wg.Done()

	var debounce *time.Timer
	var fire <-chan time.Time
	schedule := func(reason, path string) {
		s.logger.Debug("change detected", "reason", reason, "path", path)
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.NewTimer(s.opts.Debounce)
		fire = debounce.C
	}
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		for _, p := range s.pending {
			p.timer.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return

		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			s.handle(ev, schedule)

		case path := <-s.settle:
			if s.checkSettled(path) {
				schedule("add", path)
			}

		case <-fire:
			fire = nil
			debounce = nil
			s.logger.Info("watcher requesting scan", "folder", s.root)
			err := s.requester.RequestScan(shelf.ScanRequest{
				Origin:     shelf.OriginFS,
				FolderPath: s.root,
				LibraryID:  s.libraryID,
			})
			if err != nil {
				s.logger.Error("requesting scan", "folder", s.root, "error", err)
			}

		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.logger.Error("watcher error", "folder", s.root, "error", err)
		}
	}
}

func (s *session) handle(ev fsnotify.Event, schedule func(reason, path string)) {
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := s.addTree(ev.Name); err != nil {
				s.logger.Error("watching new directory", "path", ev.Name, "error", err)
			}
			schedule("addDir", ev.Name)
			return
		}
		if isPNG(ev.Name) {
			s.track(ev.Name, info)
		}

	case ev.Has(fsnotify.Write):
		if _, ok := s.pending[ev.Name]; ok {
			if info, err := os.Lstat(ev.Name); err == nil {
				s.track(ev.Name, info)
			}
		}

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if s.dirs[ev.Name] {
			s.forgetTree(ev.Name)
			schedule("unlinkDir", ev.Name)
			return
		}
		if p, ok := s.pending[ev.Name]; ok {
			// Never counted as added, so its removal is not a change either.
			p.timer.Stop()
			delete(s.pending, ev.Name)
			return
		}
		if isPNG(ev.Name) {
			schedule("unlink", ev.Name)
		}
	}
}

// track (re)starts the stability window for a new file.
func (s *session) track(path string, info fs.FileInfo) {
	p, ok := s.pending[path]
	if !ok {
		p = &pendingFile{}
		s.pending[path] = p
	} else {
		p.timer.Stop()
	}
	p.size = info.Size()
	p.modTime = info.ModTime()
	p.timer = time.AfterFunc(s.opts.Stability, func() {
		select {
		case s.settle <- path:
		case <-s.done:
		}
	})
}

// checkSettled reports whether a pending file is unchanged since its last
// event, re-arming the window when it is not.
func (s *session) checkSettled(path string) bool {
	p, ok := s.pending[path]
	if !ok {
		return false
	}
	info, err := os.Lstat(path)
	if err != nil {
		delete(s.pending, path)
		return false
	}
	if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
		s.track(path, info)
		return false
	}
	delete(s.pending, path)
	return true
}

func (s *session) forgetTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for d := range s.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(s.dirs, d)
			// fsnotify drops watches on removed directories itself.
			if err := s.fsw.Remove(d); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
				s.logger.Debug("removing watch", "path", d, "error", err)
			}
		}
	}
	for path, p := range s.pending {
		if strings.HasPrefix(path, prefix) {
			p.timer.Stop()
			delete(s.pending, path)
		}
	}
}

func isPNG(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".png")
}
