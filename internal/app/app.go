package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"cardshelf/internal/config"
	"cardshelf/internal/database"
	"cardshelf/internal/encryption"
	"cardshelf/internal/events"
	"cardshelf/internal/fs"
	"cardshelf/internal/shelf"
	"cardshelf/internal/thumbnail"
	"cardshelf/internal/vault"
	"cardshelf/internal/watch"
)

// ErrNoFolder is returned by library-scoped operations when no cards folder
// is configured.
var ErrNoFolder = errors.New("no cards folder configured (run `cardshelf settings set-folder`)")

// App is the application layer between the CLI and the shelf services.
// It constructs all dependencies from config and closes them on Close.
type App struct {
	cfg       *config.Config
	op        *Operation
	logger    shelf.Logger
	logCloser io.Closer

	db       *database.SQLiteDatabase
	fsmgr    *fs.OSFilesystemManager
	settings *config.FileSettings
	thumbs   *thumbnail.Generator
	shelf    *shelf.ShelfService
	scan     *shelf.ScanService
}

// NewApp creates a fully wired App. configPath backs the cards folder
// setting; command names the CLI command for the log. The caller must call
// Close when done.
func NewApp(cfg *config.Config, configPath, command string) (*App, error) {
	op := NewOperation(command, time.Now())
	slogger, logCloser, err := newLogger(cfg.LogDir, op.RunID, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	db, err := database.NewDatabaseFromConfig(cfg.Database, shelf.RealClock{}, shelf.UUIDGenerator{})
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		logCloser.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	fsmgr := fs.NewOSFilesystemManager(cfg.Scan.Ignore, logger)
	thumbs := thumbnail.NewGenerator(cfg.Thumbnails.Dir, cfg.Thumbnails.Width, logger)

	scan := shelf.NewScanService(db, fsmgr, thumbs, logger, shelf.UUIDGenerator{})
	scan.SetConcurrency(cfg.Scan.Concurrency)

	logger.Debug("command started", "command", command)
	return &App{
		cfg:       cfg,
		op:        op,
		logger:    logger,
		logCloser: logCloser,
		db:        db,
		fsmgr:     fsmgr,
		settings:  config.NewFileSettings(configPath),
		thumbs:    thumbs,
		shelf:     shelf.NewShelfService(db, fsmgr, logger),
		scan:      scan,
	}, nil
}

// Settings returns the cards folder setting.
func (a *App) Settings() *config.FileSettings { return a.settings }

// Fail marks the command as failed before Close.
func (a *App) Fail(err error) {
	if err != nil && !a.op.Finished() {
		a.op.Finish(err, time.Now())
		a.logger.Error("command failed", "command", a.op.Command, "error", err)
	}
}

// Close finalizes the operation and closes all resources.
func (a *App) Close() error {
	if !a.op.Finished() {
		d := a.op.Finish(nil, time.Now())
		a.logger.Debug("command finished", "command", a.op.Command, "duration", d)
	}

	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if err := a.logCloser.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing log: %w", err)
	}
	return firstErr
}

// SetCardsFolder validates and persists the cards folder. "" clears it.
// It returns the stored, normalized folder.
func (a *App) SetCardsFolder(ctx context.Context, folder string) (string, error) {
	if folder == "" {
		return "", a.settings.SetCardsFolderPath("")
	}
	norm, err := shelf.NormalizeFolderPath(folder)
	if err != nil {
		return "", err
	}
	if !a.fsmgr.IsDir(norm) {
		return "", fmt.Errorf("%w: %s", shelf.ErrFolderNotFound, norm)
	}
	if err := a.settings.SetCardsFolderPath(norm); err != nil {
		return "", err
	}
	if _, err := a.shelf.Library(ctx, norm); err != nil {
		return "", err
	}
	return norm, nil
}

// CurrentLibrary returns the library of the configured cards folder.
func (a *App) CurrentLibrary(ctx context.Context) (*shelf.Library, error) {
	folder, err := a.settings.CardsFolderPath()
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if folder == "" {
		return nil, ErrNoFolder
	}
	return a.shelf.Library(ctx, folder)
}

// Scan runs one scan in the foreground. An empty folder scans the
// configured cards folder. progress may be nil.
func (a *App) Scan(ctx context.Context, folder string, progress func(shelf.Progress)) (*shelf.ScanResult, error) {
	var lib *shelf.Library
	var err error
	if folder == "" {
		lib, err = a.CurrentLibrary(ctx)
	} else {
		lib, err = a.shelf.Library(ctx, folder)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan shelf.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			if progress != nil {
				progress(p)
			}
		}
	}()
	res, err := a.scan.ScanFolder(ctx, lib.FolderPath, lib.ID, ch)
	close(ch)
	<-done
	return res, err
}

// ListCards lists cards of the configured library.
func (a *App) ListCards(ctx context.Context, q shelf.CardQuery) ([]*shelf.CardSummary, error) {
	lib, err := a.CurrentLibrary(ctx)
	if err != nil {
		return nil, err
	}
	q.LibraryID = lib.ID
	return a.shelf.ListCards(ctx, q)
}

// Filters returns the facets of the configured library.
func (a *App) Filters(ctx context.Context) (*shelf.Filters, error) {
	lib, err := a.CurrentLibrary(ctx)
	if err != nil {
		return nil, err
	}
	return a.shelf.Filters(ctx, lib.ID)
}

func (a *App) Card(ctx context.Context, id string) (*shelf.CardDetail, error) {
	return a.shelf.Card(ctx, id)
}

func (a *App) ExportCard(ctx context.Context, id string, w io.Writer) error {
	return a.shelf.ExportCard(ctx, id, w)
}

func (a *App) ExportCardPNG(ctx context.Context, id string, w io.Writer) error {
	return a.shelf.ExportCardPNG(ctx, id, w)
}

func (a *App) SetPrimaryFile(ctx context.Context, id, path string) error {
	return a.shelf.SetPrimaryFile(ctx, id, path)
}

func (a *App) RemoveDuplicate(ctx context.Context, id, path string) error {
	return a.shelf.RemoveDuplicate(ctx, id, path)
}

// Serve runs the HTTP API, the orchestrator and the watcher until ctx is
// cancelled.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Server.Addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := events.NewHub(a.logger)
	orch := shelf.NewOrchestrator(a.scan, a.db, hub, a.logger, shelf.RealClock{})
	watcher := watch.NewWatcher(orch, watch.Options{
		Debounce:  time.Duration(a.cfg.Watcher.DebounceMS) * time.Millisecond,
		Stability: time.Duration(a.cfg.Watcher.StabilityMS) * time.Millisecond,
	}, a.logger)
	api := events.NewServer(hub, a.shelf, orch, watcher, a.settings, a.fsmgr, a.logger)

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(ctx) }()

	a.autoStart(ctx, orch, watcher)

	srv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	a.logger.Info("listening", "addr", ln.Addr().String())

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	// websocket connections are hijacked; Shutdown does not wait for them
	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("shutting down server: %w", serr)
	}
	shutdownCancel()
	watcher.Stop()
	cancel()
	<-orchDone

	a.logger.Info("server stopped")
	return err
}

// autoStart scans and watches the configured folder, if any.
func (a *App) autoStart(ctx context.Context, orch *shelf.Orchestrator, watcher *watch.Watcher) {
	lib, err := a.CurrentLibrary(ctx)
	if errors.Is(err, ErrNoFolder) {
		a.logger.Info("no cards folder configured")
		return
	}
	if err != nil {
		a.logger.Error("resolving cards folder", "error", err)
		return
	}
	if !a.fsmgr.IsDir(lib.FolderPath) {
		a.logger.Warn("cards folder missing", "folder", lib.FolderPath)
		return
	}

	if err := orch.RequestScan(shelf.ScanRequest{
		Origin:     shelf.OriginApp,
		FolderPath: lib.FolderPath,
		LibraryID:  lib.ID,
	}); err != nil {
		a.logger.Error("requesting startup scan", "error", err)
	}
	if err := watcher.Restart(lib.FolderPath, lib.ID); err != nil {
		a.logger.Error("starting watcher", "folder", lib.FolderPath, "error", err)
	}
}

// keyEncryptor returns the age key pair named by the snapshot config,
// whether or not pushes are encrypted.
func (a *App) keyEncryptor() *encryption.AgeEncryptor {
	return encryption.NewAgeEncryptor(a.cfg.Snapshot.PublicKeyPath, a.cfg.Snapshot.PrivateKeyPath)
}

func (a *App) snapshots(ctx context.Context) (*shelf.SnapshotService, error) {
	store, err := vault.NewVaultFromConfig(ctx, a.cfg.Snapshot)
	if errors.Is(err, vault.ErrDisabled) {
		return nil, fmt.Errorf("snapshots not configured: set [snapshot] type in the config")
	}
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	enc := encryption.NewEncryptorFromConfig(a.cfg.Snapshot)
	if enc != nil && !enc.IsConfigured() {
		return nil, fmt.Errorf("snapshot encryption enabled but no keys found (run `cardshelf snapshot keygen`)")
	}
	return shelf.NewSnapshotService(a.db, store, enc, shelf.RealClock{}, a.logger), nil
}

// SnapshotKeygen creates the snapshot key pair and returns the public recipient.
func (a *App) SnapshotKeygen(passphrase string) (string, error) {
	enc := a.keyEncryptor()
	if err := enc.Setup(passphrase); err != nil {
		return "", err
	}
	return enc.Recipient()
}

// SnapshotCheck verifies the vault is reachable and writable.
func (a *App) SnapshotCheck(ctx context.Context) error {
	store, err := vault.NewVaultFromConfig(ctx, a.cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}
	return store.ValidateSetup(ctx)
}

// SnapshotPush uploads a snapshot of the index.
func (a *App) SnapshotPush(ctx context.Context) (*shelf.SnapshotInfo, error) {
	svc, err := a.snapshots(ctx)
	if err != nil {
		return nil, err
	}
	return svc.Push(ctx)
}

// SnapshotPull downloads the newest snapshot to dest. passphrase is only
// called when that snapshot is encrypted.
func (a *App) SnapshotPull(ctx context.Context, dest string, passphrase func() (string, error)) (*shelf.SnapshotInfo, error) {
	svc, err := a.snapshots(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := svc.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, shelf.ErrNoSnapshot
	}

	var dec shelf.DecryptionContext
	if latest.Encrypted {
		pass, err := passphrase()
		if err != nil {
			return nil, err
		}
		if dec, err = a.keyEncryptor().Unlock(pass); err != nil {
			return nil, err
		}
	}
	return svc.Pull(ctx, dest, dec)
}
