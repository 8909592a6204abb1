package shelf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// SnapshotObject is the vault object name of a plaintext snapshot.
	SnapshotObject = "index.db"
	// EncryptedSnapshotObject is the vault object name of an age-encrypted snapshot.
	EncryptedSnapshotObject = "index.db.age"
)

// ErrNoSnapshot is returned by Pull when the vault holds no snapshot.
var ErrNoSnapshot = errors.New("no snapshot in vault")

// SnapshotStore is a storage backend for index snapshots.
// Objects are addressed by name within the store's own namespace.
type SnapshotStore interface {
	// Put stores size bytes read from r under name with the given version.
	Put(ctx context.Context, name string, r io.Reader, size int64, version int64) error

	// Get writes the named object to w.
	Get(ctx context.Context, name string, w io.Writer) error

	// Version returns the version stored with name, or 0 when absent.
	Version(ctx context.Context, name string) (int64, error)

	// ValidateSetup verifies that the store is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts snapshots with a public key. Decryption needs the
// passphrase-protected private key, unlocked once per session.
type Encryptor interface {
	// Setup generates a key pair, protecting the private key with passphrase.
	Setup(passphrase string) error
	Encrypt(r io.Reader, w io.Writer) error
	Unlock(passphrase string) (DecryptionContext, error)
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// BackupSource writes a consistent copy of the index to a file.
type BackupSource interface {
	BackupTo(destPath string) error
}

// SnapshotInfo describes a pushed or pulled snapshot.
type SnapshotInfo struct {
	Object    string
	Version   int64
	Size      int64
	Encrypted bool
}

// SnapshotService copies the index to and from a SnapshotStore.
type SnapshotService struct {
	source BackupSource
	store  SnapshotStore
	enc    Encryptor
	clock  Clock
	logger Logger
}

// NewSnapshotService creates a SnapshotService. enc may be nil, in which case
// snapshots are stored in plaintext.
func NewSnapshotService(source BackupSource, store SnapshotStore, enc Encryptor, clock Clock, logger Logger) *SnapshotService {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &SnapshotService{source: source, store: store, enc: enc, clock: clock, logger: logger}
}

// Push uploads a snapshot of the index. The version is the current time in
// unix milliseconds, bumped past the stored version if the clock went back.
func (s *SnapshotService) Push(ctx context.Context) (*SnapshotInfo, error) {
	tmpDir, err := os.MkdirTemp("", "cardshelf-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, SnapshotObject)
	if err := s.source.BackupTo(dbPath); err != nil {
		return nil, err
	}

	info := &SnapshotInfo{Object: SnapshotObject}
	uploadPath := dbPath
	if s.enc != nil {
		info.Object = EncryptedSnapshotObject
		info.Encrypted = true
		uploadPath = filepath.Join(tmpDir, EncryptedSnapshotObject)
		if err := s.encryptFile(dbPath, uploadPath); err != nil {
			return nil, err
		}
	}

	prev, err := s.latestVersion(ctx)
	if err != nil {
		return nil, err
	}
	info.Version = UnixMilli(s.clock.Now())
	if info.Version <= prev {
		info.Version = prev + 1
	}

	f, err := os.Open(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	info.Size = st.Size()

	if err := s.store.Put(ctx, info.Object, f, info.Size, info.Version); err != nil {
		return nil, fmt.Errorf("uploading snapshot: %w", err)
	}
	s.logger.Info("snapshot pushed", "object", info.Object, "version", info.Version, "size", info.Size)
	return info, nil
}

func (s *SnapshotService) encryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating encrypted snapshot: %w", err)
	}
	if err := s.enc.Encrypt(in, out); err != nil {
		out.Close()
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	return out.Close()
}

func (s *SnapshotService) latestVersion(ctx context.Context) (int64, error) {
	var latest int64
	for _, name := range []string{SnapshotObject, EncryptedSnapshotObject} {
		v, err := s.store.Version(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("reading %s version: %w", name, err)
		}
		latest = max(latest, v)
	}
	return latest, nil
}

// Latest reports the newest snapshot in the store, or nil when there is none.
func (s *SnapshotService) Latest(ctx context.Context) (*SnapshotInfo, error) {
	var best *SnapshotInfo
	for _, name := range []string{SnapshotObject, EncryptedSnapshotObject} {
		v, err := s.store.Version(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s version: %w", name, err)
		}
		if v > 0 && (best == nil || v > best.Version) {
			best = &SnapshotInfo{Object: name, Version: v, Encrypted: name == EncryptedSnapshotObject}
		}
	}
	return best, nil
}

// Pull downloads the newest snapshot to destPath. dec is required when that
// snapshot is encrypted. destPath must not exist.
func (s *SnapshotService) Pull(ctx context.Context, destPath string, dec DecryptionContext) (*SnapshotInfo, error) {
	if _, err := os.Stat(destPath); err == nil {
		return nil, fmt.Errorf("destination already exists: %s", destPath)
	}

	info, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, ErrNoSnapshot
	}
	if info.Encrypted && dec == nil {
		return nil, fmt.Errorf("snapshot %d is encrypted: private key required", info.Version)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("creating destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".pull-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var w io.Writer = tmp
	var pw *io.PipeWriter
	errc := make(chan error, 1)
	if info.Encrypted {
		var pr *io.PipeReader
		pr, pw = io.Pipe()
		w = pw
		go func() {
			err := dec.Decrypt(pr, tmp)
			pr.CloseWithError(err)
			errc <- err
		}()
	}

	getErr := s.store.Get(ctx, info.Object, w)
	if pw != nil {
		pw.CloseWithError(getErr)
		if err := <-errc; err != nil && getErr == nil {
			getErr = fmt.Errorf("decrypting snapshot: %w", err)
		}
	}
	if err := tmp.Close(); err != nil && getErr == nil {
		getErr = err
	}
	if getErr != nil {
		return nil, fmt.Errorf("downloading snapshot: %w", getErr)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, fmt.Errorf("moving snapshot into place: %w", err)
	}
	if st, err := os.Stat(destPath); err == nil {
		info.Size = st.Size()
	}
	s.logger.Info("snapshot pulled", "object", info.Object, "version", info.Version, "dest", destPath)
	return info, nil
}
