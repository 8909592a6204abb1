package encryption

import (
	"cardshelf/internal/config"
	"cardshelf/internal/shelf"
)

// NewEncryptorFromConfig returns the snapshot encryptor, or nil when
// snapshots are stored in plaintext.
func NewEncryptorFromConfig(cfg config.SnapshotConfig) shelf.Encryptor {
	if !cfg.Encrypt {
		return nil
	}
	return NewAgeEncryptor(cfg.PublicKeyPath, cfg.PrivateKeyPath)
}
