package vault

import (
	"context"
	"errors"
	"fmt"

	"cardshelf/internal/config"
	"cardshelf/internal/shelf"
)

// ErrDisabled is returned when no snapshot vault is configured.
var ErrDisabled = errors.New("snapshot vault not configured")

// NewVaultFromConfig creates a SnapshotStore based on the snapshot config type.
func NewVaultFromConfig(ctx context.Context, cfg config.SnapshotConfig) (shelf.SnapshotStore, error) {
	switch cfg.Type {
	case "":
		return nil, ErrDisabled
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		return NewS3Vault(ctx, cfg)
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_root to be set")
		}
		return NewFileSystemVault(cfg.Name, cfg.FSRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
