package testutil

import (
	"cardshelf/internal/vault"
)

// NewTestVault creates a new in-memory snapshot vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}
