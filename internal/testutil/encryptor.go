package testutil

import (
	"bytes"
	"fmt"
	"io"

	"cardshelf/internal/shelf"
)

// stubHeader marks data "encrypted" by StubEncryptor.
var stubHeader = []byte("CSENC\x00\x00\x00")

// StubEncryptor prepends a fixed header on Encrypt and strips it on Decrypt,
// so ciphertext differs from plaintext without any real cryptography.
type StubEncryptor struct {
	// Passphrase, when set, is the only one Unlock accepts.
	Passphrase string
}

var _ shelf.Encryptor = (*StubEncryptor)(nil)

// NewTestEncryptor creates a StubEncryptor accepting any passphrase.
func NewTestEncryptor() *StubEncryptor {
	return &StubEncryptor{}
}

func (e *StubEncryptor) Setup(passphrase string) error {
	e.Passphrase = passphrase
	return nil
}

func (e *StubEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(stubHeader); err != nil {
		return fmt.Errorf("writing stub header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *StubEncryptor) Unlock(passphrase string) (shelf.DecryptionContext, error) {
	if e.Passphrase != "" && passphrase != e.Passphrase {
		return nil, fmt.Errorf("wrong passphrase")
	}
	return stubDecryptor{}, nil
}

func (e *StubEncryptor) IsConfigured() bool {
	return true
}

type stubDecryptor struct{}

func (stubDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(stubHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading stub header: %w", err)
	}
	if !bytes.Equal(header, stubHeader) {
		return fmt.Errorf("invalid stub encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
