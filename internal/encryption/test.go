package encryption

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"sitesnap/internal/snap"
)

// testHeader is prepended by TestEncryptor so sealed payloads differ from
// plaintext while staying deterministic and reversible.
var testHeader = []byte("SSENC\x00\x00\x00")

// TestEncryptor is a deterministic stand-in for AgeEncryptor. It needs no key
// files, and counts how many payloads it sealed.
type TestEncryptor struct {
	setupCalled bool
	sealed      atomic.Int64
}

var _ snap.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	e.sealed.Add(1)
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (snap.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// Sealed returns the number of successful Encrypt calls.
func (e *TestEncryptor) Sealed() int64 {
	return e.sealed.Load()
}

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ snap.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
