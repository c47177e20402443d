package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"sitesnap/internal/snap"
)

// Unlocker produces the decryption context on first use, typically by
// prompting for the key passphrase.
type Unlocker func() (snap.DecryptionContext, error)

// SealedRepository encrypts block payloads before they reach the wrapped
// repository and decrypts them on fetch. Blocks keep their plaintext hash as
// the address, so deduplication still works across pushes. Records stay in
// the clear because conflict detection compares their content hashes.
type SealedRepository struct {
	snap.Repository
	encryptor snap.Encryptor
	unlock    func() (snap.DecryptionContext, error)
}

// NewSealedRepository wraps inner. unlock is called at most once.
func NewSealedRepository(inner snap.Repository, encryptor snap.Encryptor, unlock Unlocker) *SealedRepository {
	s := &SealedRepository{Repository: inner, encryptor: encryptor}
	s.unlock = sync.OnceValues(func() (snap.DecryptionContext, error) {
		if unlock == nil {
			return nil, fmt.Errorf("repository %s is encrypted and no key was unlocked", inner.Name())
		}
		return unlock()
	})
	return s
}

// PutBlock seals r into a spool file so the ciphertext size is known before upload.
func (s *SealedRepository) PutBlock(ctx context.Context, hash string, r io.Reader, size int64) error {
	spool, err := os.CreateTemp("", "sitesnap-seal-*")
	if err != nil {
		return fmt.Errorf("creating spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	cr := &countingReader{r: r}
	if err := s.encryptor.Encrypt(cr, spool); err != nil {
		return fmt.Errorf("sealing block %s: %w", hash, err)
	}
	if cr.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
	}
	sealed, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.Repository.PutBlock(ctx, hash, spool, sealed)
}

// FetchBlock opens the sealed payload into w.
func (s *SealedRepository) FetchBlock(ctx context.Context, hash string, w io.Writer) error {
	dec, err := s.unlock()
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := dec.Decrypt(pr, w)
		// Unblock the fetch side if decryption stopped early.
		pr.CloseWithError(err)
		done <- err
	}()

	fetchErr := s.Repository.FetchBlock(ctx, hash, pw)
	pw.CloseWithError(fetchErr)
	decErr := <-done
	if fetchErr != nil {
		return fetchErr
	}
	if decErr != nil {
		return fmt.Errorf("opening block %s: %w", hash, decErr)
	}
	return nil
}

var _ snap.Repository = (*SealedRepository)(nil)
