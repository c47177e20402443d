package testutil

import (
	"sitesnap/internal/encryption"
	"sitesnap/internal/snap"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}

var _ snap.Encryptor = (*encryption.TestEncryptor)(nil)
