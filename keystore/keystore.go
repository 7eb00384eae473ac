// Package keystore persists chip-supplied programming-keys blobs
// between ppmflash invocations, encrypted at rest under a
// machine-local key file. This is local storage hygiene for a CLI
// that may run unattended on a factory line — it never touches the
// wire and has no bearing on the Prog-keys session itself.
package keystore

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

// ErrNotFound is returned by Get when no blob is cached for a
// project id.
var ErrNotFound = errors.New("keystore: no cached keys for this project id")

// Store is a directory-backed, encrypted cache of programming-keys
// blobs, one file per project id plus a shared machine-local key
// file (mode 0600, created on first use).
type Store struct {
	dir    string
	secret [keySize]byte
}

// Open opens (creating if necessary) a Store rooted at dir, loading
// or generating its machine-local encryption key.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create %s: %w", dir, err)
	}
	keyPath := filepath.Join(dir, "keystore.key")
	secret, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, secret: secret}, nil
}

func loadOrCreateKey(path string) ([keySize]byte, error) {
	var key [keySize]byte
	data, err := os.ReadFile(path)
	if err == nil && len(data) == keySize {
		copy(key[:], data)
		return key, nil
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("keystore: generate key: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return key, fmt.Errorf("keystore: write key file: %w", err)
	}
	return key, nil
}

func blobPath(dir string, projectID uint16) string {
	return filepath.Join(dir, fmt.Sprintf("%04x.keys", projectID))
}

// Put encrypts and stores keys for projectID, overwriting any
// previously cached blob.
func (s *Store) Put(projectID uint16, keys [8]uint16) error {
	plain := make([]byte, 16)
	for i, w := range keys {
		binary.BigEndian.PutUint16(plain[2*i:], w)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("keystore: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.secret)
	if err := os.WriteFile(blobPath(s.dir, projectID), sealed, 0o600); err != nil {
		return fmt.Errorf("keystore: write blob: %w", err)
	}
	return nil
}

// Get decrypts and returns the cached keys for projectID.
func (s *Store) Get(projectID uint16) ([8]uint16, error) {
	var keys [8]uint16
	data, err := os.ReadFile(blobPath(s.dir, projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return keys, ErrNotFound
		}
		return keys, fmt.Errorf("keystore: read blob: %w", err)
	}
	if len(data) < 24 {
		return keys, fmt.Errorf("keystore: blob for %#04x is truncated", projectID)
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])
	plain, ok := secretbox.Open(nil, data[24:], &nonce, &s.secret)
	if !ok {
		return keys, fmt.Errorf("keystore: blob for %#04x failed to decrypt", projectID)
	}
	if len(plain) != 16 {
		return keys, fmt.Errorf("keystore: blob for %#04x has wrong length", projectID)
	}
	for i := range keys {
		keys[i] = binary.BigEndian.Uint16(plain[2*i:])
	}
	return keys, nil
}

// Delete removes any cached blob for projectID. It is not an error if
// none exists.
func (s *Store) Delete(projectID uint16) error {
	err := os.Remove(blobPath(s.dir, projectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: delete: %w", err)
	}
	return nil
}
