// Package identity derives the anonymous identity this device advertises.
//
// A 32-byte device secret persists on disk; the advertised id hash is an
// HKDF-SHA256 derivation of it under a fixed domain constant. The hash is
// stable across display-name changes, so peers can coalesce sightings of
// the same device regardless of what it currently calls itself.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

const (
	// Domain separates identity derivation from any other use of the
	// device secret.
	Domain = "encounterd-identity-v1"

	// SecretSize is the device secret length in bytes.
	SecretSize = 32

	// HashSize is the derived id hash length in bytes before hex
	// encoding. Sized to fit a BLE advertisement's service data.
	HashSize = 16
)

// ErrInvalidSecret means the secret on disk is not a raw 32-byte key.
var ErrInvalidSecret = errors.New("identity: invalid secret size")

// Identity is what nearby peers see.
type Identity struct {
	// IDHash is the hex-encoded derived hash beaconed to peers.
	IDHash string `json:"id_hash"`

	// DisplayName is the human-readable name beaconed alongside it.
	DisplayName string `json:"display_name"`
}

// Generate returns a fresh random device secret.
func Generate() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

// Save writes the secret to path with owner-only permissions, creating the
// parent directory if needed.
func Save(path string, secret []byte) error {
	if len(secret) != SecretSize {
		return ErrInvalidSecret
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}

// Load reads the secret from path.
func Load(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	if len(secret) != SecretSize {
		return nil, ErrInvalidSecret
	}
	return secret, nil
}

// LoadOrCreate loads the secret at path, generating and persisting a fresh
// one when the file does not exist. The bool reports whether a new secret
// was created.
func LoadOrCreate(path string) ([]byte, bool, error) {
	secret, err := Load(path)
	if err == nil {
		return secret, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	secret, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, secret); err != nil {
		return nil, false, err
	}
	return secret, true, nil
}

// Derive computes the advertised identity from the device secret. The
// display name is not part of the derivation.
func Derive(secret []byte, displayName string) (Identity, error) {
	if len(secret) != SecretSize {
		return Identity{}, ErrInvalidSecret
	}

	reader := hkdf.New(sha256.New, secret, []byte(Domain), []byte("id-hash"))
	hash := make([]byte, HashSize)
	if _, err := io.ReadFull(reader, hash); err != nil {
		return Identity{}, fmt.Errorf("derive id hash: %w", err)
	}

	return Identity{
		IDHash:      hex.EncodeToString(hash),
		DisplayName: displayName,
	}, nil
}

// Wipe overwrites key material with zeros. Explicit writes prevent the
// compiler from optimizing the wipe away.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
