package signature

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the key material every scheme consumes.
const KeySize = 32

// DeriveKey expands a shared secret into scheme key material with
// HKDF-SHA256. The volume label keeps keys of different volumes apart
// even when they share the secret.
func DeriveKey(secret []byte, volumeLabel string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}
	r := hkdf.New(sha256.New, secret, []byte(volumeLabel), []byte("rdfs block signature"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("signature: derive key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey reads hex encoded key material from path. When the file
// does not exist a random key is generated and written with mode 0600.
func LoadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("signature: parse key file %s: %w", path, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: key file %s holds %d bytes", ErrInvalidKey, path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("signature: read key file %s: %w", path, err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("signature: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("signature: mkdir for key file: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("signature: write key file %s: %w", path, err)
	}
	return key, nil
}
