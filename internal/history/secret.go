package history

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const secretSize = 32

// LoadSecret reads the machine secret at path, generating and persisting a
// fresh one on first use. The file is created 0600.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) < secretSize {
			return nil, fmt.Errorf("history: machine secret %s is too short (%d bytes)", path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("history: read machine secret: %w", err)
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("history: generate machine secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("history: create secret directory: %w", err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("history: write machine secret: %w", err)
	}

	return secret, nil
}

// DeriveKey expands the machine secret into the record HMAC key. The raw
// secret itself never keys anything.
func DeriveKey(secret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte("henkand-history"), []byte("record-hmac-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("history: derive HMAC key: %w", err)
	}
	return key, nil
}

// KeyFromSecretFile loads (or creates) the machine secret and derives the
// record HMAC key from it.
func KeyFromSecretFile(path string) ([]byte, error) {
	secret, err := LoadSecret(path)
	if err != nil {
		return nil, err
	}
	return DeriveKey(secret)
}

// InsecureKey returns the fixed public HMAC key used when secure history is
// turned off. Chains written with it still detect accidental corruption and
// truncation, but anyone can rewrite them; it carries no tamper evidence.
func InsecureKey() []byte {
	key, err := DeriveKey([]byte("henkand-insecure-history-0000000"))
	if err != nil {
		panic(err)
	}
	return key
}
