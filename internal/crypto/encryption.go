// Package crypto seals credentials stored in the config file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// SealedPrefix marks a config value as an encrypted secret.
	SealedPrefix = "enc:"

	// MasterKeyEnv names the environment variable holding the master key,
	// either a base64 32-byte key or a passphrase of at least 16 characters.
	MasterKeyEnv = "CAPTURER_MASTER_KEY"

	keySize  = 32
	saltSize = 32
)

var (
	ErrNoMasterKey = errors.New("master key not set")
	ErrNotSealed   = errors.New("value is not sealed")
)

// GenerateMasterKey generates a new random 256-bit master key, base64-encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// DeriveKey stretches a passphrase into a 256-bit key with Argon2id
// (time=3, memory=64MB, threads=4).
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, keySize)
}

// ResolveKey turns a master key value into raw key bytes. A base64 value that
// decodes to 32 bytes is used as is; anything else is treated as a passphrase
// and derived with salt.
func ResolveKey(value string, salt []byte) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrNoMasterKey
	}
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if len(value) < 16 {
		return nil, fmt.Errorf("master key passphrase must be at least 16 characters long (got %d)", len(value))
	}
	if len(salt) == 0 {
		return nil, errors.New("salt is required for passphrase keys")
	}
	return DeriveKey(value, salt), nil
}

// KeyFromEnv resolves MasterKeyEnv, loading or creating the salt at saltPath
// only when the value is a passphrase.
func KeyFromEnv(saltPath string) ([]byte, error) {
	value := os.Getenv(MasterKeyEnv)
	if value == "" {
		return nil, fmt.Errorf("%w: set %s", ErrNoMasterKey, MasterKeyEnv)
	}
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil && len(raw) == keySize {
		return raw, nil
	}
	salt, err := LoadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return ResolveKey(value, salt)
}

// LoadOrCreateSalt reads the per-installation salt, generating it on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create salt directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("save salt: %w", err)
	}
	return salt, nil
}

// Encrypt encrypts plaintext with AES-256-GCM and returns base64(nonce|ciphertext).
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Seal encrypts plaintext and adds SealedPrefix. Empty stays empty.
func Seal(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	enc, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + enc, nil
}

// Open decrypts a sealed value. Values without SealedPrefix are returned unchanged.
func Open(value string, key []byte) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return Decrypt(strings.TrimPrefix(value, SealedPrefix), key)
}

// IsSealed reports whether value carries SealedPrefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes (got %d)", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
