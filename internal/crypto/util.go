package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"southwinds.dev/lockbox/internal/misc"
)

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RandomSecret returns misc.SecretSize bytes from the system CSPRNG
func RandomSecret() ([]byte, error) {
	secret := make([]byte, misc.SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// DeriveKey expands secret into a purpose-bound 256-bit key with HKDF-SHA256.
// The returned buffer is locked and must be destroyed by the caller.
func DeriveKey(secret *memguard.Enclave, info string) (*memguard.LockedBuffer, error) {
	if secret == nil {
		return nil, errors.New("secret enclave is nil")
	}
	secretBuffer, err := secret.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open secret enclave: %w", err)
	}
	defer secretBuffer.Destroy()

	derived := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, secretBuffer.Bytes(), nil, []byte(info))
	if _, err = io.ReadFull(reader, derived); err != nil {
		memguard.WipeBytes(derived)
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	// NewBufferFromBytes wipes derived
	return memguard.NewBufferFromBytes(derived), nil
}

// EncryptValue seals value with ChaCha20-Poly1305, binding aad into the tag.
// Output layout: nonce || ciphertext.
func EncryptValue(value, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, value, aad), nil
}

// DecryptValue opens data produced by EncryptValue
func DecryptValue(encryptedData, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonceSize := aead.NonceSize()
	plaintext, err := aead.Open(nil, encryptedData[:nonceSize], encryptedData[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// IsWeakKey rejects keys that are short or visibly non-random
func IsWeakKey(key []byte) bool {
	if len(key) < misc.SecretSize {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}
