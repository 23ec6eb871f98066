package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// Tag computes the hex encoded HMAC-SHA-256 of the canonical form of raw
func Tag(raw json.RawMessage, key *memguard.Enclave) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return tagBytes(canonical, key)
}

// Verify recomputes the tag of raw and compares it to expected in constant
// time. An empty expected tag never verifies.
func Verify(raw json.RawMessage, expected string, key *memguard.Enclave) bool {
	if expected == "" {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return false
	}
	got, err := mac(canonical, key)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func tagBytes(data []byte, key *memguard.Enclave) (string, error) {
	sum, err := mac(data, key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

func mac(data []byte, key *memguard.Enclave) ([]byte, error) {
	if key == nil {
		return nil, errors.New("integrity key is nil")
	}
	keyBuffer, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open integrity key: %w", err)
	}
	defer keyBuffer.Destroy()

	h := hmac.New(sha256.New, keyBuffer.Bytes())
	h.Write(data)
	return h.Sum(nil), nil
}

func equalHex(a, b string) bool {
	da, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	db, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	return hmac.Equal(da, db)
}
