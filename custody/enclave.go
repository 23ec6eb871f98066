package custody

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"github.com/awnumar/memguard"
	"southwinds.dev/lockbox/internal/crypto"
)

// Enclave is an OS-backed facility able to protect secrets at rest. Sealed
// output is opaque and only Open on the same account and machine can recover it.
type Enclave interface {
	// Available reports whether the platform secret store can be used
	Available() bool
	// Seal protects plaintext for storage on disk
	Seal(plaintext []byte) ([]byte, error)
	// Open recovers plaintext produced by Seal
	Open(sealed []byte) ([]byte, error)
}

// wrappingKeyItem is the keyring entry holding the key that seals secret files
const wrappingKeyItem = "lockbox-safe-storage"

// KeyringEnclave seals secrets under a wrapping key kept in the OS secret
// store (macOS Keychain, Secret Service, Windows Credential Manager, KWallet
// or the Linux kernel keyring).
type KeyringEnclave struct {
	serviceName string
	open        func(keyring.Config) (keyring.Keyring, error)

	once    sync.Once
	kr      keyring.Keyring
	openErr error

	mu  sync.Mutex
	key *memguard.Enclave
}

// secureBackends excludes the keyring file and pass backends: a file sealed by
// a key that itself sits in a file is the degraded tier, not the secure one.
var secureBackends = []keyring.BackendType{
	keyring.KeychainBackend,
	keyring.SecretServiceBackend,
	keyring.WinCredBackend,
	keyring.KWalletBackend,
	keyring.KeyCtlBackend,
}

// NewKeyringEnclave creates an enclave bound to serviceName in the OS keyring
func NewKeyringEnclave(serviceName string) *KeyringEnclave {
	return &KeyringEnclave{
		serviceName: serviceName,
		open:        keyring.Open,
	}
}

func (k *KeyringEnclave) ring() (keyring.Keyring, error) {
	k.once.Do(func() {
		k.kr, k.openErr = k.open(keyring.Config{
			ServiceName:              k.serviceName,
			AllowedBackends:          secureBackends,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
			LibSecretCollectionName:  "login",
			KWalletAppID:             k.serviceName,
			KWalletFolder:            k.serviceName,
			WinCredPrefix:            k.serviceName,
		})
	})
	return k.kr, k.openErr
}

func (k *KeyringEnclave) Available() bool {
	_, err := k.ring()
	return err == nil
}

// wrappingKey loads the wrapping key, creating it on first use when create is set
func (k *KeyringEnclave) wrappingKey(create bool) (*memguard.Enclave, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != nil {
		return k.key, nil
	}

	ring, err := k.ring()
	if err != nil {
		return nil, fmt.Errorf("keyring unavailable: %w", err)
	}

	item, err := ring.Get(wrappingKeyItem)
	switch {
	case err == nil:
		if len(item.Data) == 0 || crypto.IsWeakKey(item.Data) {
			return nil, errors.New("keyring wrapping key is invalid")
		}
		k.key = memguard.NewEnclave(item.Data)
	case errors.Is(err, keyring.ErrKeyNotFound) && create:
		generated, err := crypto.RandomSecret()
		if err != nil {
			return nil, err
		}
		if err = ring.Set(keyring.Item{
			Key:         wrappingKeyItem,
			Data:        append([]byte(nil), generated...),
			Label:       k.serviceName + " safe storage",
			Description: "Protects the local store secrets",
		}); err != nil {
			memguard.WipeBytes(generated)
			return nil, fmt.Errorf("failed to store wrapping key: %w", err)
		}
		k.key = memguard.NewEnclave(generated)
	default:
		return nil, fmt.Errorf("failed to read wrapping key: %w", err)
	}
	return k.key, nil
}

func (k *KeyringEnclave) Seal(plaintext []byte) ([]byte, error) {
	key, err := k.wrappingKey(true)
	if err != nil {
		return nil, err
	}
	buf, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open wrapping key: %w", err)
	}
	defer buf.Destroy()
	return crypto.EncryptValue(plaintext, buf.Bytes(), []byte(k.serviceName))
}

func (k *KeyringEnclave) Open(sealed []byte) ([]byte, error) {
	key, err := k.wrappingKey(false)
	if err != nil {
		return nil, err
	}
	buf, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open wrapping key: %w", err)
	}
	defer buf.Destroy()
	return crypto.DecryptValue(sealed, buf.Bytes(), []byte(k.serviceName))
}

// UnavailableEnclave models a platform without a secret store
type UnavailableEnclave struct{}

func (UnavailableEnclave) Available() bool { return false }

func (UnavailableEnclave) Seal([]byte) ([]byte, error) {
	return nil, errors.New("secure enclave unavailable")
}

func (UnavailableEnclave) Open([]byte) ([]byte, error) {
	return nil, errors.New("secure enclave unavailable")
}
