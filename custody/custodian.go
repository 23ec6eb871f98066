package custody

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox/internal/crypto"
	lberrors "southwinds.dev/lockbox/internal/errors"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

// Kind identifies one of the two secrets a store needs
type Kind string

const (
	KindEncryption Kind = "encryption"
	KindIntegrity  Kind = "integrity"
)

// Kinds lists every secret kind in a stable order
var Kinds = []Kind{KindEncryption, KindIntegrity}

// Tier reports how a persisted secret is protected
type Tier string

const (
	TierSecure   Tier = "secure"
	TierDegraded Tier = "degraded"
	TierAbsent   Tier = "absent"
)

const (
	sealedSuffix   = ".key.sealed"
	fallbackSuffix = ".key"
)

// Config configures a Custodian
type Config struct {
	// Dir holds the secret files. Required.
	Dir string
	// Enclave protects secrets at rest. Defaults to UnavailableEnclave.
	Enclave Enclave
	// Hardened forbids the plaintext fallback tier
	Hardened bool
	// OnCreated is called after a new secret has been persisted
	OnCreated func(kind Kind, tier Tier)
}

// Custodian obtains the encryption and integrity secrets, creating and
// persisting them on first use. At most one file per kind is ever written.
type Custodian struct {
	dir       string
	enclave   Enclave
	hardened  bool
	onCreated func(Kind, Tier)

	mu sync.Mutex
}

// New creates a Custodian from config
func New(config Config) (*Custodian, error) {
	if config.Dir == "" {
		return nil, errors.New("secret directory cannot be empty")
	}
	enclave := config.Enclave
	if enclave == nil {
		enclave = UnavailableEnclave{}
	}
	return &Custodian{
		dir:       config.Dir,
		enclave:   enclave,
		hardened:  config.Hardened,
		onCreated: config.OnCreated,
	}, nil
}

func (c *Custodian) sealedPath(kind Kind) string {
	return filepath.Join(c.dir, string(kind)+sealedSuffix)
}

func (c *Custodian) fallbackPath(kind Kind) string {
	return filepath.Join(c.dir, string(kind)+fallbackSuffix)
}

// Hardened reports whether the fallback tier is forbidden
func (c *Custodian) Hardened() bool {
	return c.hardened
}

// Obtain returns the secret for kind. Any failure wraps ErrSecretUnavailable.
func (c *Custodian) Obtain(kind Kind) (*memguard.Enclave, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	secret, err := c.obtain(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s secret: %w", lberrors.ErrSecretUnavailable, kind, err)
	}
	return secret, nil
}

func (c *Custodian) obtain(kind Kind) (*memguard.Enclave, error) {
	if err := validateKind(kind); err != nil {
		return nil, err
	}

	// 1. enclave protected secret
	sealedPath := c.sealedPath(kind)
	sealedExists, err := exists(sealedPath)
	if err != nil {
		return nil, err
	}
	if sealedExists && c.enclave.Available() {
		sealed, err := os.ReadFile(sealedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read sealed secret: %w", err)
		}
		plaintext, err := c.enclave.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal secret: %w", err)
		}
		return toEnclave(plaintext)
	}

	// 2. degraded fallback
	fallbackPath := c.fallbackPath(kind)
	fallbackExists, err := exists(fallbackPath)
	if err != nil {
		return nil, err
	}
	if fallbackExists {
		if c.hardened {
			return nil, errors.New("plaintext secret present but fallback is disabled")
		}
		encoded, err := os.ReadFile(fallbackPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read fallback secret: %w", err)
		}
		plaintext, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
		memguard.WipeBytes(encoded)
		if err != nil {
			return nil, fmt.Errorf("fallback secret is not hex encoded: %w", err)
		}
		log.Warn().Str("kind", string(kind)).Msg("using degraded plaintext secret")
		return toEnclave(plaintext)
	}

	// 3. first run
	return c.create(kind)
}

func (c *Custodian) create(kind Kind) (*memguard.Enclave, error) {
	secret, err := crypto.RandomSecret()
	if err != nil {
		return nil, err
	}

	var tier Tier
	switch {
	case c.enclave.Available():
		sealed, err := c.enclave.Seal(secret)
		if err != nil {
			memguard.WipeBytes(secret)
			return nil, fmt.Errorf("failed to seal secret: %w", err)
		}
		if err = persist.WriteSecureFile(c.sealedPath(kind), sealed); err != nil {
			memguard.WipeBytes(secret)
			return nil, err
		}
		tier = TierSecure
	case !c.hardened:
		encoded := []byte(hex.EncodeToString(secret))
		err = persist.WriteSecureFile(c.fallbackPath(kind), encoded)
		memguard.WipeBytes(encoded)
		if err != nil {
			memguard.WipeBytes(secret)
			return nil, err
		}
		tier = TierDegraded
	default:
		memguard.WipeBytes(secret)
		return nil, errors.New("secure enclave unavailable and fallback is disabled")
	}

	log.Info().Str("kind", string(kind)).Str("tier", string(tier)).Msg("created secret")
	if c.onCreated != nil {
		c.onCreated(kind, tier)
	}
	// NewEnclave wipes secret
	return memguard.NewEnclave(secret), nil
}

// Rotate discards the persisted secret for kind and obtains a fresh one
func (c *Custodian) Rotate(kind Kind) (*memguard.Enclave, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.remove(kind); err != nil {
		return nil, fmt.Errorf("%w: %s secret: %w", lberrors.ErrSecretUnavailable, kind, err)
	}
	secret, err := c.create(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s secret: %w", lberrors.ErrSecretUnavailable, kind, err)
	}
	return secret, nil
}

// Wipe deletes every persisted secret. Data encrypted under them becomes
// unreadable.
func (c *Custodian) Wipe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, kind := range Kinds {
		if err := c.remove(kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tier reports how the secret for kind is currently persisted
func (c *Custodian) Tier(kind Kind) (Tier, error) {
	if err := validateKind(kind); err != nil {
		return TierAbsent, err
	}
	if ok, err := exists(c.sealedPath(kind)); err != nil {
		return TierAbsent, err
	} else if ok {
		return TierSecure, nil
	}
	if ok, err := exists(c.fallbackPath(kind)); err != nil {
		return TierAbsent, err
	} else if ok {
		return TierDegraded, nil
	}
	return TierAbsent, nil
}

func (c *Custodian) remove(kind Kind) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	for _, path := range []string{c.sealedPath(kind), c.fallbackPath(kind)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func toEnclave(plaintext []byte) (*memguard.Enclave, error) {
	if len(plaintext) != misc.SecretSize {
		memguard.WipeBytes(plaintext)
		return nil, fmt.Errorf("secret has invalid length %d", len(plaintext))
	}
	return memguard.NewEnclave(plaintext), nil
}

func validateKind(kind Kind) error {
	switch kind {
	case KindEncryption, KindIntegrity:
		return nil
	default:
		return fmt.Errorf("unknown secret kind %q", kind)
	}
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
