package lockbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/custody"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/notify"
)

var storeNameRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// Options configures a gateway built with Open.
//
// DataDir is the application-private directory holding the encrypted store
// blobs, the secret files (under DataDir/keys) and, by default, nothing else.
// Audit output goes wherever Audit points.
//
// Secret custody:
//   - Hardened forbids the plaintext fallback tier. Production builds made with
//     the "hardened" tag default to true, development builds to false.
//   - DisableEnclave skips the OS secret store entirely, which forces the
//     fallback tier (or ErrSecretUnavailable when Hardened is set).
//
// Callbacks (Notifier, FatalHandler) are never serialized.
type Options struct {
	// DataDir holds store blobs and secrets. Required.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// StoreName is the logical store served by the gateway
	StoreName string `json:"store_name" yaml:"store_name"`

	// QuotaBytes caps the serialized size of the store
	QuotaBytes int64 `json:"quota_bytes" yaml:"quota_bytes"`

	// QuotaNoticeInterval limits how often quota warnings reach the user
	QuotaNoticeInterval time.Duration `json:"quota_notice_interval" yaml:"quota_notice_interval"`

	// Defaults seeds keys missing from the store
	Defaults Values `json:"defaults,omitempty" yaml:"-"`

	// Hardened forbids the degraded plaintext secret tier
	Hardened bool `json:"hardened" yaml:"hardened"`

	// EnclaveService names the OS keyring entry protecting the secrets
	EnclaveService string `json:"enclave_service" yaml:"enclave_service"`

	// DisableEnclave never touches the OS keyring
	DisableEnclave bool `json:"disable_enclave" yaml:"disable_enclave"`

	// EnableMemoryLock asks the OS to keep process memory out of swap
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// Audit configures the audit trail. Nil disables it.
	Audit *audit.Config `json:"audit,omitempty" yaml:"audit,omitempty"`

	// Notifier shows user-visible notices. Defaults to a console notifier.
	Notifier notify.Notifier `json:"-" yaml:"-"`

	// FatalHandler runs after a fatal initialisation notice. Defaults to
	// exiting the process with status 1.
	FatalHandler func(error) `json:"-" yaml:"-"`
}

// DefaultOptions returns options with every field but DataDir populated
func DefaultOptions() Options {
	return Options{
		StoreName:           "local",
		QuotaBytes:          misc.DefaultQuotaBytes,
		QuotaNoticeInterval: 30 * time.Second,
		Defaults:            DefaultSeed(),
		Hardened:            custody.DefaultHardened,
		EnclaveService:      "lockbox",
		EnableMemoryLock:    true,
	}
}

// DefaultSeed is the initial content of a new store
func DefaultSeed() Values {
	return Values{
		"workflows": json.RawMessage(`{}`),
		"settings":  json.RawMessage(`{"theme":"dark","language":"en"}`),
		"auth":      json.RawMessage(`{"apiKey":null,"clientId":null}`),
	}
}

// Validate reports the first setting Open would reject
func (o Options) Validate() error {
	return validateOptions(o)
}

func validateOptions(options Options) error {
	if options.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if err := validateStoreName(options.StoreName); err != nil {
		return err
	}
	if options.QuotaBytes <= 0 {
		return fmt.Errorf("quota must be positive, got %d", options.QuotaBytes)
	}
	if options.QuotaNoticeInterval < 0 {
		return fmt.Errorf("quota notice interval cannot be negative")
	}
	if !options.DisableEnclave && options.EnclaveService == "" {
		return fmt.Errorf("enclave service name is required unless the enclave is disabled")
	}
	for k, v := range options.Defaults {
		if v == nil || !json.Valid(v) {
			return fmt.Errorf("default for %q is not valid JSON", k)
		}
	}
	return nil
}

func validateStoreName(name string) error {
	if name == "" {
		return fmt.Errorf("store name is required")
	}
	if !storeNameRegex.MatchString(name) {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}
