package lockbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/custody"
	"southwinds.dev/lockbox/kv"
	"southwinds.dev/lockbox/notify"
	"southwinds.dev/lockbox/persist"
)

// RecoveryConfig wires a Recovery
type RecoveryConfig struct {
	Blobs     persist.Store
	Custodian *custody.Custodian
	Notifier  notify.Notifier
	Audit     audit.Logger
	// Fatal runs after the fatal notice. Defaults to os.Exit(1).
	Fatal func(error)
}

// Recovery opens stores, rebuilding them from defaults when the persisted
// blob cannot be read
type Recovery struct {
	blobs     persist.Store
	custodian *custody.Custodian
	notifier  notify.Notifier
	audit     audit.Logger
	fatal     func(error)
}

// Opened is a store ready to be served, with the integrity key it was
// opened against
type Opened struct {
	Store        *kv.Store
	IntegrityKey *memguard.Enclave
	// Recovered is set when the previous content was discarded
	Recovered bool
	// Backup is where the corrupted blob was copied, if anywhere
	Backup string
}

// NewRecovery creates a Recovery
func NewRecovery(config RecoveryConfig) (*Recovery, error) {
	if config.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if config.Custodian == nil {
		return nil, fmt.Errorf("custodian is required")
	}
	r := &Recovery{
		blobs:     config.Blobs,
		custodian: config.Custodian,
		notifier:  config.Notifier,
		audit:     config.Audit,
		fatal:     config.Fatal,
	}
	if r.notifier == nil {
		r.notifier = notify.NewConsole(nil)
	}
	if r.audit == nil {
		r.audit = audit.NewNoOpLogger()
	}
	if r.fatal == nil {
		r.fatal = func(error) { os.Exit(1) }
	}
	return r, nil
}

// Open obtains both secrets and opens the named store.
//
// A corrupted blob is quarantined and deleted, the secrets are replaced and
// the store starts again from defaults; the user is told synchronously. Any
// other failure is fatal: the user is told and the fatal hook runs. Open
// only returns when the hook does, and then with an error and no store.
func (r *Recovery) Open(name string, defaults Values) (*Opened, error) {
	encryptionKey, err := r.custodian.Obtain(custody.KindEncryption)
	if err != nil {
		return nil, r.fail(name, err)
	}
	integrityKey, err := r.custodian.Obtain(custody.KindIntegrity)
	if err != nil {
		return nil, r.fail(name, err)
	}

	store, err := kv.Open(r.blobs, name, encryptionKey, rawDefaults(defaults))
	if err == nil {
		return &Opened{Store: store, IntegrityKey: integrityKey}, nil
	}
	if !errors.Is(err, ErrStoreCorrupted) {
		return nil, r.fail(name, err)
	}

	return r.recover(name, defaults, err)
}

func (r *Recovery) recover(name string, defaults Values, cause error) (*Opened, error) {
	log.Warn().Err(cause).Str("store", name).Msg("store corrupted, recovering")

	backup, err := r.blobs.Quarantine(name)
	if err != nil {
		log.Error().Err(err).Str("store", name).Msg("failed to back up corrupted store")
		backup = ""
	}
	if err = r.blobs.Delete(name); err != nil {
		log.Error().Err(err).Str("store", name).Msg("failed to delete corrupted store")
	}

	encryptionKey, integrityKey, err := r.freshSecrets(name)
	if err != nil {
		return nil, r.fail(name, err)
	}

	store, err := kv.Open(r.blobs, name, encryptionKey, rawDefaults(defaults))
	if err != nil {
		return nil, r.fail(name, err)
	}

	detail := "No backup of the previous data could be made."
	if backup != "" {
		detail = "A backup was attempted at " + backup
	}
	r.notifier.Notify(notify.Notice{
		Level:   notify.Warning,
		Title:   "Storage was reset",
		Message: "Saved data could not be read and has been reset to defaults.",
		Detail:  detail,
	})

	if err = r.audit.Log(audit.ActionStoreRecovered, true, map[string]interface{}{
		audit.MetaStore: name,
		"backup":        backup,
		"cause":         cause.Error(),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to write audit event")
	}
	log.Info().Str("store", name).Str("backup", backup).Msg("store recovered")

	return &Opened{Store: store, IntegrityKey: integrityKey, Recovered: true, Backup: backup}, nil
}

// freshSecrets replaces both secrets, unless other stores still depend on
// them: rotating then would make every sibling store unreadable too.
func (r *Recovery) freshSecrets(name string) (*memguard.Enclave, *memguard.Enclave, error) {
	others, err := r.blobs.Names()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list stores: %w", err)
	}
	shared := false
	for _, other := range others {
		if other != name {
			shared = true
			break
		}
	}

	obtain := r.custodian.Rotate
	if shared {
		log.Warn().Str("store", name).Strs("stores", others).Msg("secrets shared with other stores, not rotating")
		obtain = r.custodian.Obtain
	}

	encryptionKey, err := obtain(custody.KindEncryption)
	if err != nil {
		return nil, nil, err
	}
	integrityKey, err := obtain(custody.KindIntegrity)
	if err != nil {
		return nil, nil, err
	}
	return encryptionKey, integrityKey, nil
}

// fail reports an unrecoverable initialisation error and runs the fatal hook
func (r *Recovery) fail(name string, err error) error {
	log.Error().Err(err).Str("store", name).Msg("storage initialisation failed")
	r.notifier.Notify(notify.Notice{
		Level:   notify.Fatal,
		Title:   "Storage could not be opened",
		Message: "The application cannot continue and will now exit.",
		Detail:  err.Error(),
	})
	r.fatal(err)
	return fmt.Errorf("failed to open store %q: %w", name, err)
}

func rawDefaults(defaults Values) map[string]json.RawMessage {
	if defaults == nil {
		return nil
	}
	return map[string]json.RawMessage(defaults.Clone())
}
