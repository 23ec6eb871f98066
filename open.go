package lockbox

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/custody"
	"southwinds.dev/lockbox/internal/mem"
	"southwinds.dev/lockbox/notify"
	"southwinds.dev/lockbox/persist"
)

// Open builds a gateway from options: memory locking, secret custody, blob
// storage, recovery and auditing. Closing the gateway releases all of them.
func Open(options Options) (*Gateway, error) {
	if err := validateOptions(options); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Warn().Err(err).Str("protection", level.String()).Msg("cannot fully protect memory, keys remain in memguard enclaves")
		}
	}

	notifier := options.Notifier
	if notifier == nil {
		notifier = notify.NewConsole(nil)
	}

	auditLogger, err := audit.NewLogger(options.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	blobs, err := persist.NewStore(persist.StoreConfig{
		Type:   persist.StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": filepath.Join(options.DataDir, "stores")},
	})
	if err != nil {
		_ = auditLogger.Close()
		return nil, fmt.Errorf("failed to open blob storage: %w", err)
	}

	var enclave custody.Enclave = custody.UnavailableEnclave{}
	if !options.DisableEnclave {
		enclave = custody.NewKeyringEnclave(options.EnclaveService)
	}
	custodian, err := custody.New(custody.Config{
		Dir:      filepath.Join(options.DataDir, "keys"),
		Enclave:  enclave,
		Hardened: options.Hardened,
		OnCreated: func(kind custody.Kind, tier custody.Tier) {
			if err := auditLogger.Log(audit.ActionSecretCreated, true, map[string]interface{}{
				"kind": string(kind),
				"tier": string(tier),
			}); err != nil {
				log.Warn().Err(err).Msg("failed to write audit event")
			}
		},
	})
	if err != nil {
		_ = blobs.Close()
		_ = auditLogger.Close()
		return nil, err
	}

	recovery, err := NewRecovery(RecoveryConfig{
		Blobs:     blobs,
		Custodian: custodian,
		Notifier:  notifier,
		Audit:     auditLogger,
		Fatal:     options.FatalHandler,
	})
	if err != nil {
		_ = blobs.Close()
		_ = auditLogger.Close()
		return nil, err
	}

	opened, err := recovery.Open(options.StoreName, options.Defaults)
	if err != nil {
		_ = blobs.Close()
		_ = auditLogger.Close()
		return nil, err
	}

	gateway, err := NewGateway(GatewayConfig{
		Store:               opened.Store,
		IntegrityKey:        opened.IntegrityKey,
		QuotaBytes:          options.QuotaBytes,
		QuotaNoticeInterval: options.QuotaNoticeInterval,
		Audit:               auditLogger,
		Notifier:            notifier,
	})
	if err != nil {
		_ = opened.Store.Close()
		_ = blobs.Close()
		_ = auditLogger.Close()
		return nil, err
	}
	gateway.closers = append(gateway.closers, blobs.Close, auditLogger.Close)

	return gateway, nil
}
