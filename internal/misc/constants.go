package misc

const (
	// SecretSize is the length in bytes of the encryption and integrity secrets
	SecretSize = 32

	// DocumentVersion is the current layout of the decrypted store document
	DocumentVersion = 2

	// LegacyTagPrefix marks sibling tag entries in version 1 documents
	LegacyTagPrefix = "__hmac__"

	// DefaultQuotaBytes is the serialized store ceiling (100 MiB)
	DefaultQuotaBytes int64 = 100 * 1024 * 1024

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
