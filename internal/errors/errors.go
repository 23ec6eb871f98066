package errors

import "errors"

// Initialisation errors.
var (
	// ErrSecretUnavailable indicates an encryption or integrity secret could not
	// be loaded or created. Store initialisation cannot continue.
	ErrSecretUnavailable = errors.New("secret unavailable")

	// ErrStoreCorrupted indicates the persisted store could not be decrypted or
	// parsed as a single well-formed document.
	ErrStoreCorrupted = errors.New("store corrupted")
)

// Mutation errors.
var (
	// ErrWriteVerificationFailed indicates a value read back after a write did
	// not match what was written.
	ErrWriteVerificationFailed = errors.New("write verification failed")

	// ErrQuotaExceeded indicates a write was rejected because the serialized
	// store would exceed the configured ceiling.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrWriteRejected indicates the storage owner reported that a mutation did
	// not take effect.
	ErrWriteRejected = errors.New("write rejected by storage gateway")
)

// Integrity errors.
var (
	// ErrIntegrityMismatch indicates an entry's tag does not match its value.
	ErrIntegrityMismatch = errors.New("integrity tag mismatch")
)

// Lifecycle errors.
var (
	// ErrNotReady indicates an operation on a store that is not in the ready state.
	ErrNotReady = errors.New("store not ready")

	// ErrClosed indicates an operation on a closed component.
	ErrClosed = errors.New("closed")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
