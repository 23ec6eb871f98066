// Package errors provides the sentinel error values shared by every lockbox
// package.
//
// Callers distinguish failure classes with errors.Is rather than string
// matching. Lower layers wrap these values with context:
//
//	return fmt.Errorf("loading %s secret: %w", kind, errors.ErrSecretUnavailable)
//
// # Error Categories
//
//   - Initialisation: ErrSecretUnavailable (fatal), ErrStoreCorrupted (recoverable)
//   - Mutation: ErrWriteVerificationFailed, ErrQuotaExceeded, ErrWriteRejected
//   - Integrity: ErrIntegrityMismatch (never surfaced to readers, entries are dropped)
//   - Lifecycle: ErrNotReady, ErrClosed
//
// The root lockbox package re-exports each value so consumers never import
// this internal package directly.
package errors
