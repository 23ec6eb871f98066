package lockbox

import lberrors "southwinds.dev/lockbox/internal/errors"

// Errors callers can match with errors.Is
var (
	ErrSecretUnavailable       = lberrors.ErrSecretUnavailable
	ErrStoreCorrupted          = lberrors.ErrStoreCorrupted
	ErrWriteVerificationFailed = lberrors.ErrWriteVerificationFailed
	ErrQuotaExceeded           = lberrors.ErrQuotaExceeded
	ErrWriteRejected           = lberrors.ErrWriteRejected
	ErrIntegrityMismatch       = lberrors.ErrIntegrityMismatch
	ErrNotReady                = lberrors.ErrNotReady
	ErrClosed                  = lberrors.ErrClosed
)
