// Copyright 2024-2026 Aiku AI

package bridge

import "errors"

// Error taxonomy for platform-call failures. Adapters convert raw platform
// errors into these at the operation boundary; nothing downstream inspects
// platform error types directly.
var (
	// ErrNotFound: the endpoint or credential vanished. Triggers link
	// teardown, never a retry.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied: the bridge or user lacks rights. Reported to
	// the user; no state change.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrQuotaExceeded: the destination already holds the platform's
	// maximum number of credentials.
	ErrQuotaExceeded = errors.New("credential quota exceeded")

	// ErrTimeout: a handshake wait elapsed without a matching signal.
	ErrTimeout = errors.New("timed out")
)

// IsTransient reports whether err is outside the taxonomy, i.e. a
// network-level failure that affects only the one operation it occurred on.
func IsTransient(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrPermissionDenied) &&
		!errors.Is(err, ErrQuotaExceeded) &&
		!errors.Is(err, ErrTimeout)
}
