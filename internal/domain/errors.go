package domain

import "errors"

// Error taxonomy (sentinels). Adapters wrap these with
// fmt.Errorf("op=<pkg.op>: %w", err) so callers can classify with errors.Is.
var (
	// ErrInvalidArgument marks caller mistakes (bad request payloads,
	// unknown platforms, malformed workflow references).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a missing record (job, reference row). Product
	// NOT_FOUND during a scan is NOT an error; see ScanResult.IsNotFound.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks duplicate registrations or id collisions.
	ErrConflict = errors.New("conflict")
	// ErrQueueUnavailable marks an unreachable backing store during queue
	// operations. Worker loops treat the iteration as retryable.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrTransientUpstream marks 429/5xx/network-timeout upstream failures.
	// The strategy layer retries these with backoff before surfacing.
	ErrTransientUpstream = errors.New("transient upstream failure")
	// ErrUpstreamProtocol marks malformed upstream payloads (GraphQL errors
	// present, unparseable JSON). Never retried.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
	// ErrValidationFailed marks a shape violation in a scanned record.
	// The node fails without retry and the job fails.
	ErrValidationFailed = errors.New("validation failed")
	// ErrNodeTimeout marks a node exceeding its configured timeout.
	// The engine's retry policy applies.
	ErrNodeTimeout = errors.New("node timeout")
	// ErrLockLost marks a platform lock TTL expiring while the holder is
	// still working. The engine must stop writing results and fail the job.
	ErrLockLost = errors.New("platform lock lost")
	// ErrBrowserCrashed marks a dead browser instance. The pool replaces it
	// and the scan node retries once on a fresh instance.
	ErrBrowserCrashed = errors.New("browser crashed")
	// ErrPoolClosed marks acquisition from a cleaned-up browser pool.
	ErrPoolClosed = errors.New("browser pool closed")
)

// Retryable reports whether the engine's node retry policy should apply to
// err. Validation and protocol errors terminate immediately.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidationFailed),
		errors.Is(err, ErrUpstreamProtocol),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrLockLost):
		return false
	}
	return true
}
