package jobs

import "github.com/cockroachdb/errors"

var (
	ErrNotFound = errors.New("job not found")
	ErrInvalid  = errors.New("invalid job")
	// ErrClaimLost means another claimant changed the record first.
	ErrClaimLost = errors.New("claim lost")
	// ErrStaleClaim is recorded on jobs reset by the processing watchdog.
	ErrStaleClaim = errors.New("stale claim reset")
	// ErrNotRetryable is returned by Retry for records not in failed/manual_required.
	ErrNotRetryable = errors.New("job is not retryable")
)
