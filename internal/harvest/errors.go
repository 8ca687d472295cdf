package harvest

import "errors"

// Error kinds surfaced by a crawl run. Callers classify with errors.Is.
var (
	// ErrAuthentication means the session could not be verified as logged
	// in. Fatal; the run aborts without advancing any checkpoint.
	ErrAuthentication = errors.New("session authentication failed")

	// ErrTransientFetch covers fetch/render timeouts and empty DOM states.
	// Retried via the backoff policy, bounded by the circuit breaker.
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrPersistence means the store rejected a batch after bounded
	// retries. Fatal; the checkpoint stays at the last committed state.
	ErrPersistence = errors.New("persistence failure")

	// ErrRateLimited is raised when the platform shows an explicit block or
	// limit indicator. The first occurrence escalates to maximum backoff; a
	// repeat within the same run aborts it.
	ErrRateLimited = errors.New("rate limit signal")
)
