package tracker

import "errors"

// Error taxonomy surfaced to callers. Wrap with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrUnsupportedPlatform means the URL matches no supported platform/kind.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrUnresolvableIdentifier means no canonical key could be derived.
	ErrUnresolvableIdentifier = errors.New("unresolvable identifier")
	// ErrUpstreamUnavailable means a provider stayed unreachable after retries.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrJobAlreadyInFlight rejects a second concurrent run for the same item.
	ErrJobAlreadyInFlight = errors.New("job already in flight")
	// ErrSubmissionFailed means the orchestrator refused or never received the run.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrWebhookUnmatched means a callback referenced an unknown correlation handle.
	ErrWebhookUnmatched = errors.New("webhook unmatched")

	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed is returned when a guarded transition finds a different state.
	ErrPreconditionFailed = errors.New("transition precondition failed")
	// ErrClientRequest is a non-retryable 4xx answer from a provider.
	ErrClientRequest = errors.New("upstream rejected request")
)

// Retryable reports whether the caller may safely try the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrJobAlreadyInFlight)
}
