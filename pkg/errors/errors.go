package apperrors

import "errors"

// Standardized platform errors. These are the stable identities handlers
// match on with errors.Is; wrap them with fmt.Errorf("...: %w", ...) to add
// context.
var (
	// Transient: retry with backoff inside the owning component.
	ErrBusUnavailable  = errors.New("bus unavailable")
	ErrExchangeTimeout = errors.New("exchange timeout")
	ErrRateLimited     = errors.New("rate limited")

	// Domain denials: returned to the requester, never retried without new input.
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrRiskLimitExceeded   = errors.New("risk limit exceeded")
	ErrStaleProposal       = errors.New("stale proposal")
	ErrDeadlineExceeded    = errors.New("deadline exceeded")
	ErrDuplicateProposal   = errors.New("duplicate proposal")

	// Fatal per message: routed straight to the DLQ, no retry.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownRoutingKey = errors.New("unknown routing key")
	ErrSchemaViolation   = errors.New("schema violation")

	// System level: surfaced as events.system.*, operator attention required.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrStrategyHalted      = errors.New("strategy halted")

	// Misc exchange/store identities shared across components.
	ErrOrderNotFound   = errors.New("order not found")
	ErrDuplicateOrder  = errors.New("duplicate order")
	ErrOrderRejected   = errors.New("order rejected")
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrPublishOverflow = errors.New("publish buffer overflow")
	ErrNotFound        = errors.New("record not found")
	ErrConflict        = errors.New("conflicting state transition")
)
