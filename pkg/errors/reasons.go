package apperrors

import "errors"

// Reason is the wire-visible failure code carried in typed result payloads.
// It never crosses the bus as a serialized Go error.
type Reason string

const (
	ReasonBusUnavailable  Reason = "bus_unavailable"
	ReasonExchangeTimeout Reason = "exchange_timeout"
	ReasonRateLimited     Reason = "rate_limited"

	ReasonInsufficientCapital Reason = "insufficient_capital"
	ReasonRiskLimitExceeded   Reason = "risk_limit_exceeded"
	ReasonStaleProposal       Reason = "stale_proposal"
	ReasonDeadlineExceeded    Reason = "deadline_exceeded"
	ReasonDuplicateProposal   Reason = "duplicate_proposal"
	ReasonInternalError       Reason = "internal_error"

	ReasonMalformedEnvelope Reason = "malformed_envelope"
	ReasonUnknownRoutingKey Reason = "unknown_routing_key"
	ReasonSchemaViolation   Reason = "schema_violation"

	ReasonExchangeUnavailable Reason = "exchange_unavailable"
	ReasonStrategyHalted      Reason = "strategy_halted"
	ReasonReconciliationAlert Reason = "reconciliation_alert"
)

// Kind buckets an error for the consumer dispatcher: transient errors are
// retried with backoff, fatal ones go straight to the DLQ, domain denials are
// answered, system errors are published and escalated.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindDomainDenial
	KindFatalMessage
	KindSystem
)

var reasonByErr = []struct {
	err    error
	reason Reason
	kind   Kind
}{
	{ErrBusUnavailable, ReasonBusUnavailable, KindTransient},
	{ErrPublishOverflow, ReasonBusUnavailable, KindTransient},
	{ErrExchangeTimeout, ReasonExchangeTimeout, KindTransient},
	{ErrRequestTimeout, ReasonExchangeTimeout, KindTransient},
	{ErrRateLimited, ReasonRateLimited, KindTransient},

	{ErrInsufficientCapital, ReasonInsufficientCapital, KindDomainDenial},
	{ErrRiskLimitExceeded, ReasonRiskLimitExceeded, KindDomainDenial},
	{ErrStaleProposal, ReasonStaleProposal, KindDomainDenial},
	{ErrDeadlineExceeded, ReasonDeadlineExceeded, KindDomainDenial},
	{ErrDuplicateProposal, ReasonDuplicateProposal, KindDomainDenial},

	{ErrMalformedEnvelope, ReasonMalformedEnvelope, KindFatalMessage},
	{ErrUnknownRoutingKey, ReasonUnknownRoutingKey, KindFatalMessage},
	{ErrSchemaViolation, ReasonSchemaViolation, KindFatalMessage},

	{ErrExchangeUnavailable, ReasonExchangeUnavailable, KindSystem},
	{ErrStrategyHalted, ReasonStrategyHalted, KindSystem},
}

// KindOf classifies err against the sentinel table. Unrecognized errors are
// KindUnknown and treated as transient by the consumer.
func KindOf(err error) Kind {
	for _, e := range reasonByErr {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// ReasonOf maps err to its wire reason, or internal_error when unrecognized.
func ReasonOf(err error) Reason {
	for _, e := range reasonByErr {
		if errors.Is(err, e.err) {
			return e.reason
		}
	}
	return ReasonInternalError
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindUnknown
}

// IsFatalMessage reports whether err should route the message to the DLQ
// without retrying.
func IsFatalMessage(err error) bool {
	return KindOf(err) == KindFatalMessage
}
