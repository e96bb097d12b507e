package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "tradecore/pkg/errors"
)

// MaxEnvelopeSize is the hard cap on an encoded envelope. Larger payloads
// must pass references instead.
const MaxEnvelopeSize = 128 * 1024

// envelopeTimeFormat is RFC 3339 with fixed millisecond precision.
const envelopeTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Component source tags stamped into the envelope.
const (
	SourceStrategyWorker    = "strategy_worker"
	SourceCapitalManager    = "capital_manager"
	SourceExchangeConnector = "exchange_connector"
	SourceReconciler        = "reconciler"
	SourceCoreEngine        = "core_engine"
	SourceAlertNotifier     = "alert_notifier"
)

// Envelope is the metadata wrapper around every bus message. CorrelationID
// links a request to its response and any follow-on commands and events;
// Deadline, when set, is the absolute point after which consumers abandon
// the work.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload with a fresh message id and a UTC millisecond
// timestamp. The payload must be JSON-marshalable.
func NewEnvelope(source, correlationID string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Source:        source,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// DecodePayload unmarshals the payload into out, reporting schema violations
// as typed errors.
func (e Envelope) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSchemaViolation, err)
	}
	return nil
}

// Expired reports whether the envelope's deadline has passed.
func (e Envelope) Expired(now time.Time) bool {
	return e.Deadline != nil && now.After(*e.Deadline)
}

type wireEnvelope struct {
	MessageID     string          `json:"message_id"`
	Timestamp     string          `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Deadline      string          `json:"deadline,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EncodeEnvelope serializes e as UTF-8 JSON with RFC 3339 millisecond
// timestamps, enforcing the size cap.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	w := wireEnvelope{
		MessageID:     e.MessageID,
		Timestamp:     e.Timestamp.UTC().Format(envelopeTimeFormat),
		Source:        e.Source,
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	}
	if e.Deadline != nil {
		w.Deadline = e.Deadline.UTC().Format(envelopeTimeFormat)
	}
	buf, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(buf) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope is %d bytes, limit %d", apperrors.ErrSchemaViolation, len(buf), MaxEnvelopeSize)
	}
	return buf, nil
}

// DecodeEnvelope parses buf, validating the required metadata fields.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	if len(buf) > MaxEnvelopeSize {
		return Envelope{}, fmt.Errorf("%w: message is %d bytes, limit %d", apperrors.ErrMalformedEnvelope, len(buf), MaxEnvelopeSize)
	}
	var w wireEnvelope
	if err := json.Unmarshal(buf, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedEnvelope, err)
	}
	if w.MessageID == "" || w.Timestamp == "" || w.Source == "" {
		return Envelope{}, fmt.Errorf("%w: missing message_id, timestamp or source", apperrors.ErrMalformedEnvelope)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad timestamp %q", apperrors.ErrMalformedEnvelope, w.Timestamp)
	}
	e := Envelope{
		MessageID:     w.MessageID,
		Timestamp:     ts.UTC(),
		Source:        w.Source,
		CorrelationID: w.CorrelationID,
		Payload:       w.Payload,
	}
	if w.Deadline != "" {
		d, err := time.Parse(time.RFC3339Nano, w.Deadline)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: bad deadline %q", apperrors.ErrMalformedEnvelope, w.Deadline)
		}
		d = d.UTC()
		e.Deadline = &d
	}
	return e, nil
}
