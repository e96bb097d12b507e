package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

var _ core.IBus = (*MemBus)(nil)

// PublishedMessage is one message recorded by the in-memory bus.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Envelope   core.Envelope
}

type memSub struct {
	queue    string
	exchange string
	bindings []string
	handler  core.HandlerFunc
}

// MemBus is an in-process core.IBus with broker topic-matching semantics.
// Dispatch is synchronous in the publisher's goroutine, which keeps tests
// deterministic; every published envelope passes through the wire codec so
// codec errors surface exactly as they would against the broker.
type MemBus struct {
	mu        sync.Mutex
	subs      []memSub
	pending   map[string]chan core.Envelope
	published []PublishedMessage
}

func NewMemBus() *MemBus {
	return &MemBus{pending: make(map[string]chan core.Envelope)}
}

// Publish implements core.IBus.
func (m *MemBus) Publish(ctx context.Context, exchange, routingKey string, env core.Envelope) error {
	body, err := core.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	decoded, err := core.DecodeEnvelope(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.published = append(m.published, PublishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Envelope:   decoded,
	})
	var handlers []core.HandlerFunc
	for _, sub := range m.subs {
		if sub.exchange != exchange {
			continue
		}
		for _, binding := range sub.bindings {
			if topicMatch(binding, routingKey) {
				handlers = append(handlers, sub.handler)
				break
			}
		}
	}
	var waiter chan core.Envelope
	if exchange == core.ExchangeResponses {
		waiter = m.pending[decoded.CorrelationID]
	}
	m.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- decoded:
		default:
		}
	}

	d := core.Delivery{Envelope: decoded, RoutingKey: routingKey}
	for _, h := range handlers {
		// Handler outcomes are the subscriber's concern, mirroring the
		// fire-and-forget publisher contract.
		_ = h(ctx, d)
	}
	return nil
}

// Request implements core.IBus. Because dispatch is synchronous, a responder
// that answers inline completes before the wait begins.
func (m *MemBus) Request(ctx context.Context, requestKey, responseKey string, env core.Envelope, timeout time.Duration) (core.Envelope, error) {
	if env.CorrelationID == "" {
		return core.Envelope{}, fmt.Errorf("%w: request without correlation_id", apperrors.ErrSchemaViolation)
	}

	waiter := make(chan core.Envelope, 1)
	m.mu.Lock()
	m.pending[env.CorrelationID] = waiter
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, env.CorrelationID)
		m.mu.Unlock()
	}()

	if env.Deadline == nil {
		d := time.Now().UTC().Add(timeout)
		env.Deadline = &d
	}

	if err := m.Publish(ctx, core.ExchangeRequests, requestKey, env); err != nil {
		return core.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		return core.Envelope{}, fmt.Errorf("%w: no reply on %s within %s", apperrors.ErrRequestTimeout, responseKey, timeout)
	case <-ctx.Done():
		return core.Envelope{}, ctx.Err()
	}
}

// Subscribe implements core.IBus.
func (m *MemBus) Subscribe(ctx context.Context, sub core.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, memSub{
		queue:    sub.Queue,
		exchange: sub.Exchange,
		bindings: sub.Bindings,
		handler:  sub.Handler,
	})
	return nil
}

func (m *MemBus) Close() error { return nil }

// Published returns the recorded messages for one exchange, in publish order.
func (m *MemBus) Published(exchange string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, p := range m.published {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// PublishedTo returns the recorded messages whose routing key matches the
// given topic pattern.
func (m *MemBus) PublishedTo(exchange, pattern string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, p := range m.published {
		if p.Exchange == exchange && topicMatch(pattern, p.RoutingKey) {
			out = append(out, p)
		}
	}
	return out
}

// Reset drops all recorded messages.
func (m *MemBus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// topicMatch applies AMQP topic semantics: words are dot-separated, `*`
// matches exactly one word, `#` matches zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	if pattern[0] == "#" {
		if matchWords(pattern[1:], key) {
			return true
		}
		if len(key) > 0 {
			return matchWords(pattern, key[1:])
		}
		return false
	}
	if len(key) == 0 {
		return false
	}
	if pattern[0] == "*" || pattern[0] == key[0] {
		return matchWords(pattern[1:], key[1:])
	}
	return false
}
