// Package bus implements the AMQP message fabric: topic exchanges with
// durable queues, publisher confirms with outage buffering, a consumer
// dispatcher with a redelivery ladder and per-queue dead-lettering, and
// request/response over a per-process reply queue.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
	"tradecore/pkg/retry"
	"tradecore/pkg/telemetry"
)

const maxReconnectWait = 30 * time.Second

var _ core.IBus = (*Bus)(nil)

// activeSub keeps a subscription with the context that bounds its dispatcher,
// so a reconnect can resubscribe everything that is still live.
type activeSub struct {
	sub core.Subscription
	ctx context.Context
}

// Bus is the broker-backed core.IBus. One Bus carries one connection; every
// subscription gets its own channel so prefetch windows stay independent.
type Bus struct {
	cfg    config.BusConfig
	source string
	logger core.ILogger

	mu        sync.RWMutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	replyCh   *amqp.Channel
	replyQ    string
	connected bool
	subs      []activeSub

	pendingMu sync.Mutex
	pending   map[string]chan core.Envelope

	buffer  *publishBuffer
	closing chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	published metric.Int64Counter
	consumed  metric.Int64Counter
	retries   metric.Int64Counter
	dlq       metric.Int64Counter
	holder    *telemetry.MetricsHolder
}

// NewBus builds a disconnected Bus. Source tags error events this bus emits
// on behalf of its process.
func NewBus(cfg config.BusConfig, source string, logger core.ILogger) *Bus {
	meter := telemetry.GetMeter("bus")
	published, _ := meter.Int64Counter(telemetry.MetricBusPublishedTotal,
		metric.WithDescription("Messages published by exchange"))
	consumed, _ := meter.Int64Counter(telemetry.MetricBusConsumedTotal,
		metric.WithDescription("Messages consumed by queue"))
	retries, _ := meter.Int64Counter(telemetry.MetricBusRetriesTotal,
		metric.WithDescription("Handler retries by queue"))
	dlq, _ := meter.Int64Counter(telemetry.MetricBusDLQTotal,
		metric.WithDescription("Messages routed to the dead-letter exchange"))

	return &Bus{
		cfg:       cfg,
		source:    source,
		logger:    logger.WithField("component", "bus"),
		pending:   make(map[string]chan core.Envelope),
		buffer:    newPublishBuffer(cfg.PublishBuffer),
		closing:   make(chan struct{}),
		published: published,
		consumed:  consumed,
		retries:   retries,
		dlq:       dlq,
		holder:    telemetry.GetGlobalMetrics(),
	}
}

// Connect dials the broker, declares the exchange topology, and starts the
// connection monitor.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.connect(); err != nil {
		return err
	}
	b.wg.Add(1)
	go b.monitor(ctx)
	return nil
}

func (b *Bus) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: dial broker: %v", apperrors.ErrBusUnavailable, err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: open publish channel: %v", apperrors.ErrBusUnavailable, err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("%w: enable publisher confirms: %v", apperrors.ErrBusUnavailable, err)
	}
	if err := declareExchanges(pubCh); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", apperrors.ErrBusUnavailable, err)
	}

	b.mu.Lock()
	hadReply := b.replyQ != ""
	b.conn = conn
	b.pubCh = pubCh
	b.replyCh = nil
	b.replyQ = ""
	subs := make([]activeSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	// Restore consumers and the reply queue before accepting publishes so a
	// flushed backlog cannot race ahead of its consumers.
	for _, as := range subs {
		if as.ctx.Err() != nil {
			continue
		}
		if err := b.startConsumer(as.ctx, as.sub); err != nil {
			conn.Close()
			return fmt.Errorf("%w: resubscribe %s: %v", apperrors.ErrBusUnavailable, as.sub.Queue, err)
		}
	}
	if hadReply {
		if err := b.setupReplyQueue(); err != nil {
			conn.Close()
			return err
		}
	}

	b.flushBuffer()

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	// Second pass for anything buffered while the first flush ran.
	b.flushBuffer()
	return nil
}

// monitor watches for connection loss and drives reconnection with
// exponential backoff capped at maxReconnectWait.
func (b *Bus) monitor(ctx context.Context) {
	defer b.wg.Done()
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.closing:
			return
		case <-ctx.Done():
			return
		case amqpErr := <-closed:
			select {
			case <-b.closing:
				return
			default:
			}
			b.setConnected(false)
			b.logger.Error("broker connection lost", "error", amqpErr)
			if !b.reconnect(ctx) {
				return
			}
		}
	}
}

func (b *Bus) reconnect(ctx context.Context) bool {
	policy := retry.Policy{InitialBackoff: time.Second, MaxBackoff: maxReconnectWait}
	for attempt := 0; ; attempt++ {
		wait := policy.Backoff(attempt)
		select {
		case <-b.closing:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		if err := b.connect(); err != nil {
			b.logger.Warn("broker reconnect failed", "error", err, "retry_in", wait.String())
			continue
		}
		b.logger.Info("broker reconnected", "buffered_flushed", true)
		return true
	}
}

func (b *Bus) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// Publish implements core.IBus. Commands and requests wait for a broker
// confirm; events and market data are fire-and-forget. While disconnected,
// messages are buffered FIFO up to the configured limit.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, env core.Envelope) error {
	body, err := core.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	b.mu.RLock()
	ch := b.pubCh
	connected := b.connected
	b.mu.RUnlock()

	if !connected {
		return b.bufferPublish(exchange, routingKey, body)
	}

	// Drain any stragglers buffered during the reconnect window first so
	// per-topic FIFO order survives the outage.
	if b.buffer.depth() > 0 {
		b.flushBuffer()
	}

	if err := b.send(ctx, ch, exchange, routingKey, body); err != nil {
		b.logger.Warn("publish failed, buffering", "exchange", exchange, "routing_key", routingKey, "error", err)
		return b.bufferPublish(exchange, routingKey, body)
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
	return nil
}

func (b *Bus) send(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, body []byte) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if exchange == core.ExchangeCommands || exchange == core.ExchangeRequests {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, pub)
		if err != nil {
			return err
		}
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return fmt.Errorf("%w: broker nacked publish to %s/%s", apperrors.ErrBusUnavailable, exchange, routingKey)
		}
		return nil
	}

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub)
}

func (b *Bus) bufferPublish(exchange, routingKey string, body []byte) error {
	err := b.buffer.push(bufferedPublish{Exchange: exchange, RoutingKey: routingKey, Body: body})
	b.reportBufferDepth()
	return err
}

func (b *Bus) reportBufferDepth() {
	for ex, n := range b.buffer.depthByExchange() {
		b.holder.SetBufferDepth(ex, int64(n))
	}
}

// flushBuffer replays the outage backlog in original order. Anything that
// still cannot be sent goes back to the front of the buffer.
func (b *Bus) flushBuffer() {
	items := b.buffer.drain()
	if len(items) == 0 {
		b.reportBufferDepth()
		return
	}

	b.mu.RLock()
	ch := b.pubCh
	b.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i, item := range items {
		if err := b.send(ctx, ch, item.Exchange, item.RoutingKey, item.Body); err != nil {
			b.logger.Warn("flush interrupted, requeueing remainder",
				"flushed", i, "remaining", len(items)-i, "error", err)
			b.buffer.requeue(items[i:])
			b.reportBufferDepth()
			return
		}
		b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", item.Exchange)))
	}
	b.logger.Info("flushed buffered publishes", "count", len(items))
	b.reportBufferDepth()
}

// Request implements core.IBus. The reply queue is bound to the responses
// exchange under responseKey for the lifetime of the call; the reply is
// matched by correlation id.
func (b *Bus) Request(ctx context.Context, requestKey, responseKey string, env core.Envelope, timeout time.Duration) (core.Envelope, error) {
	if env.CorrelationID == "" {
		return core.Envelope{}, fmt.Errorf("%w: request without correlation_id", apperrors.ErrSchemaViolation)
	}

	if err := b.ensureReplyQueue(); err != nil {
		return core.Envelope{}, err
	}

	b.mu.RLock()
	replyCh := b.replyCh
	replyQ := b.replyQ
	b.mu.RUnlock()
	if replyCh == nil {
		return core.Envelope{}, fmt.Errorf("%w: reply channel not ready", apperrors.ErrBusUnavailable)
	}

	if err := replyCh.QueueBind(replyQ, responseKey, core.ExchangeResponses, false, nil); err != nil {
		return core.Envelope{}, fmt.Errorf("%w: bind reply queue: %v", apperrors.ErrBusUnavailable, err)
	}
	defer replyCh.QueueUnbind(replyQ, responseKey, core.ExchangeResponses, nil)

	waiter := make(chan core.Envelope, 1)
	b.pendingMu.Lock()
	b.pending[env.CorrelationID] = waiter
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, env.CorrelationID)
		b.pendingMu.Unlock()
	}()

	if env.Deadline == nil {
		d := time.Now().UTC().Add(timeout)
		env.Deadline = &d
	}

	if err := b.Publish(ctx, core.ExchangeRequests, requestKey, env); err != nil {
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

// ensureReplyQueue lazily creates the process-scoped reply queue and its
// consumer. The queue is server-named, exclusive, and dies with the
// connection; reconnects rebuild it.
func (b *Bus) ensureReplyQueue() error {
	b.mu.RLock()
	ready := b.replyQ != ""
	b.mu.RUnlock()
	if ready {
		return nil
	}
	return b.setupReplyQueue()
}

func (b *Bus) setupReplyQueue() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replyQ != "" {
		return nil
	}
	if b.conn == nil {
		return fmt.Errorf("%w: not connected", apperrors.ErrBusUnavailable)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open reply channel: %v", apperrors.ErrBusUnavailable, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: declare reply queue: %v", apperrors.ErrBusUnavailable, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: consume reply queue: %v", apperrors.ErrBusUnavailable, err)
	}

	b.replyCh = ch
	b.replyQ = q.Name

	b.wg.Add(1)
	go b.replyLoop(deliveries)
	return nil
}

func (b *Bus) replyLoop(deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	for d := range deliveries {
		env, err := core.DecodeEnvelope(d.Body)
		if err != nil {
			b.logger.Warn("dropping malformed reply", "error", err)
			continue
		}
		b.pendingMu.Lock()
		waiter, ok := b.pending[env.CorrelationID]
		b.pendingMu.Unlock()
		if !ok {
			b.logger.Debug("reply with no waiter", "correlation_id", env.CorrelationID)
			continue
		}
		select {
		case waiter <- env:
		default:
		}
	}
}

// Subscribe implements core.IBus. The subscription is remembered so a broker
// reconnect restores it; the dispatcher stops when ctx is canceled. A failed
// Subscribe remembers nothing, so the caller's retry cannot leave a second
// consumer behind.
func (b *Bus) Subscribe(ctx context.Context, sub core.Subscription) error {
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: subscribe before connect", apperrors.ErrBusUnavailable)
	}
	b.subs = append(b.subs, activeSub{sub: sub, ctx: ctx})
	b.mu.Unlock()

	if err := b.startConsumer(ctx, sub); err != nil {
		b.forgetSub(sub.Queue)
		return err
	}
	return nil
}

// forgetSub drops the most recently remembered subscription for queue.
func (b *Bus) forgetSub(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.subs) - 1; i >= 0; i-- {
		if b.subs[i].sub.Queue == queue {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) startConsumer(ctx context.Context, sub core.Subscription) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := declareQueue(ch, sub); err != nil {
		ch.Close()
		return err
	}

	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = b.cfg.PrefetchCommands
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch on %s: %w", sub.Queue, err)
	}

	deliveries, err := ch.Consume(sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", sub.Queue, err)
	}

	b.wg.Add(1)
	go b.dispatch(ctx, ch, sub, deliveries)
	return nil
}

// dispatch is the single goroutine serializing one subscription's handler
// invocations.
func (b *Bus) dispatch(ctx context.Context, ch *amqp.Channel, sub core.Subscription, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	log := b.logger.WithField("queue", sub.Queue)
	for {
		select {
		case <-ctx.Done():
			ch.Close()
			return
		case d, ok := <-deliveries:
			if !ok {
				// Channel died with the connection; reconnect resubscribes.
				return
			}
			b.handleDelivery(ctx, ch, sub, d, log)
		}
	}
}

// verdict is the dispatcher's decision for one failed delivery.
type verdict int

const (
	verdictAck verdict = iota
	verdictRetry
	verdictDeadLetter
)

// decide maps a handler error to an ack, a laddered retry, or the DLQ.
// Domain denials are acked because the handler has already answered the
// caller with a typed denial.
func decide(err error, attempt, maxRetries int) verdict {
	if err == nil {
		return verdictAck
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindFatalMessage:
		return verdictDeadLetter
	case apperrors.KindDomainDenial:
		return verdictAck
	default:
		if attempt >= maxRetries {
			return verdictDeadLetter
		}
		return verdictRetry
	}
}

func (b *Bus) handleDelivery(ctx context.Context, ch *amqp.Channel, sub core.Subscription, d amqp.Delivery, log core.ILogger) {
	var env core.Envelope
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked, dead-lettering", "routing_key", d.RoutingKey, "panic", r)
			b.deadLetter(ctx, ch, sub.Queue, d, apperrors.ReasonInternalError)
			b.publishErrorEvent(ctx, d.RoutingKey, env, apperrors.ReasonInternalError, fmt.Sprintf("panic: %v", r))
			d.Ack(false)
		}
	}()

	b.consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", sub.Queue)))

	env, err := core.DecodeEnvelope(d.Body)
	if err != nil {
		log.Warn("malformed envelope, dead-lettering", "routing_key", d.RoutingKey, "error", err)
		b.deadLetter(ctx, ch, sub.Queue, d, apperrors.ReasonMalformedEnvelope)
		b.publishErrorEvent(ctx, d.RoutingKey, core.Envelope{}, apperrors.ReasonMalformedEnvelope, err.Error())
		d.Ack(false)
		return
	}

	attempt := retryCount(d.Headers)
	delivery := core.Delivery{
		Envelope:    env,
		RoutingKey:  originalRoutingKey(d.Headers, d.RoutingKey),
		Redelivered: d.Redelivered,
		Attempt:     attempt,
	}

	err = sub.Handler(ctx, delivery)

	switch decide(err, attempt, b.cfg.MaxRetries) {
	case verdictAck:
		if err != nil {
			log.Debug("handler denied message", "routing_key", delivery.RoutingKey, "error", err)
		}
		d.Ack(false)

	case verdictRetry:
		log.Warn("handler failed, retrying",
			"routing_key", delivery.RoutingKey, "attempt", attempt+1, "error", err)
		b.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", sub.Queue)))
		b.scheduleRetry(ctx, ch, sub, d, attempt)

	case verdictDeadLetter:
		reason := apperrors.ReasonOf(err)
		log.Error("handler failed terminally, dead-lettering",
			"routing_key", delivery.RoutingKey, "attempt", attempt, "reason", string(reason), "error", err)
		b.deadLetter(ctx, ch, sub.Queue, d, reason)
		b.publishErrorEvent(ctx, delivery.RoutingKey, env, reason, err.Error())
		d.Ack(false)
	}
}

// scheduleRetry waits out the backoff ladder step for this attempt, then
// republishes straight to the queue with the attempt counter bumped. The
// blocking wait is intentional: command queues run small prefetch windows and
// must not reorder ahead of their own retries.
func (b *Bus) scheduleRetry(ctx context.Context, ch *amqp.Channel, sub core.Subscription, d amqp.Delivery, attempt int) {
	if ladder := b.cfg.RetryBackoff(); len(ladder) > 0 {
		select {
		case <-ctx.Done():
			d.Nack(false, true)
			return
		case <-time.After(retry.LadderPolicy(ladder).Backoff(attempt)):
		}
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = int64(attempt + 1)
	if _, ok := headers[headerOriginalKey]; !ok {
		headers[headerOriginalKey] = d.RoutingKey
	}

	// Default exchange, routed by queue name: the retry must come back to
	// this queue only, not fan out to every binding of a topic key.
	err := ch.PublishWithContext(ctx, "", sub.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		// Let the broker redeliver the original instead of losing it.
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// deadLetter publishes the message to the DLX keyed by queue name, carrying
// the failure reason and original routing key in headers. Falls back to a
// broker-side nack when the publish itself fails.
func (b *Bus) deadLetter(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, reason apperrors.Reason) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerDeathReason] = string(reason)
	headers[headerDeathCount] = int64(retryCount(d.Headers) + 1)
	if _, ok := headers[headerOriginalKey]; !ok {
		headers[headerOriginalKey] = d.RoutingKey
	}

	err := ch.PublishWithContext(ctx, core.ExchangeDLX, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		b.logger.Error("dead-letter publish failed, nacking to broker DLX", "queue", queue, "error", err)
		d.Nack(false, false)
		return
	}
	b.dlq.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", string(reason)),
	))
}

func (b *Bus) publishErrorEvent(ctx context.Context, routingKey string, failed core.Envelope, reason apperrors.Reason, msg string) {
	evt := core.ErrorEvent{
		Component:  b.source,
		Reason:     string(reason),
		Message:    msg,
		RoutingKey: routingKey,
		MessageID:  failed.MessageID,
	}
	env, err := core.NewEnvelope(b.source, failed.CorrelationID, evt)
	if err != nil {
		return
	}
	if err := b.Publish(ctx, core.ExchangeEvents, core.KeyError, env); err != nil {
		b.logger.Warn("error event publish failed", "error", err)
	}
}

// Close tears down the connection and waits for all dispatchers to stop.
func (b *Bus) Close() error {
	b.stopped.Do(func() {
		close(b.closing)
	})

	b.mu.Lock()
	conn := b.conn
	b.connected = false
	b.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}
