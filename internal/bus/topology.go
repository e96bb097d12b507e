package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"tradecore/internal/core"
)

// Message header keys used by the retry and dead-letter paths.
const (
	headerRetryCount  = "x-retry-count"
	headerOriginalKey = "x-original-routing-key"
	headerDeathReason = "x-first-death-reason"
	headerDeathCount  = "x-death-count"
)

// exchangeSpec declares one broker exchange.
type exchangeSpec struct {
	Name string
	Kind string
}

// Topology is the full exchange layout. The dead-letter exchange is direct
// and keyed by queue name so every queue gets its own <queue>.dlq.
func Topology() []exchangeSpec {
	return []exchangeSpec{
		{Name: core.ExchangeEvents, Kind: "topic"},
		{Name: core.ExchangeCommands, Kind: "topic"},
		{Name: core.ExchangeRequests, Kind: "topic"},
		{Name: core.ExchangeResponses, Kind: "topic"},
		{Name: core.ExchangeMarketData, Kind: "topic"},
		{Name: core.ExchangeDLX, Kind: "direct"},
	}
}

func declareExchanges(ch *amqp.Channel) error {
	for _, ex := range Topology() {
		err := ch.ExchangeDeclare(
			ex.Name,
			ex.Kind,
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}
	return nil
}

// queueArgs returns the declare arguments for a durable work queue. Broker-side
// dead-lettering rewrites the routing key to the queue name, which keeps the
// nack path and the explicit publish path landing in the same DLQ.
func queueArgs(queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    core.ExchangeDLX,
		"x-dead-letter-routing-key": queue,
	}
}

func dlqName(queue string) string {
	return queue + ".dlq"
}

// declareQueue sets up the subscription's durable queue, its bindings, and
// the matching dead-letter queue.
func declareQueue(ch *amqp.Channel, sub core.Subscription) error {
	_, err := ch.QueueDeclare(
		sub.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		queueArgs(sub.Queue),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", sub.Queue, err)
	}

	for _, binding := range sub.Bindings {
		if err := ch.QueueBind(sub.Queue, binding, sub.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s with %s: %w", sub.Queue, sub.Exchange, binding, err)
		}
	}

	dlq := dlqName(sub.Queue)
	_, err = ch.QueueDeclare(dlq, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, sub.Queue, core.ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ %s: %w", dlq, err)
	}

	return nil
}

// retryCount reads the redelivery attempt counter from message headers.
func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[headerRetryCount].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}
	return 0
}

// originalRoutingKey recovers the key the message was first published with.
// Retries republish straight to the queue through the default exchange, which
// would otherwise overwrite it.
func originalRoutingKey(headers amqp.Table, fallback string) string {
	if headers != nil {
		if s, ok := headers[headerOriginalKey].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
