// Package alert forwards operator-critical platform events to notification
// channels. It consumes events.system.# and events.error, classifies each
// into a severity, and pushes the ones worth a page to the configured
// channels. A per-category cooldown keeps a flapping component from flooding
// the operator; everything below the notification threshold stays in the
// logs.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/pkg/telemetry"
)

const (
	componentName  = "alert_notifier"
	heartbeatEvery = 10 * time.Second
	sendTimeout    = 10 * time.Second
)

// Level is the operator-facing severity of a notification.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Notification is one rendered operator message.
type Notification struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers notifications to one destination.
type Channel interface {
	Send(ctx context.Context, note Notification) error
	Name() string
}

// Deps carries the services the notifier runs against.
type Deps struct {
	Bus    core.IBus
	Logger core.ILogger
	Health core.IHealthRegistry
	Cfg    config.AlertsConfig
}

// Notifier consumes platform events off the bus and forwards the
// operator-critical ones to its channels.
type Notifier struct {
	bus      core.IBus
	logger   core.ILogger
	health   core.IHealthRegistry
	cfg      config.AlertsConfig
	channels []Channel

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time

	sent       metric.Int64Counter
	suppressed metric.Int64Counter
}

// New assembles the notifier with the channels the config enables.
func New(deps Deps) *Notifier {
	meter := telemetry.GetMeter(componentName)
	sent, _ := meter.Int64Counter(telemetry.MetricAlertsSentTotal,
		metric.WithDescription("Operator notifications delivered by category and channel"))
	suppressed, _ := meter.Int64Counter(telemetry.MetricAlertsSuppressedTotal,
		metric.WithDescription("Operator notifications suppressed by the cooldown"))

	n := &Notifier{
		bus:        deps.Bus,
		logger:     deps.Logger.WithField("component", componentName),
		health:     deps.Health,
		cfg:        deps.Cfg,
		lastSent:   make(map[string]time.Time),
		now:        time.Now,
		sent:       sent,
		suppressed: suppressed,
	}
	if url := string(deps.Cfg.SlackWebhookURL); url != "" {
		n.AddChannel(NewSlackChannel(url))
	}
	if token := string(deps.Cfg.TelegramBotToken); token != "" && deps.Cfg.TelegramChatID != "" {
		n.AddChannel(NewTelegramChannel(token, deps.Cfg.TelegramChatID))
	}
	return n
}

// Name returns the component name used for health heartbeats.
func (n *Notifier) Name() string { return componentName }

// AddChannel registers a delivery channel. Not safe to call after Start.
func (n *Notifier) AddChannel(ch Channel) {
	n.channels = append(n.channels, ch)
	n.logger.Info("Alert channel registered", "channel", ch.Name())
}

// Start subscribes the notifier to the event streams and begins heartbeats.
func (n *Notifier) Start(ctx context.Context) error {
	if n.health != nil {
		n.health.Register(componentName)
	}

	err := n.bus.Subscribe(ctx, core.Subscription{
		Queue:    "alert.system_events",
		Exchange: core.ExchangeEvents,
		Bindings: []string{"events.system.#"},
		Prefetch: 10,
		Handler:  n.handleSystemEvent,
	})
	if err != nil {
		return fmt.Errorf("alert: subscribe system events: %w", err)
	}
	err = n.bus.Subscribe(ctx, core.Subscription{
		Queue:    "alert.errors",
		Exchange: core.ExchangeEvents,
		Bindings: []string{core.KeyError},
		Prefetch: 10,
		Handler:  n.handleErrorEvent,
	})
	if err != nil {
		return fmt.Errorf("alert: subscribe error events: %w", err)
	}

	go n.heartbeat(ctx)
	n.logger.Info("Alert notifier started",
		"channels", len(n.channels), "cooldown", n.cfg.Cooldown().String())
	return nil
}

func (n *Notifier) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.health != nil {
				n.health.Beat(componentName)
			}
		}
	}
}

// classify maps a system event type onto a severity; the bool reports
// whether operators should hear about it at all. Routine lifecycle events
// (reconnects, tick drops, successful reconciliation repairs) stay in the
// logs and on the metrics.
func classify(eventType string) (Level, bool) {
	switch eventType {
	case core.EventExchangeCircuitOpen:
		return LevelCritical, true
	case core.EventReconciliationAlert:
		return LevelCritical, true
	case core.EventStrategyHalted:
		return LevelCritical, true
	case core.EventExchangeCircuitClosed:
		return LevelInfo, true
	default:
		return LevelInfo, false
	}
}

func title(eventType string) string {
	switch eventType {
	case core.EventExchangeCircuitOpen:
		return "Exchange unavailable"
	case core.EventExchangeCircuitClosed:
		return "Exchange recovered"
	case core.EventReconciliationAlert:
		return "Reconciliation needs an operator"
	case core.EventStrategyHalted:
		return "Strategy halted"
	default:
		return eventType
	}
}

func (n *Notifier) handleSystemEvent(ctx context.Context, d core.Delivery) error {
	var evt core.SystemEvent
	if err := d.Envelope.DecodePayload(&evt); err != nil {
		return err
	}
	level, wanted := classify(evt.Type)
	if !wanted {
		n.logger.Debug("Event below notification threshold", "type", evt.Type)
		return nil
	}
	n.notify(ctx, evt.Type, Notification{
		Level:     level,
		Title:     title(evt.Type),
		Message:   evt.Message,
		Timestamp: d.Envelope.Timestamp,
		Fields:    flatten(evt.Component, evt.Details),
	})
	return nil
}

func (n *Notifier) handleErrorEvent(ctx context.Context, d core.Delivery) error {
	var evt core.ErrorEvent
	if err := d.Envelope.DecodePayload(&evt); err != nil {
		return err
	}
	fields := map[string]string{
		"component": evt.Component,
		"reason":    evt.Reason,
	}
	if evt.RoutingKey != "" {
		fields["routing_key"] = evt.RoutingKey
	}
	// One category per failure reason: a stream of distinct dead-letters
	// still surfaces, a single poison message redelivering does not.
	n.notify(ctx, "error."+evt.Reason, Notification{
		Level:     LevelError,
		Title:     "Message processing failed",
		Message:   evt.Message,
		Timestamp: d.Envelope.Timestamp,
		Fields:    fields,
	})
	return nil
}

// notify pushes one notification to every channel unless the category is
// still cooling down. Channel failures are logged, never returned: alerting
// is at-most-once and must not dead-letter the event it reports on.
func (n *Notifier) notify(ctx context.Context, category string, note Notification) {
	if !n.shouldNotify(category) {
		n.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
		n.logger.Debug("Notification suppressed by cooldown", "category", category)
		return
	}
	n.logger.Info("Dispatching operator notification",
		"category", category, "level", string(note.Level), "title", note.Title)

	for _, ch := range n.channels {
		go func(ch Channel) {
			// Detached context: shutdown must not swallow the page that
			// explains the shutdown.
			sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := ch.Send(sendCtx, note); err != nil {
				n.logger.Error("Notification delivery failed",
					"channel", ch.Name(), "category", category, "error", err)
				return
			}
			n.sent.Add(sendCtx, 1, metric.WithAttributes(
				attribute.String("category", category),
				attribute.String("channel", ch.Name())))
		}(ch)
	}
}

// shouldNotify checks and records the category's cooldown in one step.
func (n *Notifier) shouldNotify(category string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[category]; ok && now.Sub(last) < n.cfg.Cooldown() {
		return false
	}
	n.lastSent[category] = now
	return true
}

// flatten renders event details into the flat string fields channels show.
func flatten(component string, details map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(details)+1)
	if component != "" {
		fields["component"] = component
	}
	for k, v := range details {
		fields[k] = fmt.Sprint(v)
	}
	return fields
}
