// Package reconciler closes the gap between the platform's authoritative
// records and the state the exchange reports. Periodic ticks, market-stream
// gaps, and operator commands all funnel into a single run loop, so repairs
// never interleave with each other.
//
// The conflict policy: the exchange is authoritative for order state and
// position size; the system is authoritative for intent (which strategy owns
// a trade) and for capital reservations. Whatever cannot be repaired under
// that policy raises events.system.reconciliation_alert and is left alone.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/pkg/telemetry"
)

const componentName = "reconciler"

const heartbeatEvery = 10 * time.Second

// Deps wires the reconciler. Adapters is keyed by exchange id and must cover
// every exchange the active strategies trade on; exchanges without an entry
// are skipped, never repaired blind.
type Deps struct {
	Bus      core.IBus
	Store    core.IStateStore
	Logger   core.ILogger
	Health   core.IHealthRegistry
	Domain   core.ICapitalDomain
	Applier  core.IFillApplier
	Adapters map[string]core.IExchangeAdapter
	Cfg      config.ReconcileConfig
}

// Reconciler aligns the database with exchange state.
type Reconciler struct {
	bus      core.IBus
	store    core.IStateStore
	logger   core.ILogger
	health   core.IHealthRegistry
	domain   core.ICapitalDomain
	applier  core.IFillApplier
	adapters map[string]core.IExchangeAdapter
	cfg      config.ReconcileConfig

	// kick holds at most one queued run request; a pending run already
	// covers every trigger that arrives before it starts.
	kick chan trigger
	now  func() time.Time

	runs          metric.Int64Counter
	discrepancies metric.Int64Counter
}

// New assembles a reconciler.
func New(deps Deps) *Reconciler {
	logger := deps.Logger.WithField("component", componentName)

	meter := telemetry.GetMeter(componentName)
	runs, _ := meter.Int64Counter(telemetry.MetricReconcileRunsTotal,
		metric.WithDescription("Reconciliation runs by trigger"))
	discrepancies, _ := meter.Int64Counter(telemetry.MetricReconcileDiscrepancies,
		metric.WithDescription("Discrepancies found by class and outcome"))

	return &Reconciler{
		bus:           deps.Bus,
		store:         deps.Store,
		logger:        logger,
		health:        deps.Health,
		domain:        deps.Domain,
		applier:       deps.Applier,
		adapters:      deps.Adapters,
		cfg:           deps.Cfg,
		kick:          make(chan trigger, 1),
		now:           func() time.Time { return time.Now().UTC() },
		runs:          runs,
		discrepancies: discrepancies,
	}
}

// Name identifies the reconciler to the health registry and the supervisor.
func (r *Reconciler) Name() string { return componentName }

// Start registers the bus consumers and launches the run loop. It returns
// once consumers are live; the loop runs until ctx ends.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.health != nil {
		r.health.Register(componentName)
	}

	err := r.bus.Subscribe(ctx, core.Subscription{
		Queue:    "reconciler.commands",
		Exchange: core.ExchangeCommands,
		Bindings: []string{core.KeyReconcile},
		Prefetch: 1,
		Handler:  r.handleReconcileCommand,
	})
	if err != nil {
		return fmt.Errorf("subscribe reconcile commands: %w", err)
	}

	err = r.bus.Subscribe(ctx, core.Subscription{
		Queue:    "reconciler.events",
		Exchange: core.ExchangeEvents,
		Bindings: []string{core.SystemEventKey(core.EventWSReconnected)},
		Prefetch: 10,
		Handler:  r.handleReconnectEvent,
	})
	if err != nil {
		return fmt.Errorf("subscribe reconnect events: %w", err)
	}

	go r.runLoop(ctx)
	go r.heartbeat(ctx)

	r.logger.Info("Reconciler started",
		"interval", r.cfg.Interval().String(),
		"exchanges", len(r.adapters),
		"orphan_auto_cancel", r.cfg.OrphanAutoCancel)
	return nil
}

// TriggerManual requests an out-of-band run, the same path the operator
// command takes. It never blocks; a queued run absorbs the request.
func (r *Reconciler) TriggerManual() {
	r.requestRun(trigger{reason: reasonManual})
}

func (r *Reconciler) requestRun(t trigger) {
	select {
	case r.kick <- t:
	default:
	}
}

func (r *Reconciler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, trigger{reason: reasonPeriodic})
		case t := <-r.kick:
			r.runOnce(ctx, t)
		}
	}
}

func (r *Reconciler) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.health != nil {
				r.health.Beat(componentName)
			}
		}
	}
}

// runOnce executes one full pass: snapshot, order-state repairs, then the
// position comparison against a fresh read so it sees the repairs' effect.
// A consistent system makes the whole pass a no-op.
func (r *Reconciler) runOnce(ctx context.Context, t trigger) {
	start := r.now()
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", t.reason)))

	snap, err := r.takeSnapshot(ctx)
	if err != nil {
		r.logger.Error("Reconciliation snapshot failed", "trigger", t.reason, "error", err)
		if r.health != nil {
			r.health.SetStatus(componentName, err)
		}
		return
	}
	if r.health != nil {
		r.health.SetStatus(componentName, nil)
	}

	var repaired, alerted int
	findings := classifyOrders(snap, r.cfg.OrphanGrace())
	for i := range findings {
		r.tally(ctx, findings[i].class, r.resolve(ctx, t, &findings[i]), &repaired, &alerted)
	}

	rows, err := r.positionSnapshot(ctx, snap)
	if err != nil {
		r.logger.Error("Position snapshot failed", "trigger", t.reason, "error", err)
		return
	}
	posFindings := classifyPositions(rows, snap.venues, r.cfg.SizeTolerance.Decimal)
	for i := range posFindings {
		r.tally(ctx, posFindings[i].class, r.resolve(ctx, t, &posFindings[i]), &repaired, &alerted)
	}

	total := len(findings) + len(posFindings)
	if total == 0 {
		r.logger.Debug("Reconciliation run clean",
			"trigger", t.reason, "trades", len(snap.trades), "duration_ms", time.Since(start).Milliseconds())
		return
	}
	r.logger.Info("Reconciliation run complete",
		"trigger", t.reason,
		"discrepancies", total,
		"repaired", repaired,
		"alerted", alerted,
		"duration_ms", time.Since(start).Milliseconds())
}

func (r *Reconciler) tally(ctx context.Context, c class, o outcome, repaired, alerted *int) {
	r.discrepancies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", string(c)),
		attribute.String("outcome", string(o))))
	switch o {
	case outcomeRepaired:
		*repaired++
	case outcomeAlerted:
		*alerted++
	}
}
