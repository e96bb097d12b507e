package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"commands.execute_trade", "commands.execute_trade", true},
		{"commands.execute_trade", "commands.cancel_order", false},
		{"market_data.*.btcusdt", "market_data.paper.btcusdt", true},
		{"market_data.*.btcusdt", "market_data.paper.ethusdt", false},
		{"market_data.*.btcusdt", "market_data.paper.spot.btcusdt", false},
		{"events.system.#", "events.system.strategy_halted", true},
		{"events.system.#", "events.system", true},
		{"events.system.#", "events.error", false},
		{"#", "anything.at.all", true},
		{"request.capital.allocation.*", "request.capital.allocation.strat-1", true},
		{"request.capital.allocation.*", "request.capital.allocation.strat-1.extra", false},
		{"response.#.allocation", "response.capital.allocation", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, topicMatch(tt.pattern, tt.key))
		})
	}
}

func TestPublishBufferKeepsOrderAndRejectsOverflow(t *testing.T) {
	buf := newPublishBuffer(3)

	for i := 0; i < 3; i++ {
		err := buf.push(bufferedPublish{
			Exchange:   core.ExchangeCommands,
			RoutingKey: fmt.Sprintf("commands.execute_trade.%d", i),
		})
		require.NoError(t, err)
	}

	err := buf.push(bufferedPublish{Exchange: core.ExchangeEvents})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPublishOverflow)
	assert.Equal(t, 3, buf.depth())

	items := buf.drain()
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, fmt.Sprintf("commands.execute_trade.%d", i), item.RoutingKey)
	}
	assert.Equal(t, 0, buf.depth())
	assert.Equal(t, 0, buf.depthByExchange()[core.ExchangeCommands])
}

func TestPublishBufferRequeuePutsItemsFirst(t *testing.T) {
	buf := newPublishBuffer(10)

	require.NoError(t, buf.push(bufferedPublish{RoutingKey: "later"}))
	buf.requeue([]bufferedPublish{{RoutingKey: "first"}, {RoutingKey: "second"}})

	items := buf.drain()
	require.Len(t, items, 3)
	assert.Equal(t, "first", items[0].RoutingKey)
	assert.Equal(t, "second", items[1].RoutingKey)
	assert.Equal(t, "later", items[2].RoutingKey)
}

func TestQueueArgsRouteToQueueDLQ(t *testing.T) {
	args := queueArgs("capital.requests")

	assert.Equal(t, core.ExchangeDLX, args["x-dead-letter-exchange"])
	assert.Equal(t, "capital.requests", args["x-dead-letter-routing-key"])
	assert.Equal(t, "capital.requests.dlq", dlqName("capital.requests"))
}

func TestDecide(t *testing.T) {
	maxRetries := 3
	tests := []struct {
		name    string
		err     error
		attempt int
		want    verdict
	}{
		{"success acks", nil, 0, verdictAck},
		{"schema violation goes to dlq", apperrors.ErrSchemaViolation, 0, verdictDeadLetter},
		{"malformed envelope goes to dlq", apperrors.ErrMalformedEnvelope, 0, verdictDeadLetter},
		{"domain denial acks", apperrors.ErrInsufficientCapital, 0, verdictAck},
		{"duplicate proposal acks", apperrors.ErrDuplicateProposal, 2, verdictAck},
		{"transient retries", apperrors.ErrExchangeTimeout, 0, verdictRetry},
		{"transient within budget retries", apperrors.ErrRateLimited, 2, verdictRetry},
		{"transient past budget goes to dlq", apperrors.ErrExchangeTimeout, 3, verdictDeadLetter},
		{"unknown errors retry", errors.New("boom"), 0, verdictRetry},
		{"unknown past budget goes to dlq", errors.New("boom"), 3, verdictDeadLetter},
		{"wrapped sentinel is classified", fmt.Errorf("place: %w", apperrors.ErrRiskLimitExceeded), 0, verdictAck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(tt.err, tt.attempt, maxRetries))
		})
	}
}

func TestRetryCountHeader(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(map[string]interface{}{headerRetryCount: int64(2)}))
	assert.Equal(t, 1, retryCount(map[string]interface{}{headerRetryCount: int32(1)}))
	assert.Equal(t, 0, retryCount(map[string]interface{}{headerRetryCount: "garbage"}))

	assert.Equal(t, "commands.execute_trade",
		originalRoutingKey(map[string]interface{}{headerOriginalKey: "commands.execute_trade"}, "fallback"))
	assert.Equal(t, "fallback", originalRoutingKey(nil, "fallback"))
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})               {}
func (nopLogger) Info(msg string, f ...interface{})                {}
func (nopLogger) Warn(msg string, f ...interface{})                {}
func (nopLogger) Error(msg string, f ...interface{})               {}
func (nopLogger) Fatal(msg string, f ...interface{})               {}
func (l nopLogger) WithField(k string, v interface{}) core.ILogger { return l }
func (l nopLogger) WithFields(f map[string]interface{}) core.ILogger {
	return l
}

// A subscription that fails is forgotten, so retrying after Connect cannot
// leave the queue consumed twice across a reconnect.
func TestSubscribeBeforeConnectRemembersNothing(t *testing.T) {
	b := NewBus(config.DefaultConfig().Bus, "test", nopLogger{})

	sub := core.Subscription{
		Queue:    "capital.requests",
		Exchange: core.ExchangeRequests,
		Bindings: []string{"request.capital.allocation.*"},
		Handler:  func(ctx context.Context, d core.Delivery) error { return nil },
	}
	err := b.Subscribe(context.Background(), sub)
	require.ErrorIs(t, err, apperrors.ErrBusUnavailable)

	b.mu.RLock()
	remembered := len(b.subs)
	b.mu.RUnlock()
	assert.Zero(t, remembered, "a failed subscribe must not ride the reconnect replay")
}

func TestForgetSubDropsNewestForQueue(t *testing.T) {
	b := NewBus(config.DefaultConfig().Bus, "test", nopLogger{})
	ctx := context.Background()
	b.subs = []activeSub{
		{sub: core.Subscription{Queue: "capital.requests"}, ctx: ctx},
		{sub: core.Subscription{Queue: "connector.commands"}, ctx: ctx},
		{sub: core.Subscription{Queue: "capital.requests"}, ctx: ctx},
	}

	b.forgetSub("capital.requests")

	require.Len(t, b.subs, 2)
	assert.Equal(t, "capital.requests", b.subs[0].sub.Queue)
	assert.Equal(t, "connector.commands", b.subs[1].sub.Queue)
}

func TestMemBusDeliversOnlyMatchingBindings(t *testing.T) {
	mb := NewMemBus()
	ctx := context.Background()

	var got []core.Delivery
	err := mb.Subscribe(ctx, core.Subscription{
		Queue:    "worker.market_data",
		Exchange: core.ExchangeMarketData,
		Bindings: []string{"market_data.paper.btcusdt"},
		Handler: func(ctx context.Context, d core.Delivery) error {
			got = append(got, d)
			return nil
		},
	})
	require.NoError(t, err)

	bar := core.Bar{
		Symbol:    "BTC/USDT",
		Timestamp: time.Now().UTC(),
		Open:      decimal.RequireFromString("50000"),
		High:      decimal.RequireFromString("50100"),
		Low:       decimal.RequireFromString("49900"),
		Close:     decimal.RequireFromString("50050"),
		Volume:    decimal.RequireFromString("12.5"),
		Exchange:  "paper",
	}

	env, err := core.NewEnvelope(core.SourceExchangeConnector, "", bar)
	require.NoError(t, err)
	require.NoError(t, mb.Publish(ctx, core.ExchangeMarketData, core.MarketDataKey("paper", "BTC/USDT"), env))
	require.NoError(t, mb.Publish(ctx, core.ExchangeMarketData, core.MarketDataKey("paper", "ETH/USDT"), env))

	require.Len(t, got, 1)
	assert.Equal(t, "market_data.paper.btcusdt", got[0].RoutingKey)

	var decoded core.Bar
	require.NoError(t, got[0].Envelope.DecodePayload(&decoded))
	assert.Equal(t, "BTC/USDT", decoded.Symbol)
	assert.True(t, decoded.Close.Equal(bar.Close), "decimal survives the wire as a string")
}

func TestMemBusRequestResponse(t *testing.T) {
	mb := NewMemBus()
	ctx := context.Background()

	// Inline responder standing in for the capital manager.
	err := mb.Subscribe(ctx, core.Subscription{
		Queue:    "capital.requests",
		Exchange: core.ExchangeRequests,
		Bindings: []string{"request.capital.allocation.*"},
		Handler: func(ctx context.Context, d core.Delivery) error {
			resp := core.AllocationResponse{
				Result:    core.AllocationDenied,
				RiskLevel: core.RiskLow,
				Reasons:   []string{string(apperrors.ReasonInsufficientCapital)},
			}
			env, err := core.NewEnvelope(core.SourceCapitalManager, d.Envelope.CorrelationID, resp)
			if err != nil {
				return err
			}
			return mb.Publish(ctx, core.ExchangeResponses,
				core.AllocationResponseKey(d.Envelope.CorrelationID), env)
		},
	})
	require.NoError(t, err)

	corrID := uuid.NewString()
	req := core.AllocationRequest{
		StrategyID:  "strat-1",
		PortfolioID: "port-1",
		Symbol:      "BTC/USDT",
		Exchange:    "paper",
		Proposal: core.Proposal{
			Side:        core.SideBuy,
			SignalPrice: decimal.RequireFromString("50000"),
			IntentTag:   "entry_long",
		},
		EmittedAt: time.Now().UTC(),
	}
	env, err := core.NewEnvelope(core.SourceStrategyWorker, corrID, req)
	require.NoError(t, err)

	reply, err := mb.Request(ctx,
		core.AllocationRequestKey("strat-1"),
		core.AllocationResponseKey(corrID),
		env, time.Second)
	require.NoError(t, err)
	assert.Equal(t, corrID, reply.CorrelationID)

	var resp core.AllocationResponse
	require.NoError(t, reply.DecodePayload(&resp))
	assert.True(t, resp.Denied(string(apperrors.ReasonInsufficientCapital)))

	// The request envelope got a deadline stamped from the timeout.
	sent := mb.Published(core.ExchangeRequests)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Envelope.Deadline)
	assert.False(t, sent[0].Envelope.Expired(time.Now().UTC()))
}

func TestMemBusRequestTimesOutWithoutResponder(t *testing.T) {
	mb := NewMemBus()

	env, err := core.NewEnvelope(core.SourceStrategyWorker, uuid.NewString(), core.ReconcileCommand{})
	require.NoError(t, err)

	start := time.Now()
	_, err = mb.Request(context.Background(),
		core.AllocationRequestKey("strat-1"),
		core.AllocationResponseKey(env.CorrelationID),
		env, 50*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemBusRequestRequiresCorrelationID(t *testing.T) {
	mb := NewMemBus()

	env, err := core.NewEnvelope(core.SourceStrategyWorker, "", core.ReconcileCommand{})
	require.NoError(t, err)

	_, err = mb.Request(context.Background(), "request.x", "response.x", env, time.Second)
	assert.ErrorIs(t, err, apperrors.ErrSchemaViolation)
}

func TestMemBusRecordsPublishesByPattern(t *testing.T) {
	mb := NewMemBus()
	ctx := context.Background()

	for _, key := range []string{
		core.KeyExecuteTrade,
		core.KeyCancelOrder,
		core.SystemEventKey(core.EventStrategyHalted),
	} {
		exchange := core.ExchangeCommands
		if key == core.SystemEventKey(core.EventStrategyHalted) {
			exchange = core.ExchangeEvents
		}
		env, err := core.NewEnvelope(core.SourceCoreEngine, uuid.NewString(), core.ReconcileCommand{})
		require.NoError(t, err)
		require.NoError(t, mb.Publish(ctx, exchange, key, env))
	}

	assert.Len(t, mb.Published(core.ExchangeCommands), 2)
	assert.Len(t, mb.PublishedTo(core.ExchangeEvents, "events.system.#"), 1)
	assert.Empty(t, mb.PublishedTo(core.ExchangeCommands, "commands.reconcile"))

	mb.Reset()
	assert.Empty(t, mb.Published(core.ExchangeCommands))
}

func TestMemBusRejectsOversizedEnvelope(t *testing.T) {
	mb := NewMemBus()

	big := make([]byte, core.MaxEnvelopeSize+1)
	for i := range big {
		big[i] = 'a'
	}
	env, err := core.NewEnvelope(core.SourceCoreEngine, "", map[string]string{"blob": string(big)})
	require.NoError(t, err)

	err = mb.Publish(context.Background(), core.ExchangeEvents, core.KeyError, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSchemaViolation)
}
