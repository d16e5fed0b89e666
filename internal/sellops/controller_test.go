package sellops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-warchest/internal/chart"
	"solana-warchest/internal/evaluation"
	"solana-warchest/internal/hud"
	"solana-warchest/internal/storage"
	"solana-warchest/internal/strategy"
	"solana-warchest/internal/wallet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeStore struct {
	mu    sync.Mutex
	ticks [][]*storage.PositionSummary
	tick  int
	evals []*storage.EvaluationRow
}

func (f *fakeStore) LoadOpenPositions(context.Context, int64) ([]*storage.PositionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ticks) == 0 {
		return nil, nil
	}
	i := f.tick
	if i >= len(f.ticks) {
		i = len(f.ticks) - 1
	}
	f.tick++
	return f.ticks[i], nil
}

func (f *fakeStore) InsertEvaluation(_ context.Context, e *storage.EvaluationRow) error {
	f.mu.Lock()
	f.evals = append(f.evals, e)
	f.mu.Unlock()
	return nil
}

type fakeEvaluator struct{}

func (fakeEvaluator) Evaluate(_ context.Context, _ string, pos *storage.PositionSummary) (*evaluation.Result, error) {
	snap := &evaluation.Snapshot{
		Mint:      pos.Mint,
		TradeUuid: pos.TradeUuid,
		Strategy:  &evaluation.StrategyView{Name: strategy.NameHybrid, Source: "inferred"},
	}
	return &evaluation.Result{Decision: "hold", Evaluation: snap}, nil
}

type scriptedPrices struct {
	clock *fakeClock
	mu    sync.Mutex
	seq   []float64
	i     int
	mint  string
}

func (s *scriptedPrices) Prices(context.Context, []string) (map[string]chart.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price := s.seq[len(s.seq)-1]
	if s.i < len(s.seq) {
		price = s.seq[s.i]
	}
	s.i++
	return map[string]chart.PricePoint{
		s.mint: {Mint: s.mint, PriceUsd: price, UpdatedAt: s.clock.Now().UnixMilli()},
	}, nil
}

type captureTrader struct {
	mu    sync.Mutex
	sells []sellCall
}

type sellCall struct {
	tradeUuid string
	reason    string
	amount    *float64
	percent   *float64
}

func (c *captureTrader) SubmitSell(_ context.Context, pos *storage.PositionSummary, _, reason string, amount, percent *float64) error {
	c.mu.Lock()
	c.sells = append(c.sells, sellCall{tradeUuid: pos.TradeUuid, reason: reason, amount: amount, percent: percent})
	c.mu.Unlock()
	return nil
}

func (c *captureTrader) calls() []sellCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sellCall, len(c.sells))
	copy(out, c.sells)
	return out
}

type countingAutopsy struct {
	mu   sync.Mutex
	runs map[string]int
}

func (c *countingAutopsy) Run(_ context.Context, tradeUuid string, _ *storage.PositionSummary) error {
	c.mu.Lock()
	if c.runs == nil {
		c.runs = make(map[string]int)
	}
	c.runs[tradeUuid]++
	c.mu.Unlock()
	return nil
}

type nullSink struct{}

func (nullSink) PublishHudEvent(hud.Event) {}

type countingSink struct {
	mu     sync.Mutex
	events []hud.Event
}

func (c *countingSink) PublishHudEvent(ev hud.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func fpt(v float64) *float64 { return &v }

func testSpec() *wallet.Spec {
	return &wallet.Spec{Alias: "main", Pubkey: "WaLLetPubkey11111111111111111111111111111111", WalletID: 1}
}

func position(uuid, mint string, amount float64) *storage.PositionSummary {
	return &storage.PositionSummary{
		WalletID:           1,
		Mint:               mint,
		TradeUuid:          uuid,
		CurrentTokenAmount: fpt(amount),
	}
}

func newFastLoopController(t *testing.T, clock *fakeClock, prices PriceSource, trader Trader, sink EventSink) *Controller {
	t.Helper()
	set, err := strategy.Load("")
	require.NoError(t, err)
	cfg := DefaultControllerConfig()
	cfg.ObserveOnly = false
	c := NewController(testSpec(), &fakeStore{}, fakeEvaluator{}, prices, trader, nil, sink, set, cfg)
	c.now = clock.Now
	return c
}

func trailDoc(activation, trail float64, breaches int) *strategy.Document {
	doc := &strategy.Document{Name: strategy.NameHybrid, StrategyID: "test"}
	doc.Defaults = strategy.Defaults{
		ActivationPct:       &activation,
		TrailPct:            &trail,
		BreachConfirmations: &breaches,
	}
	return doc
}

func TestTrailingStopArmsAndTriggers(t *testing.T) {
	clock := newFakeClock()
	pos := position("run-A", "MintA", 1000)
	prices := &scriptedPrices{clock: clock, mint: "MintA", seq: []float64{1.05, 1.15, 1.25, 1.10, 1.09, 1.08}}
	trader := &captureTrader{}
	c := newFastLoopController(t, clock, prices, trader, nullSink{})

	c.prevPositions = []*storage.PositionSummary{pos}
	c.costUsd["run-A"] = 1.0
	c.chosenDoc["run-A"] = trailDoc(10, 10, 2)

	ctx := context.Background()

	c.fastTick(ctx) // 1.05: below activation
	assert.Nil(t, c.trailing["run-A"])
	clock.Advance(5 * time.Second)

	c.fastTick(ctx) // 1.15: arms
	state := c.trailing["run-A"]
	require.NotNil(t, state)
	assert.True(t, state.Active)
	assert.InDelta(t, 1.035, state.StopUsd, 1e-9)
	clock.Advance(5 * time.Second)

	c.fastTick(ctx) // 1.25: new high water
	assert.InDelta(t, 1.125, state.StopUsd, 1e-9)
	assert.Zero(t, state.BreachCount)
	clock.Advance(5 * time.Second)

	c.fastTick(ctx) // 1.10: first breach
	assert.Equal(t, 1, state.BreachCount)
	assert.Empty(t, trader.calls())
	clock.Advance(5 * time.Second)

	c.fastTick(ctx) // 1.09: second breach, exit
	calls := trader.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "trailing_stop", calls[0].reason)
	assert.Equal(t, "run-A", calls[0].tradeUuid)
	require.NotNil(t, calls[0].amount)
	assert.Equal(t, 1000.0, *calls[0].amount)
	clock.Advance(5 * time.Second)

	// 1.08: still breached, but the action debounce blocks a repeat.
	c.fastTick(ctx)
	assert.Len(t, trader.calls(), 1, "at most one action inside the debounce window")
}

func TestHardStopFiresWithoutArming(t *testing.T) {
	clock := newFakeClock()
	pos := position("run-B", "MintB", 500)
	prices := &scriptedPrices{clock: clock, mint: "MintB", seq: []float64{0.80, 0.74}}
	trader := &captureTrader{}
	c := newFastLoopController(t, clock, prices, trader, nullSink{})

	c.prevPositions = []*storage.PositionSummary{pos}
	c.costUsd["run-B"] = 1.0

	ctx := context.Background()
	c.fastTick(ctx) // roi -20: above the default -25 floor
	assert.Empty(t, trader.calls())
	clock.Advance(5 * time.Second)

	c.fastTick(ctx) // roi -26: hard stop
	calls := trader.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "stop_loss", calls[0].reason)
}

func TestFastLoopSkipsStalePricesAndMissingCost(t *testing.T) {
	clock := newFakeClock()
	posA := position("run-A", "MintA", 100)
	posB := position("run-B", "MintB", 100)
	trader := &captureTrader{}
	sink := &countingSink{}

	stale := &stalePriceSource{clock: clock}
	c := newFastLoopController(t, clock, stale, trader, sink)
	c.prevPositions = []*storage.PositionSummary{posA, posB}
	c.costUsd["run-A"] = 1.0 // run-B has no cost basis

	c.fastTick(context.Background())
	assert.Empty(t, trader.calls())

	require.NotEmpty(t, sink.events)
	insight := sink.events[len(sink.events)-1].Insight.(map[string]interface{})
	assert.Equal(t, 1, insight["stalePriceSkips"])
	assert.Equal(t, 1, insight["missingCostSkips"])
}

type stalePriceSource struct {
	clock *fakeClock
}

func (s *stalePriceSource) Prices(_ context.Context, mints []string) (map[string]chart.PricePoint, error) {
	out := make(map[string]chart.PricePoint)
	for _, m := range mints {
		updated := s.clock.Now().UnixMilli()
		if m == "MintA" {
			updated -= 60_000 // stale beyond the 15s window
		}
		out[m] = chart.PricePoint{Mint: m, PriceUsd: 0.5, UpdatedAt: updated}
	}
	return out, nil
}

func TestIdleHeartbeatThrottled(t *testing.T) {
	clock := newFakeClock()
	sink := &countingSink{}
	c := newFastLoopController(t, clock, &scriptedPrices{clock: clock, mint: "x", seq: []float64{1}}, nil, sink)

	c.fastTick(context.Background())
	clock.Advance(5 * time.Second)
	c.fastTick(context.Background())
	clock.Advance(5 * time.Second)
	c.fastTick(context.Background())

	count := 0
	for _, ev := range sink.events {
		if ev.Status == "trailing_stop_idle" {
			count++
		}
	}
	assert.Equal(t, 1, count, "idle heartbeats are at least 15s apart")

	clock.Advance(20 * time.Second)
	c.fastTick(context.Background())
	count = 0
	for _, ev := range sink.events {
		if ev.Status == "trailing_stop_idle" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestAutopsyRunsExactlyOncePerClosedRun(t *testing.T) {
	clock := newFakeClock()
	a := position("run-A", "MintA", 10)
	b := position("run-B", "MintB", 10)
	store := &fakeStore{ticks: [][]*storage.PositionSummary{
		{a, b},
		{a},
		{},
		{},
	}}
	autopsy := &countingAutopsy{}

	set, err := strategy.Load("")
	require.NoError(t, err)
	cfg := DefaultControllerConfig()
	c := NewController(testSpec(), store, fakeEvaluator{}, nil, nil, autopsy, nullSink{}, set, cfg)
	c.now = clock.Now

	ctx := context.Background()
	c.slowTick(ctx) // {A,B}: nothing closed yet
	c.slowTick(ctx) // {A}: B closed
	c.slowTick(ctx) // {}: A closed
	c.slowTick(ctx) // {}: nothing new

	assert.Equal(t, 1, autopsy.runs["run-B"])
	assert.Equal(t, 1, autopsy.runs["run-A"])
	assert.Len(t, autopsy.runs, 2)
}

func TestSlowTickPersistsEvaluations(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{ticks: [][]*storage.PositionSummary{{position("run-A", "MintA", 10)}}}
	set, err := strategy.Load("")
	require.NoError(t, err)
	c := NewController(testSpec(), store, fakeEvaluator{}, nil, nil, nil, nullSink{}, set, DefaultControllerConfig())
	c.now = clock.Now

	c.slowTick(context.Background())
	require.Len(t, store.evals, 1)
	assert.Equal(t, "run-A", store.evals[0].TradeUuid)
	assert.Equal(t, "main", store.evals[0].WalletAlias)
	// A snapshot without gate outcomes persists as a clean row.
	assert.Equal(t, "none", store.evals[0].WorstSeverity)
	assert.Zero(t, store.evals[0].FailedCount)
}

func TestDisallowedTrimDoesNotConsumeDecisionDebounce(t *testing.T) {
	clock := newFakeClock()
	pos := position("run-T", "MintT", 100)
	trader := &captureTrader{}
	set, err := strategy.Load("")
	require.NoError(t, err)
	cfg := DefaultControllerConfig()
	cfg.ObserveOnly = false
	c := NewController(testSpec(), &fakeStore{}, fakeEvaluator{}, nil, trader, nil, nullSink{}, set, cfg)
	c.now = clock.Now

	// AllowTrim is unset on the document, so trims are forbidden.
	doc := trailDoc(10, 10, 2)
	snap := &evaluation.Snapshot{Mint: pos.Mint, TradeUuid: pos.TradeUuid}
	ctx := context.Background()

	c.maybeActOnDecision(ctx, pos, &evaluation.Result{Decision: "trim", Evaluation: snap}, doc)
	assert.Empty(t, trader.calls())

	// Still inside the decision debounce window: the refused trim must
	// not have claimed it.
	clock.Advance(time.Second)
	c.maybeActOnDecision(ctx, pos, &evaluation.Result{Decision: "exit", Evaluation: snap}, doc)
	calls := trader.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "strategy_exit", calls[0].reason)
}

func TestObserveToggleGatesSubmissions(t *testing.T) {
	clock := newFakeClock()
	pos := position("run-O", "MintO", 100)
	trader := &captureTrader{}
	set, err := strategy.Load("")
	require.NoError(t, err)
	c := NewController(testSpec(), &fakeStore{}, fakeEvaluator{}, nil, trader, nil, nullSink{}, set, DefaultControllerConfig())
	c.now = clock.Now

	snap := &evaluation.Snapshot{Mint: pos.Mint, TradeUuid: pos.TradeUuid}
	ctx := context.Background()

	c.maybeActOnDecision(ctx, pos, &evaluation.Result{Decision: "exit", Evaluation: snap}, nil)
	assert.Empty(t, trader.calls(), "observe mode never submits")

	c.SetObserveOnly(false)
	c.maybeActOnDecision(ctx, pos, &evaluation.Result{Decision: "exit", Evaluation: snap}, nil)
	require.Len(t, trader.calls(), 1)
	assert.Equal(t, "strategy_exit", trader.calls()[0].reason)
}

func TestPruneDropsClosedRunState(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{ticks: [][]*storage.PositionSummary{
		{position("run-A", "MintA", 10)},
		{},
	}}
	set, err := strategy.Load("")
	require.NoError(t, err)
	c := NewController(testSpec(), store, fakeEvaluator{}, nil, nil, nil, nullSink{}, set, DefaultControllerConfig())
	c.now = clock.Now

	c.trailing["run-A"] = &TrailState{Active: true}
	c.costUsd["run-A"] = 2.5

	c.slowTick(context.Background()) // {A}: state stays
	assert.Contains(t, c.trailing, "run-A")

	c.slowTick(context.Background()) // {}: pruned
	assert.NotContains(t, c.trailing, "run-A")
	assert.NotContains(t, c.costUsd, "run-A")
}

func TestRunStopResolvesWithReason(t *testing.T) {
	store := &fakeStore{}
	set, err := strategy.Load("")
	require.NoError(t, err)
	cfg := DefaultControllerConfig()
	cfg.SlowInterval = 10 * time.Millisecond
	cfg.FastInterval = time.Second
	c := NewController(testSpec(), store, fakeEvaluator{}, &scriptedPrices{clock: newFakeClock(), mint: "x", seq: []float64{1}}, nil, nil, nullSink{}, set, cfg)

	done := make(chan *StopResult, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	c.Stop("operator_request")

	select {
	case res := <-done:
		assert.Equal(t, "stopped", res.Status)
		assert.Equal(t, "operator_request", res.StopReason)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
}
