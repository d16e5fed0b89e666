// Package sellops runs the per-wallet trade management controller: a
// slow evaluation loop and a fast trailing-stop loop over the same
// open-position view.
package sellops

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"solana-warchest/internal/chart"
	"solana-warchest/internal/evaluation"
	"solana-warchest/internal/hud"
	"solana-warchest/internal/storage"
	"solana-warchest/internal/strategy"
	"solana-warchest/internal/wallet"
)

// Store is the slice of the persistence layer the controller touches.
type Store interface {
	LoadOpenPositions(ctx context.Context, walletID int64) ([]*storage.PositionSummary, error)
	InsertEvaluation(ctx context.Context, e *storage.EvaluationRow) error
}

// Evaluator builds snapshots and decisions per position.
type Evaluator interface {
	Evaluate(ctx context.Context, walletAlias string, pos *storage.PositionSummary) (*evaluation.Result, error)
}

// PriceSource feeds the fast loop's batch price fetch.
type PriceSource interface {
	Prices(ctx context.Context, mints []string) (map[string]chart.PricePoint, error)
}

// Trader submits sells. The hub-backed implementation lives in sell.go.
type Trader interface {
	SubmitSell(ctx context.Context, pos *storage.PositionSummary, walletAlias, reason string, tokenAmount, percent *float64) error
}

// Autopsy runs once for every position that closed between ticks.
type Autopsy interface {
	Run(ctx context.Context, tradeUuid string, last *storage.PositionSummary) error
}

// EventSink receives HUD events from both loops.
type EventSink interface {
	PublishHudEvent(ev hud.Event)
}

// Config tunes the two loops.
type Config struct {
	SlowInterval    time.Duration
	FastInterval    time.Duration
	HeartbeatMinGap time.Duration
	PriceMaxAge     time.Duration
	ObserveOnly     bool
	MonitorTimeout  time.Duration
}

// DefaultControllerConfig returns the standard loop cadence.
func DefaultControllerConfig() Config {
	return Config{
		SlowInterval:    60 * time.Second,
		FastInterval:    5 * time.Second,
		HeartbeatMinGap: 15 * time.Second,
		PriceMaxAge:     15 * time.Second,
		ObserveOnly:     true,
		MonitorTimeout:  120 * time.Second,
	}
}

// StopResult is what Run resolves with.
type StopResult struct {
	Status     string `json:"status"` // always "stopped"
	StopReason string `json:"stopReason"`
}

// Controller owns one wallet's trade management.
type Controller struct {
	spec        *wallet.Spec
	store       Store
	evaluator   Evaluator
	prices      PriceSource
	trader      Trader
	autopsy     Autopsy
	sink        EventSink
	strategies  *strategy.Set
	cfg         Config
	observeOnly atomic.Bool

	// Shared between the two loops.
	mu             sync.Mutex
	trailing       map[string]*TrailState        // tradeUuid -> state
	costUsd        map[string]float64            // tradeUuid -> avg cost
	lastActionAt   map[string]int64              // tradeUuid -> ms, fast-loop actions
	lastDecisionAt map[string]int64              // tradeUuid -> ms, slow-loop actions
	chosenDoc      map[string]*strategy.Document // tradeUuid -> selected strategy
	prevPositions  []*storage.PositionSummary
	autopsied      map[string]bool

	lastIdleBeat  int64
	lastTrailBeat int64

	stopCh     chan struct{}
	stopOnce   sync.Once
	stopReason string

	now func() time.Time
}

// NewController wires a controller for one wallet.
func NewController(spec *wallet.Spec, store Store, evaluator Evaluator, prices PriceSource, trader Trader, autopsy Autopsy, sink EventSink, strategies *strategy.Set, cfg Config) *Controller {
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 60 * time.Second
	}
	if cfg.FastInterval < time.Second {
		cfg.FastInterval = time.Second
	}
	if cfg.HeartbeatMinGap <= 0 {
		cfg.HeartbeatMinGap = 15 * time.Second
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = 15 * time.Second
	}
	c := &Controller{
		spec:           spec,
		store:          store,
		evaluator:      evaluator,
		prices:         prices,
		trader:         trader,
		autopsy:        autopsy,
		sink:           sink,
		strategies:     strategies,
		cfg:            cfg,
		trailing:       make(map[string]*TrailState),
		costUsd:        make(map[string]float64),
		lastActionAt:   make(map[string]int64),
		lastDecisionAt: make(map[string]int64),
		chosenDoc:      make(map[string]*strategy.Document),
		autopsied:      make(map[string]bool),
		stopCh:         make(chan struct{}),
		now:            time.Now,
	}
	c.observeOnly.Store(cfg.ObserveOnly)
	return c
}

// SetObserveOnly flips the execute gate at runtime, typically from a
// config reload. Trailing state keeps accruing either way.
func (c *Controller) SetObserveOnly(v bool) {
	c.observeOnly.Store(v)
}

// Run blocks until Stop is called or the context is cancelled. Both
// loops run concurrently and tear down together.
func (c *Controller) Run(ctx context.Context) *StopResult {
	log.Info().Str("wallet", c.spec.Alias).Msg("🚀 sellops controller started")

	var wg sync.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.fastLoop(loopCtx)
	}()

	c.slowLoop(loopCtx)

	cancel()
	wg.Wait()

	reason := c.stopReason
	if reason == "" {
		reason = "context_cancelled"
	}
	log.Info().Str("wallet", c.spec.Alias).Str("reason", reason).Msg("sellops controller stopped")
	return &StopResult{Status: "stopped", StopReason: reason}
}

// Stop requests shutdown. Safe to call more than once.
func (c *Controller) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.stopReason = reason
		close(c.stopCh)
	})
}

// slowLoop ticks on an elapsed-adjusted period: a tick that takes 20s
// of a 60s period sleeps 40s.
func (c *Controller) slowLoop(ctx context.Context) {
	for {
		started := c.now()
		c.slowTick(ctx)

		wait := c.cfg.SlowInterval - c.now().Sub(started)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

func (c *Controller) fastLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.fastTick(ctx)
		}
	}
}

// slowTick refreshes positions, runs autopsies for closed runs, prunes
// shared state and evaluates every current position. Per-position
// failures are isolated; a tick never crashes the controller.
func (c *Controller) slowTick(ctx context.Context) {
	positions, err := c.store.LoadOpenPositions(ctx, c.spec.WalletID)
	if err != nil {
		log.Warn().Err(err).Str("wallet", c.spec.Alias).Msg("open position refresh failed, skipping tick")
		return
	}

	current := make(map[string]*storage.PositionSummary, len(positions))
	for _, p := range positions {
		current[p.TradeUuid] = p
	}

	c.mu.Lock()
	prev := c.prevPositions
	c.prevPositions = positions
	c.mu.Unlock()

	c.handleClosed(ctx, prev, current)
	c.pruneState(current)

	for _, pos := range positions {
		c.evaluatePosition(ctx, pos)
	}
}

// handleClosed runs the autopsy exactly once per tradeUuid that left
// the open set.
func (c *Controller) handleClosed(ctx context.Context, prev []*storage.PositionSummary, current map[string]*storage.PositionSummary) {
	for _, p := range prev {
		if _, stillOpen := current[p.TradeUuid]; stillOpen {
			continue
		}
		c.mu.Lock()
		done := c.autopsied[p.TradeUuid]
		if !done {
			c.autopsied[p.TradeUuid] = true
		}
		c.mu.Unlock()
		if done || c.autopsy == nil {
			continue
		}

		log.Info().Str("wallet", c.spec.Alias).Str("tradeUuid", p.TradeUuid).Str("mint", p.Mint).Msg("position closed, running autopsy")
		if err := c.autopsy.Run(ctx, p.TradeUuid, p); err != nil {
			// SideEffectFailure: logged, never re-queued.
			log.Warn().Err(err).Str("tradeUuid", p.TradeUuid).Msg("autopsy failed")
		}
	}
}

// pruneState drops fast-loop state for runs no longer open.
func (c *Controller) pruneState(current map[string]*storage.PositionSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uuid := range c.trailing {
		if _, ok := current[uuid]; !ok {
			delete(c.trailing, uuid)
		}
	}
	for uuid := range c.costUsd {
		if _, ok := current[uuid]; !ok {
			delete(c.costUsd, uuid)
		}
	}
	for uuid := range c.chosenDoc {
		if _, ok := current[uuid]; !ok {
			delete(c.chosenDoc, uuid)
		}
	}
}

// evaluatePosition runs one snapshot + decision and acts on it.
func (c *Controller) evaluatePosition(ctx context.Context, pos *storage.PositionSummary) {
	res, err := c.evaluator.Evaluate(ctx, c.spec.Alias, pos)
	if err != nil {
		log.Warn().Err(err).Str("mint", pos.Mint).Msg("evaluation failed, position skipped")
		return
	}
	snap := res.Evaluation

	// Cache cost basis and the chosen strategy for the fast loop.
	doc := c.strategies.ByName(snap.Strategy.Name)
	c.mu.Lock()
	if snap.Pnl != nil && snap.Pnl.AvgCostUsd != nil && *snap.Pnl.AvgCostUsd > 0 {
		c.costUsd[pos.TradeUuid] = *snap.Pnl.AvgCostUsd
	}
	if doc != nil {
		c.chosenDoc[pos.TradeUuid] = doc
	}
	c.mu.Unlock()

	c.maybeActOnDecision(ctx, pos, res, doc)
	c.persistEvaluation(ctx, pos, res)
	c.emitEvaluationEvent(pos, res)
}

// maybeActOnDecision submits exit/trim sells in execute mode, under
// the per-run decision debounce.
func (c *Controller) maybeActOnDecision(ctx context.Context, pos *storage.PositionSummary, res *evaluation.Result, doc *strategy.Document) {
	if c.observeOnly.Load() || c.trader == nil {
		return
	}
	if res.Decision != "exit" && res.Decision != "trim" {
		return
	}

	trailing := resolveTrailing(doc)
	// A trim the strategy forbids must not consume the debounce
	// window; a later exit inside the window still fires.
	if res.Decision == "trim" && !trailing.AllowTrim {
		return
	}

	nowMs := c.now().UnixMilli()
	c.mu.Lock()
	last := c.lastDecisionAt[pos.TradeUuid]
	if nowMs-last < trailing.DecisionDebounceMs {
		c.mu.Unlock()
		return
	}
	c.lastDecisionAt[pos.TradeUuid] = nowMs
	c.mu.Unlock()

	switch res.Decision {
	case "exit":
		c.submitFullExit(ctx, pos, "strategy_exit")
	case "trim":
		c.submitPartial(ctx, pos, "strategy_trim", trailing.TrimPct)
	}
}

// persistEvaluation stores the tick best-effort.
func (c *Controller) persistEvaluation(ctx context.Context, pos *storage.PositionSummary, res *evaluation.Result) {
	snapJSON, err := json.Marshal(res.Evaluation)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot encode failed")
		return
	}
	failed := 0
	worst := strategy.SeverityNone.String()
	if q := res.Evaluation.Qualify; q != nil {
		failed = q.FailedCount
		worst = q.WorstSeverity
	}
	row := &storage.EvaluationRow{
		WalletAlias:    c.spec.Alias,
		Mint:           pos.Mint,
		TradeUuid:      pos.TradeUuid,
		CreatedAt:      res.Evaluation.CreatedAt,
		Recommendation: res.Evaluation.Recommendation,
		WorstSeverity:  worst,
		FailedCount:    failed,
		SnapshotJSON:   string(snapJSON),
	}
	if err := c.store.InsertEvaluation(ctx, row); err != nil {
		log.Warn().Err(err).Str("tradeUuid", pos.TradeUuid).Msg("evaluation persist failed")
	}
}

// emitEvaluationEvent publishes the HUD payload with risk controls.
func (c *Controller) emitEvaluationEvent(pos *storage.PositionSummary, res *evaluation.Result) {
	if c.sink == nil {
		return
	}

	c.mu.Lock()
	trail := c.trailing[pos.TradeUuid]
	var trailCopy *TrailState
	if trail != nil {
		cp := *trail
		trailCopy = &cp
	}
	doc := c.chosenDoc[pos.TradeUuid]
	c.mu.Unlock()

	trailing := resolveTrailing(doc)
	payload := map[string]interface{}{
		"evaluation": res.Evaluation,
		"decision":   res.Decision,
		"reasons":    res.Reasons,
		"riskControls": map[string]interface{}{
			"hardStopLossPct": trailing.HardStopLossPct,
			"trailingStop":    trailCopy,
		},
	}

	c.sink.PublishHudEvent(hud.Event{
		Status:         "evaluation",
		StatusCategory: "unknown",
		Context: hud.EventContext{
			Wallet: c.spec.Alias,
			Mint:   pos.Mint,
		},
		Insight:    payload,
		ObservedAt: c.now().UTC().Format(time.RFC3339Nano),
	})
}
