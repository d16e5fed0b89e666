package sellops

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"solana-warchest/internal/hud"
	"solana-warchest/internal/storage"
	"solana-warchest/internal/strategy"
)

// Trailing-stop fallbacks when the strategy document leaves a knob
// unset.
const (
	DefaultActivationPct       = 10.0
	DefaultTrailPct            = 8.0
	DefaultPollMs              = 5000
	DefaultBreachConfirmations = 2
	DefaultActionDebounceMs    = 30000
	DefaultHardStopLossPct     = 25.0
	DefaultDecisionDebounceMs  = 60000
	DefaultTrimPct             = 33.0
)

// TrailState is the fast loop's per-run trailing stop. Writable only
// by the fast loop; the slow loop reads copies for the HUD payload.
type TrailState struct {
	Active       bool    `json:"active"`
	HighWaterUsd float64 `json:"highWaterUsd"`
	StopUsd      float64 `json:"stopUsd"`
	BreachCount  int     `json:"breachCount"`
	ArmedAtMs    int64   `json:"armedAtMs"`
}

// trailingConfig is the resolved per-run knob set.
type trailingConfig struct {
	ActivationPct       float64
	TrailPct            float64
	BreachConfirmations int
	ActionDebounceMs    int64
	HardStopLossPct     float64
	AllowTrim           bool
	TrimPct             *float64
	DecisionDebounceMs  int64
}

// resolveTrailing merges a strategy document's defaults (or manage)
// block over the package fallbacks. A nil document yields pure
// fallbacks.
func resolveTrailing(doc *strategy.Document) trailingConfig {
	cfg := trailingConfig{
		ActivationPct:       DefaultActivationPct,
		TrailPct:            DefaultTrailPct,
		BreachConfirmations: DefaultBreachConfirmations,
		ActionDebounceMs:    DefaultActionDebounceMs,
		HardStopLossPct:     DefaultHardStopLossPct,
		DecisionDebounceMs:  DefaultDecisionDebounceMs,
	}
	if doc == nil {
		return cfg
	}
	d := doc.Trailing()
	if d.ActivationPct != nil {
		cfg.ActivationPct = *d.ActivationPct
	}
	if d.TrailPct != nil {
		cfg.TrailPct = *d.TrailPct
	}
	if d.BreachConfirmations != nil {
		cfg.BreachConfirmations = *d.BreachConfirmations
	}
	if d.ActionDebounceMs != nil {
		cfg.ActionDebounceMs = *d.ActionDebounceMs
	}
	if d.HardStopLossPct != nil {
		cfg.HardStopLossPct = *d.HardStopLossPct
	}
	if d.AllowTrim != nil {
		cfg.AllowTrim = *d.AllowTrim
	}
	if d.TrimPct != nil {
		cfg.TrimPct = d.TrimPct
	} else if cfg.AllowTrim {
		pct := DefaultTrimPct
		cfg.TrimPct = &pct
	}
	if d.DecisionDebounceMs != nil {
		cfg.DecisionDebounceMs = *d.DecisionDebounceMs
	}
	return cfg
}

// fastTick runs one trailing-stop pass over the last known open
// positions.
func (c *Controller) fastTick(ctx context.Context) {
	c.mu.Lock()
	positions := c.prevPositions
	c.mu.Unlock()

	watched := make([]*storage.PositionSummary, 0, len(positions))
	seen := make(map[string]bool)
	for _, p := range positions {
		if p.CurrentTokenAmount == nil || *p.CurrentTokenAmount <= 0 {
			continue
		}
		if seen[p.Mint] {
			continue
		}
		seen[p.Mint] = true
		watched = append(watched, p)
	}

	if len(watched) == 0 {
		c.heartbeat("trailing_stop_idle", 0, 0, 0, 0)
		return
	}

	mints := make([]string, 0, len(watched))
	for _, p := range watched {
		mints = append(mints, p.Mint)
	}
	prices, err := c.prices.Prices(ctx, mints)
	if err != nil {
		log.Warn().Err(err).Str("wallet", c.spec.Alias).Msg("price batch fetch failed")
		return
	}

	nowMs := c.now().UnixMilli()
	maxAgeMs := c.cfg.PriceMaxAge.Milliseconds()

	var activeStops, staleSkips, missingCostSkips int
	for _, pos := range watched {
		point, ok := prices[pos.Mint]
		if !ok || nowMs-point.UpdatedAt > maxAgeMs {
			staleSkips++
			continue
		}

		c.mu.Lock()
		cost, hasCost := c.costUsd[pos.TradeUuid]
		doc := c.chosenDoc[pos.TradeUuid]
		c.mu.Unlock()
		if !hasCost || cost <= 0 {
			missingCostSkips++
			continue
		}

		if c.stepTrailing(ctx, pos, point.PriceUsd, cost, resolveTrailing(doc), nowMs) {
			activeStops++
		}
	}

	status := "trailing_stop"
	if activeStops > 0 {
		status = "trailing_stop_armed"
	}
	c.heartbeat(status, len(watched), activeStops, staleSkips, missingCostSkips)
}

// stepTrailing advances one run's trailing state for a fresh price.
// Returns whether the stop is active after the step.
func (c *Controller) stepTrailing(ctx context.Context, pos *storage.PositionSummary, price, cost float64, cfg trailingConfig, nowMs int64) bool {
	roiPct := (price/cost - 1) * 100

	// Hard stop fires regardless of arming state.
	if roiPct <= -math.Abs(cfg.HardStopLossPct) {
		if c.tryAction(pos.TradeUuid, cfg.ActionDebounceMs, nowMs) {
			log.Warn().
				Str("wallet", c.spec.Alias).
				Str("mint", pos.Mint).
				Float64("roiPct", roiPct).
				Float64("hardStopLossPct", cfg.HardStopLossPct).
				Msg("🛑 hard stop hit")
			c.submitFullExit(ctx, pos, "stop_loss")
		}
		c.mu.Lock()
		active := c.trailing[pos.TradeUuid] != nil && c.trailing[pos.TradeUuid].Active
		c.mu.Unlock()
		return active
	}

	c.mu.Lock()
	state := c.trailing[pos.TradeUuid]

	if state == nil || !state.Active {
		if roiPct >= cfg.ActivationPct {
			state = &TrailState{
				Active:       true,
				HighWaterUsd: price,
				StopUsd:      price * (1 - cfg.TrailPct/100),
				ArmedAtMs:    nowMs,
			}
			c.trailing[pos.TradeUuid] = state
			c.mu.Unlock()
			log.Info().
				Str("wallet", c.spec.Alias).
				Str("mint", pos.Mint).
				Float64("price", price).
				Float64("stopUsd", state.StopUsd).
				Msg("🎯 trailing stop armed")
			c.emitTrailingEvent("trailing_stop:armed", pos, state)
			return true
		}
		c.mu.Unlock()
		return false
	}

	if price > state.HighWaterUsd {
		state.HighWaterUsd = price
		state.StopUsd = price * (1 - cfg.TrailPct/100)
		state.BreachCount = 0
		c.mu.Unlock()
		return true
	}

	if price <= state.StopUsd {
		state.BreachCount++
	} else {
		state.BreachCount = 0
	}
	breaches := state.BreachCount
	stopUsd := state.StopUsd
	c.mu.Unlock()

	if breaches >= cfg.BreachConfirmations && c.tryAction(pos.TradeUuid, cfg.ActionDebounceMs, nowMs) {
		log.Info().
			Str("wallet", c.spec.Alias).
			Str("mint", pos.Mint).
			Float64("price", price).
			Float64("stopUsd", stopUsd).
			Int("breaches", breaches).
			Msg("trailing stop triggered")
		c.submitFullExit(ctx, pos, "trailing_stop")
	}
	return true
}

// tryAction claims the per-run action debounce. At most one stop_loss
// or trailing_stop submission per debounce window.
func (c *Controller) tryAction(tradeUuid string, debounceMs, nowMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nowMs-c.lastActionAt[tradeUuid] < debounceMs {
		return false
	}
	c.lastActionAt[tradeUuid] = nowMs
	return true
}

// heartbeat emits a throttled fast-loop status event.
func (c *Controller) heartbeat(status string, watched, activeStops, staleSkips, missingCostSkips int) {
	if c.sink == nil {
		return
	}
	nowMs := c.now().UnixMilli()
	gapMs := c.cfg.HeartbeatMinGap.Milliseconds()

	c.mu.Lock()
	var last *int64
	if status == "trailing_stop_idle" {
		last = &c.lastIdleBeat
	} else {
		last = &c.lastTrailBeat
	}
	if nowMs-*last < gapMs {
		c.mu.Unlock()
		return
	}
	*last = nowMs
	c.mu.Unlock()

	c.sink.PublishHudEvent(hud.Event{
		Status:         status,
		StatusCategory: "unknown",
		Context:        hud.EventContext{Wallet: c.spec.Alias},
		Insight: map[string]interface{}{
			"watchedMints":     watched,
			"activeStops":      activeStops,
			"stalePriceSkips":  staleSkips,
			"missingCostSkips": missingCostSkips,
		},
		ObservedAt: c.now().UTC().Format(time.RFC3339Nano),
	})
}

// emitTrailingEvent publishes an arming notification, unthrottled.
func (c *Controller) emitTrailingEvent(status string, pos *storage.PositionSummary, state *TrailState) {
	if c.sink == nil {
		return
	}
	cp := *state
	c.sink.PublishHudEvent(hud.Event{
		Status:         status,
		StatusCategory: "unknown",
		Context:        hud.EventContext{Wallet: c.spec.Alias, Mint: pos.Mint},
		Insight:        &cp,
		ObservedAt:     c.now().UTC().Format(time.RFC3339Nano),
	})
}
