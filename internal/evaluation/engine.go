// Package evaluation builds position snapshots and drives the strategy
// decision for each controller tick.
package evaluation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"solana-warchest/internal/chart"
	"solana-warchest/internal/storage"
	"solana-warchest/internal/strategy"
)

// Repository is the slice of the store the engine reads.
type Repository interface {
	LoadCoin(ctx context.Context, mint string) (*storage.CoinRecord, error)
	LoadBestPool(ctx context.Context, mint string) (*storage.PoolRecord, error)
	LoadEvents(ctx context.Context, mint string, intervals []string) (map[string]*storage.EventsRecord, error)
	LoadRisk(ctx context.Context, mint string) (*storage.RiskRecord, error)
	LoadPnl(ctx context.Context, tradeUuid string) (*storage.PnlRecord, error)
}

// ChartSource provides candles for the indicator pipeline. Optional.
type ChartSource interface {
	OHLCV(ctx context.Context, poolAddress string, from, to int64) ([]chart.Candle, error)
}

// Config tunes snapshot building.
type Config struct {
	EventIntervals []string
	// Freshness windows. Data older than these appends stale warnings.
	CoinFreshness   time.Duration
	PoolFreshness   time.Duration
	EventsFreshness time.Duration
	RiskFreshness   time.Duration
	LookbackMs      int64
	Indicators      IndicatorConfig
	// IncludeCandles carries the raw candle series on the snapshot's
	// chart block. Off by default; persisted snapshots get large fast.
	IncludeCandles bool
	// ObserveOnly forces every decision to hold.
	ObserveOnly bool
}

// DefaultConfig returns the standard snapshot configuration.
func DefaultConfig() Config {
	return Config{
		EventIntervals:  []string{"5m", "15m", "1h"},
		CoinFreshness:   2 * time.Minute,
		PoolFreshness:   2 * time.Minute,
		EventsFreshness: 2 * time.Minute,
		RiskFreshness:   10 * time.Minute,
		LookbackMs:      6 * 60 * 60 * 1000,
	}
}

// Result is one evaluation tick's outcome.
type Result struct {
	Decision   string    `json:"decision"` // hold | trim | exit
	Reasons    []string  `json:"reasons"`
	Evaluation *Snapshot `json:"evaluation"`
}

// Engine orchestrates snapshot building and the decision engine. It is
// stateless apart from the observe gate; all other state lives in the
// store and the strategy set.
type Engine struct {
	repo        Repository
	charts      ChartSource
	strategies  *strategy.Set
	cfg         Config
	observeOnly atomic.Bool
	now         func() time.Time
}

// NewEngine wires an evaluation engine.
func NewEngine(repo Repository, charts ChartSource, strategies *strategy.Set, cfg Config) *Engine {
	e := &Engine{repo: repo, charts: charts, strategies: strategies, cfg: cfg, now: time.Now}
	e.observeOnly.Store(cfg.ObserveOnly)
	return e
}

// SetObserveOnly flips the observe gate at runtime, typically from a
// config reload. Safe while evaluations are in flight.
func (e *Engine) SetObserveOnly(v bool) {
	e.observeOnly.Store(v)
}

// Evaluate builds the snapshot for one open position and runs the
// strategy decision. Collaborator failures degrade to warnings; only a
// nil position is an error.
func (e *Engine) Evaluate(ctx context.Context, walletAlias string, pos *storage.PositionSummary) (*Result, error) {
	now := e.now()
	nowMs := now.UnixMilli()

	snap := &Snapshot{
		WalletAlias:  walletAlias,
		WalletID:     pos.WalletID,
		Mint:         pos.Mint,
		TradeUuid:    pos.TradeUuid,
		CreatedAt:    nowMs,
		WarningsList: []string{},
		Position: &PositionView{
			CurrentTokenAmount:  pos.CurrentTokenAmount,
			EntryPriceSol:       pos.EntryPriceSol,
			EntryPriceUsd:       pos.EntryPriceUsd,
			ExpectedNotionalUsd: pos.ExpectedNotionalUsd,
			StrategyName:        pos.StrategyName,
			OpenedAt:            pos.OpenedAt,
		},
		Events: map[string]*EventsView{},
	}

	e.loadReference(ctx, snap, pos, nowMs)
	e.deriveEconomics(snap)
	e.computeTechnicals(ctx, snap, nowMs)

	sel := strategy.Select(e.strategies, pos.StrategyName, snap.View())
	snap.Strategy = &StrategyView{Name: sel.Doc.Name, ID: sel.Doc.StrategyID, Source: sel.Source}

	reasons := make([]string, 0, len(sel.Results))
	for _, r := range sel.Results {
		if !r.Passed {
			reasons = append(reasons, r.ID+":"+r.Reason)
		}
	}

	worst := strategy.WorstSeverity(sel.Results)
	snap.Qualify = &QualifyView{
		WorstSeverity: worst.String(),
		FailedCount:   len(reasons),
		Results:       sel.Results,
	}
	snap.Recommendation = strategy.Recommend(worst)
	snap.generic = nil

	decision := snap.Recommendation
	if e.observeOnly.Load() {
		decision = "hold"
	}

	log.Debug().
		Str("wallet", walletAlias).
		Str("mint", pos.Mint).
		Str("strategy", sel.Doc.Name).
		Str("source", sel.Source).
		Str("recommendation", snap.Recommendation).
		Str("decision", decision).
		Strs("warnings", snap.WarningsList).
		Msg("position evaluated")

	return &Result{Decision: decision, Reasons: reasons, Evaluation: snap}, nil
}

// loadReference pulls coin, pool, events, risk and pnl, appending
// missing/stale warnings as it goes.
func (e *Engine) loadReference(ctx context.Context, snap *Snapshot, pos *storage.PositionSummary, nowMs int64) {
	warn := func(w string) { snap.WarningsList = append(snap.WarningsList, w) }

	coin, err := e.repo.LoadCoin(ctx, pos.Mint)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("mint", pos.Mint).Msg("coin load failed")
		warn("coin_missing")
	case coin == nil:
		warn("coin_missing")
	default:
		snap.Coin = &CoinView{
			Symbol:       coin.Symbol,
			Name:         coin.Name,
			PriceUsd:     coin.PriceUsd,
			PriceSol:     coin.PriceSol,
			MarketCapUsd: coin.MarketCapUsd,
			LastUpdated:  coin.LastUpdated,
		}
		if stale(coin.LastUpdated, nowMs, e.cfg.CoinFreshness) {
			warn("coin_stale")
		}
	}

	pool, err := e.repo.LoadBestPool(ctx, pos.Mint)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("mint", pos.Mint).Msg("pool load failed")
		warn("pool_missing")
	case pool == nil:
		warn("pool_missing")
	default:
		snap.Pool = &PoolView{Addr: pool.Addr, LiquidityUsd: pool.LiquidityUsd, LastUpdated: pool.LastUpdated}
		if stale(pool.LastUpdated, nowMs, e.cfg.PoolFreshness) {
			warn("pool_stale")
		}
	}

	events, err := e.repo.LoadEvents(ctx, pos.Mint, e.cfg.EventIntervals)
	if err != nil {
		log.Warn().Err(err).Str("mint", pos.Mint).Msg("events load failed")
		events = nil
	}
	for _, interval := range e.cfg.EventIntervals {
		rec := events[interval]
		if rec == nil {
			warn("events_missing:" + interval)
			continue
		}
		snap.Events[interval] = &EventsView{
			Buys:           rec.Buys,
			Sells:          rec.Sells,
			VolumeUsd:      rec.VolumeUsd,
			PriceChangePct: rec.PriceChangePct,
			LastUpdated:    rec.LastUpdated,
		}
		if stale(rec.LastUpdated, nowMs, e.cfg.EventsFreshness) {
			warn("events_stale:" + interval)
		}
	}

	risk, err := e.repo.LoadRisk(ctx, pos.Mint)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("mint", pos.Mint).Msg("risk load failed")
		warn("risk_missing")
	case risk == nil:
		warn("risk_missing")
	default:
		snap.Risk = &RiskView{Score: risk.Score, Flags: risk.Flags, LastUpdated: risk.LastUpdated}
		if stale(risk.LastUpdated, nowMs, e.cfg.RiskFreshness) {
			warn("risk_stale")
		}
	}

	pnl, err := e.repo.LoadPnl(ctx, pos.TradeUuid)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("tradeUuid", pos.TradeUuid).Msg("pnl load failed")
		warn("pnl_missing")
	case pnl == nil:
		warn("pnl_missing")
	default:
		snap.Pnl = &PnlView{
			RealizedUsd:         pnl.RealizedUsd,
			UnrealizedUsd:       pnl.UnrealizedUsd,
			AvgCostUsd:          pnl.AvgCostUsd,
			PositionTokenAmount: pnl.PositionTokenAmount,
			LastUpdated:         pnl.LastUpdated,
		}
	}
}

// deriveEconomics computes the derived block. Undefined inputs
// propagate as nil; there is no division by zero.
func (e *Engine) deriveEconomics(snap *Snapshot) {
	var priceUsd *float64
	if snap.Coin != nil {
		priceUsd = snap.Coin.PriceUsd
	}

	// Position value: token amount times price, falling back to the
	// expected notional when size or price is unknown.
	if v := mulOpt(snap.Position.CurrentTokenAmount, priceUsd); v != nil && *v > 0 {
		snap.Derived.PositionValueUsd = v
	} else if n := snap.Position.ExpectedNotionalUsd; n != nil && isFinite(*n) && *n > 0 {
		snap.Derived.PositionValueUsd = n
	}

	if snap.Pnl != nil {
		snap.Derived.CostBasisUsd = mulOpt(snap.Pnl.AvgCostUsd, snap.Pnl.PositionTokenAmount)
		snap.Derived.RoiUnrealizedPct = divOpt(snap.Pnl.UnrealizedUsd, snap.Derived.CostBasisUsd, 100)
		snap.Derived.RoiTotalPct = divOpt(addOpt(snap.Pnl.RealizedUsd, snap.Pnl.UnrealizedUsd), snap.Derived.CostBasisUsd, 100)
	}

	if snap.Pool != nil {
		snap.Derived.LiquidityToPositionRatio = divOpt(snap.Pool.LiquidityUsd, snap.Derived.PositionValueUsd, 1)
	}
}

// computeTechnicals fetches candles and attaches indicators and regime
// when a chart source and pool address are available.
func (e *Engine) computeTechnicals(ctx context.Context, snap *Snapshot, nowMs int64) {
	if e.charts == nil || snap.Pool == nil || snap.Pool.Addr == "" {
		return
	}
	from, to := nowMs-e.cfg.LookbackMs, nowMs
	candles, err := e.charts.OHLCV(ctx, snap.Pool.Addr, from, to)
	if err != nil {
		log.Warn().Err(err).Str("pool", snap.Pool.Addr).Msg("ohlcv fetch failed")
		snap.WarningsList = append(snap.WarningsList, "chart_unavailable")
		return
	}
	snap.Chart = &ChartView{Type: "ohlcv", Points: len(candles), TimeFrom: from, TimeTo: to}
	if e.cfg.IncludeCandles {
		snap.Chart.Candles = candles
	}
	ind := ComputeIndicators(candles, e.cfg.Indicators)
	regime := ClassifyRegime(ind)
	snap.Indicators = &ind
	snap.Regime = &regime
}

func stale(lastUpdated, nowMs int64, window time.Duration) bool {
	if lastUpdated <= 0 {
		return true
	}
	return nowMs-lastUpdated > window.Milliseconds()
}

// addOpt sums two optional values, nil when either is missing or the
// sum is non-finite.
func addOpt(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	v := *a + *b
	if !isFinite(v) {
		return nil
	}
	return &v
}

// mulOpt multiplies two optional values, nil when either is missing or
// the product is non-finite.
func mulOpt(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	v := *a * *b
	if !isFinite(v) {
		return nil
	}
	return &v
}

// divOpt divides a by b scaled, nil on missing input, zero divisor or
// non-finite result.
func divOpt(a, b *float64, scale float64) *float64 {
	if a == nil || b == nil || *b == 0 {
		return nil
	}
	v := *a / *b * scale
	if !isFinite(v) {
		return nil
	}
	return &v
}
