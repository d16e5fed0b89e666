package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-warchest/internal/chart"
	"solana-warchest/internal/storage"
	"solana-warchest/internal/strategy"
)

type fakeRepo struct {
	coin   *storage.CoinRecord
	pool   *storage.PoolRecord
	events map[string]*storage.EventsRecord
	risk   *storage.RiskRecord
	pnl    *storage.PnlRecord
}

func (f *fakeRepo) LoadCoin(context.Context, string) (*storage.CoinRecord, error) {
	return f.coin, nil
}

func (f *fakeRepo) LoadBestPool(context.Context, string) (*storage.PoolRecord, error) {
	return f.pool, nil
}

func (f *fakeRepo) LoadEvents(context.Context, string, []string) (map[string]*storage.EventsRecord, error) {
	return f.events, nil
}

func (f *fakeRepo) LoadRisk(context.Context, string) (*storage.RiskRecord, error) {
	return f.risk, nil
}

func (f *fakeRepo) LoadPnl(context.Context, string) (*storage.PnlRecord, error) {
	return f.pnl, nil
}

type fakeCharts struct {
	candles []chart.Candle
}

func (f *fakeCharts) OHLCV(context.Context, string, int64, int64) ([]chart.Candle, error) {
	return f.candles, nil
}

func fpt(v float64) *float64 { return &v }

func newTestEngine(t *testing.T, repo Repository, charts ChartSource, observe bool) *Engine {
	t.Helper()
	set, err := strategy.Load("")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ObserveOnly = observe
	eng := NewEngine(repo, charts, set, cfg)
	return eng
}

func freshMs() int64 { return time.Now().UnixMilli() }

func TestDerivedFallsBackToExpectedNotional(t *testing.T) {
	now := freshMs()
	repo := &fakeRepo{
		coin: &storage.CoinRecord{Mint: "M", Symbol: "TKN", PriceUsd: fpt(1), LastUpdated: now},
		pool: &storage.PoolRecord{Addr: "P", Mint: "M", LiquidityUsd: fpt(20000), LastUpdated: now},
	}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{
		WalletID:            1,
		Mint:                "M",
		TradeUuid:           "run-1",
		ExpectedNotionalUsd: fpt(1000),
	}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)

	d := res.Evaluation.Derived
	require.NotNil(t, d.PositionValueUsd)
	assert.Equal(t, 1000.0, *d.PositionValueUsd)
	require.NotNil(t, d.LiquidityToPositionRatio)
	assert.InDelta(t, 20.0, *d.LiquidityToPositionRatio, 1e-9)

	// pnl is absent so ROI stays undefined rather than zero.
	assert.Nil(t, d.RoiUnrealizedPct)
	assert.Contains(t, res.Evaluation.WarningsList, "pnl_missing")
}

func TestLiquidityRatioNullWithoutPositionValue(t *testing.T) {
	now := freshMs()
	repo := &fakeRepo{
		coin: &storage.CoinRecord{Mint: "M", PriceUsd: fpt(2), LastUpdated: now},
		pool: &storage.PoolRecord{Addr: "P", LiquidityUsd: fpt(5000), LastUpdated: now},
	}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-2"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)
	assert.Nil(t, res.Evaluation.Derived.PositionValueUsd)
	assert.Nil(t, res.Evaluation.Derived.LiquidityToPositionRatio)
}

func TestRoiComputedFromPnl(t *testing.T) {
	now := freshMs()
	repo := &fakeRepo{
		coin: &storage.CoinRecord{Mint: "M", PriceUsd: fpt(0.5), LastUpdated: now},
		pool: &storage.PoolRecord{Addr: "P", LiquidityUsd: fpt(9000), LastUpdated: now},
		pnl: &storage.PnlRecord{
			TradeUuid:           "run-3",
			RealizedUsd:         fpt(50),
			UnrealizedUsd:       fpt(150),
			AvgCostUsd:          fpt(0.25),
			PositionTokenAmount: fpt(2000),
			LastUpdated:         now,
		},
	}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{
		WalletID:           1,
		Mint:               "M",
		TradeUuid:          "run-3",
		CurrentTokenAmount: fpt(2000),
	}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)

	d := res.Evaluation.Derived
	require.NotNil(t, d.CostBasisUsd)
	assert.InDelta(t, 500.0, *d.CostBasisUsd, 1e-9)
	require.NotNil(t, d.RoiUnrealizedPct)
	assert.InDelta(t, 30.0, *d.RoiUnrealizedPct, 1e-9)
	require.NotNil(t, d.RoiTotalPct)
	assert.InDelta(t, 40.0, *d.RoiTotalPct, 1e-9, "(realized+unrealized)/costBasis")
	require.NotNil(t, d.PositionValueUsd)
	assert.InDelta(t, 1000.0, *d.PositionValueUsd, 1e-9)
}

func TestRoiTotalNullWithoutRealized(t *testing.T) {
	now := freshMs()
	repo := &fakeRepo{
		pnl: &storage.PnlRecord{
			TradeUuid:           "run-3b",
			UnrealizedUsd:       fpt(150),
			AvgCostUsd:          fpt(0.25),
			PositionTokenAmount: fpt(2000),
			LastUpdated:         now,
		},
	}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-3b"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)
	assert.NotNil(t, res.Evaluation.Derived.RoiUnrealizedPct)
	assert.Nil(t, res.Evaluation.Derived.RoiTotalPct, "unknown realized keeps the total undefined")
}

func TestStaleWarningsAppended(t *testing.T) {
	old := time.Now().Add(-30 * time.Minute).UnixMilli()
	repo := &fakeRepo{
		coin: &storage.CoinRecord{Mint: "M", PriceUsd: fpt(1), LastUpdated: old},
		pool: &storage.PoolRecord{Addr: "P", LiquidityUsd: fpt(100), LastUpdated: old},
		events: map[string]*storage.EventsRecord{
			"5m": {Mint: "M", Interval: "5m", LastUpdated: old},
		},
	}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-4"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)

	w := res.Evaluation.WarningsList
	assert.Contains(t, w, "coin_stale")
	assert.Contains(t, w, "pool_stale")
	assert.Contains(t, w, "events_stale:5m")
	assert.Contains(t, w, "events_missing:15m")
	assert.Contains(t, w, "events_missing:1h")
	assert.Contains(t, w, "risk_missing")
}

func TestDefaultIntervalsCoverQuarterHour(t *testing.T) {
	assert.Equal(t, []string{"5m", "15m", "1h"}, DefaultConfig().EventIntervals)
}

func TestObserveModeAlwaysHolds(t *testing.T) {
	repo := &fakeRepo{}
	eng := newTestEngine(t, repo, nil, true)

	// No data at all: CAMPAIGN floor still recommends something, but
	// observe mode pins the decision to hold.
	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-5"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)
	assert.Equal(t, "hold", res.Decision)
}

func TestExplicitStrategyNameAttached(t *testing.T) {
	now := freshMs()
	repo := &fakeRepo{
		coin: &storage.CoinRecord{Mint: "M", PriceUsd: fpt(1), LastUpdated: now},
	}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{
		WalletID:     1,
		Mint:         "M",
		TradeUuid:    "run-6",
		StrategyName: "flash scalp v2",
	}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation.Strategy)
	assert.Equal(t, "FLASH", res.Evaluation.Strategy.Name)
	assert.Equal(t, "db", res.Evaluation.Strategy.Source)
}

func TestRegimeClassification(t *testing.T) {
	up := Indicators{EmaFast: fpt(110), EmaSlow: fpt(100), MacdHist: fpt(0.5)}
	r := ClassifyRegime(up)
	assert.Equal(t, "up", r.Trend)
	assert.Equal(t, "bullish", r.Momentum)
	assert.Equal(t, "trend_up", r.Status)

	down := Indicators{EmaFast: fpt(90), EmaSlow: fpt(100), MacdHist: fpt(-0.5)}
	r = ClassifyRegime(down)
	assert.Equal(t, "trend_down", r.Status)

	bias := Indicators{EmaFast: fpt(110), EmaSlow: fpt(100), MacdHist: fpt(0.0)}
	r = ClassifyRegime(bias)
	assert.Equal(t, "neutral", r.Momentum)
	assert.Equal(t, "bias_up", r.Status)

	chop := Indicators{EmaFast: fpt(100.01), EmaSlow: fpt(100), MacdHist: fpt(0.0)}
	r = ClassifyRegime(chop)
	assert.Equal(t, "flat", r.Trend)
	assert.Equal(t, "chop", r.Status)

	overbought := Indicators{Rsi: fpt(82), Vwap: fpt(1.0), LastClose: fpt(1.2)}
	r = ClassifyRegime(overbought)
	assert.Contains(t, r.Reasons, "rsi_overbought:82.0")
	assert.Contains(t, r.Reasons, "price_above_vwap")
}

func candleSeries(n int, startMs int64) []chart.Candle {
	out := make([]chart.Candle, n)
	for i := range out {
		price := 1.0 + float64(i)*0.01
		out[i] = chart.Candle{
			T: startMs + int64(i)*60_000,
			O: price, H: price * 1.01, L: price * 0.99, C: price,
			V: 100,
		}
	}
	return out
}

func TestChartBlockDescribesCandleWindow(t *testing.T) {
	now := freshMs()
	repo := &fakeRepo{
		coin: &storage.CoinRecord{Mint: "M", PriceUsd: fpt(1), LastUpdated: now},
		pool: &storage.PoolRecord{Addr: "P", LiquidityUsd: fpt(5000), LastUpdated: now},
	}
	charts := &fakeCharts{candles: candleSeries(60, now-60*60_000)}
	eng := newTestEngine(t, repo, charts, true)

	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-8"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)

	snap := res.Evaluation
	require.NotNil(t, snap.Chart)
	assert.Equal(t, "ohlcv", snap.Chart.Type)
	assert.Equal(t, 60, snap.Chart.Points)
	assert.Equal(t, DefaultConfig().LookbackMs, snap.Chart.TimeTo-snap.Chart.TimeFrom)
	assert.Nil(t, snap.Chart.Candles, "raw candles are opt-in")

	require.NotNil(t, snap.Indicators)
	require.NotNil(t, snap.Indicators.VwapVolume)
	// Default vwap window is the last 48 candles at 100 volume each.
	assert.InDelta(t, 4800.0, *snap.Indicators.VwapVolume, 1e-9)
}

func TestChartCandlesAttachedWhenConfigured(t *testing.T) {
	now := freshMs()
	repo := &fakeRepo{
		coin: &storage.CoinRecord{Mint: "M", PriceUsd: fpt(1), LastUpdated: now},
		pool: &storage.PoolRecord{Addr: "P", LiquidityUsd: fpt(5000), LastUpdated: now},
	}
	charts := &fakeCharts{candles: candleSeries(10, now-10*60_000)}

	set, err := strategy.Load("")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ObserveOnly = true
	cfg.IncludeCandles = true
	eng := NewEngine(repo, charts, set, cfg)

	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-9"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation.Chart)
	assert.Len(t, res.Evaluation.Chart.Candles, 10)
}

func TestQualifyAggregatesMatchGateResults(t *testing.T) {
	repo := &fakeRepo{}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-10"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)

	q := res.Evaluation.Qualify
	require.NotNil(t, q)
	failed := 0
	for _, g := range q.Results {
		if !g.Passed {
			failed++
		}
	}
	assert.Equal(t, failed, q.FailedCount)
	worst := strategy.WorstSeverity(q.Results)
	assert.Equal(t, worst.String(), q.WorstSeverity)
	assert.Equal(t, strategy.Recommend(worst), res.Evaluation.Recommendation)
}

func TestObserveToggleAppliesLive(t *testing.T) {
	repo := &fakeRepo{}
	eng := newTestEngine(t, repo, nil, true)

	pos := &storage.PositionSummary{WalletID: 1, Mint: "M", TradeUuid: "run-11"}
	res, err := eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)
	assert.Equal(t, "hold", res.Decision)

	eng.SetObserveOnly(false)
	res, err = eng.Evaluate(context.Background(), "main", pos)
	require.NoError(t, err)
	assert.Equal(t, res.Evaluation.Recommendation, res.Decision, "execute mode follows the recommendation")
}

func TestSnapshotLookupDottedPaths(t *testing.T) {
	snap := &Snapshot{
		WarningsList: []string{"coin_stale"},
		Derived:      Derived{RoiUnrealizedPct: fpt(12.5)},
		Regime:       &Regime{Momentum: "bullish"},
	}
	view := snap.View()

	roi, ok := view.Lookup("derived.roiUnrealizedPct")
	require.True(t, ok)
	assert.Equal(t, 12.5, roi)

	mom, ok := view.Lookup("regime.momentum")
	require.True(t, ok)
	assert.Equal(t, "bullish", mom)

	_, ok = view.Lookup("regime.nothing.here")
	assert.False(t, ok)

	assert.Equal(t, []string{"coin_stale"}, view.Warnings())
}
