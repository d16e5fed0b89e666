package evaluation

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"solana-warchest/internal/chart"
)

// Indicators are the computed technicals for one snapshot. Every field
// is nil when the candle series is too short to compute it.
type Indicators struct {
	Rsi           *float64 `json:"rsi"`
	Atr           *float64 `json:"atr"`
	SlopePct      *float64 `json:"slopePctPerCandle"`
	EmaFast       *float64 `json:"emaFast"`
	EmaSlow       *float64 `json:"emaSlow"`
	Macd          *float64 `json:"macd"`
	MacdSignal    *float64 `json:"macdSignal"`
	MacdHist      *float64 `json:"macdHist"`
	Vwap          *float64 `json:"vwap"`
	VwapVolume    *float64 `json:"vwapVolume"`
	LastClose     *float64 `json:"lastClose"`
	CandleCount   int      `json:"candleCount"`
	RsiPeriod     int      `json:"rsiPeriod"`
	EmaFastPeriod int      `json:"emaFastPeriod"`
	EmaSlowPeriod int      `json:"emaSlowPeriod"`
}

// IndicatorConfig holds the periods. Zero values take the defaults.
type IndicatorConfig struct {
	RsiPeriod   int
	AtrPeriod   int
	EmaFast     int
	EmaSlow     int
	MacdSignal  int
	SlopeWindow int
	VwapPeriods int
}

func (c IndicatorConfig) withDefaults() IndicatorConfig {
	if c.RsiPeriod == 0 {
		c.RsiPeriod = 14
	}
	if c.AtrPeriod == 0 {
		c.AtrPeriod = 14
	}
	if c.EmaFast == 0 {
		c.EmaFast = 12
	}
	if c.EmaSlow == 0 {
		c.EmaSlow = 26
	}
	if c.MacdSignal == 0 {
		c.MacdSignal = 9
	}
	if c.SlopeWindow == 0 {
		c.SlopeWindow = 20
	}
	if c.VwapPeriods == 0 {
		c.VwapPeriods = 48
	}
	return c
}

// ComputeIndicators runs the technical pipeline over normalised
// candles. Series too short for a given indicator leave it nil.
func ComputeIndicators(candles []chart.Candle, cfg IndicatorConfig) Indicators {
	cfg = cfg.withDefaults()
	out := Indicators{
		CandleCount:   len(candles),
		RsiPeriod:     cfg.RsiPeriod,
		EmaFastPeriod: cfg.EmaFast,
		EmaSlowPeriod: cfg.EmaSlow,
	}
	if len(candles) == 0 {
		return out
	}

	closes := chart.Closes(candles)
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	vols := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.H
		lows[i] = c.L
		vols[i] = c.V
	}

	out.LastClose = lastFinite(closes)

	if len(closes) > cfg.RsiPeriod {
		out.Rsi = lastFinite(talib.Rsi(closes, cfg.RsiPeriod))
	}
	if len(closes) > cfg.AtrPeriod {
		out.Atr = lastFinite(talib.Atr(highs, lows, closes, cfg.AtrPeriod))
	}
	if len(closes) >= cfg.EmaFast {
		out.EmaFast = lastFinite(talib.Ema(closes, cfg.EmaFast))
	}
	if len(closes) >= cfg.EmaSlow {
		out.EmaSlow = lastFinite(talib.Ema(closes, cfg.EmaSlow))
	}
	if len(closes) >= cfg.EmaSlow+cfg.MacdSignal {
		macd, signal, hist := talib.Macd(closes, cfg.EmaFast, cfg.EmaSlow, cfg.MacdSignal)
		out.Macd = lastFinite(macd)
		out.MacdSignal = lastFinite(signal)
		out.MacdHist = lastFinite(hist)
	}

	out.SlopePct = slopePct(closes, cfg.SlopeWindow)
	out.Vwap, out.VwapVolume = vwap(candles, cfg.VwapPeriods)
	return out
}

// slopePct fits a least-squares line over the last window closes and
// returns the slope as a percentage of the last close per candle.
func slopePct(closes []float64, window int) *float64 {
	if len(closes) < 2 {
		return nil
	}
	if window > 0 && len(closes) > window {
		closes = closes[len(closes)-window:]
	}
	xs := make([]float64, len(closes))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, closes, nil, false)
	last := closes[len(closes)-1]
	if !isFinite(beta) || !isFinite(last) || last == 0 {
		return nil
	}
	pct := beta / last * 100
	return &pct
}

// vwap is typical price weighted by volume over the last periods
// candles, or the full series when periods is larger. The second
// return is the summed volume of the same window.
func vwap(candles []chart.Candle, periods int) (*float64, *float64) {
	if len(candles) == 0 {
		return nil, nil
	}
	if periods > 0 && len(candles) > periods {
		candles = candles[len(candles)-periods:]
	}
	var num, den float64
	for _, c := range candles {
		typical := (c.H + c.L + c.C) / 3
		num += typical * c.V
		den += c.V
	}
	if !isFinite(den) {
		return nil, nil
	}
	if den == 0 || !isFinite(num/den) {
		return nil, &den
	}
	v := num / den
	return &v, &den
}

// lastFinite returns a pointer to the final value of a series when it
// is finite. Warm-up zeros live at the head, so the tail is the live
// value.
func lastFinite(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if !isFinite(v) {
		return nil
	}
	return &v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
