package evaluation

import "fmt"

// Regime classifies the market state from the indicators.
type Regime struct {
	Trend    string   `json:"trend"`    // up | down | flat | unknown
	Momentum string   `json:"momentum"` // bullish | bearish | neutral | unknown
	Status   string   `json:"status"`   // trend_up | trend_down | bias_up | bias_down | chop
	Reasons  []string `json:"reasons"`
}

// emaFlatBandPct treats fast/slow EMA within this band as flat.
const emaFlatBandPct = 0.1

// ClassifyRegime derives trend, momentum and the combined status.
func ClassifyRegime(ind Indicators) Regime {
	r := Regime{Trend: "unknown", Momentum: "unknown", Reasons: []string{}}

	if ind.EmaFast != nil && ind.EmaSlow != nil && *ind.EmaSlow != 0 {
		spreadPct := (*ind.EmaFast - *ind.EmaSlow) / *ind.EmaSlow * 100
		switch {
		case spreadPct > emaFlatBandPct:
			r.Trend = "up"
		case spreadPct < -emaFlatBandPct:
			r.Trend = "down"
		default:
			r.Trend = "flat"
		}
	}

	if ind.MacdHist != nil {
		switch {
		case *ind.MacdHist > 0:
			r.Momentum = "bullish"
		case *ind.MacdHist < 0:
			r.Momentum = "bearish"
		default:
			r.Momentum = "neutral"
		}
	}

	if ind.Rsi != nil {
		switch {
		case *ind.Rsi >= 70:
			r.Reasons = append(r.Reasons, fmt.Sprintf("rsi_overbought:%.1f", *ind.Rsi))
		case *ind.Rsi <= 30:
			r.Reasons = append(r.Reasons, fmt.Sprintf("rsi_oversold:%.1f", *ind.Rsi))
		}
	}
	if ind.Vwap != nil && ind.LastClose != nil {
		if *ind.LastClose > *ind.Vwap {
			r.Reasons = append(r.Reasons, "price_above_vwap")
		} else if *ind.LastClose < *ind.Vwap {
			r.Reasons = append(r.Reasons, "price_below_vwap")
		}
	}
	if ind.Atr != nil && ind.LastClose != nil && *ind.LastClose != 0 {
		r.Reasons = append(r.Reasons, fmt.Sprintf("atr_pct:%.2f", *ind.Atr / *ind.LastClose*100))
	}

	r.Status = regimeStatus(r.Trend, r.Momentum)
	return r
}

func regimeStatus(trend, momentum string) string {
	switch {
	case trend == "up" && momentum == "bullish":
		return "trend_up"
	case trend == "down" && momentum == "bearish":
		return "trend_down"
	case trend == "up" && momentum != "bearish":
		return "bias_up"
	case trend == "down" && momentum != "bullish":
		return "bias_down"
	default:
		return "chop"
	}
}
