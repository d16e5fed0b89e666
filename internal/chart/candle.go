// Package chart fetches OHLCV candles and spot prices from the data
// endpoint and normalises them for the indicator pipeline.
package chart

import (
	"math"
	"sort"
)

// Candle is one normalised OHLCV bar. T is unix milliseconds.
type Candle struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// Normalize sorts candles ascending by time, drops bars with
// non-finite prices, and collapses duplicate timestamps keeping the
// last occurrence. Running it twice is a fixed point.
func Normalize(in []Candle) []Candle {
	out := make([]Candle, 0, len(in))
	for _, c := range in {
		if !finite(c.O) || !finite(c.H) || !finite(c.L) || !finite(c.C) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].T < out[j].T })

	dedup := out[:0]
	for _, c := range out {
		if n := len(dedup); n > 0 && dedup[n-1].T == c.T {
			dedup[n-1] = c
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

// Closes extracts the close series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.C
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
