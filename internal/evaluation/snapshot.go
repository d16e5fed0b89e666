package evaluation

import (
	"encoding/json"
	"math"
	"strings"

	"solana-warchest/internal/chart"
	"solana-warchest/internal/strategy"
)

// Snapshot is the full evaluation view for one position at one tick.
// It serialises to the persisted snapshot and the HUD payload.
type Snapshot struct {
	WalletAlias  string                 `json:"walletAlias"`
	WalletID     int64                  `json:"walletId"`
	Mint         string                 `json:"mint"`
	TradeUuid    string                 `json:"tradeUuid"`
	CreatedAt    int64                  `json:"createdAt"` // unix ms
	Position     *PositionView          `json:"position"`
	Coin         *CoinView              `json:"coin"`
	Pool         *PoolView              `json:"pool"`
	Events       map[string]*EventsView `json:"events"`
	Risk         *RiskView              `json:"risk"`
	Pnl          *PnlView               `json:"pnl"`
	WarningsList []string               `json:"warnings"`
	Derived      Derived                `json:"derived"`
	Chart        *ChartView             `json:"chart,omitempty"`
	Indicators   *Indicators            `json:"indicators,omitempty"`
	Regime       *Regime                `json:"regime,omitempty"`

	// Attached by the engine after strategy selection.
	Strategy       *StrategyView `json:"strategy,omitempty"`
	Qualify        *QualifyView  `json:"qualify,omitempty"`
	Recommendation string        `json:"recommendation,omitempty"`

	// Lazily built generic view for dotted-path gate lookups.
	generic map[string]interface{}
}

// PositionView is the position slice of the snapshot.
type PositionView struct {
	CurrentTokenAmount  *float64 `json:"currentTokenAmount"`
	EntryPriceSol       *float64 `json:"entryPriceSol"`
	EntryPriceUsd       *float64 `json:"entryPriceUsd"`
	ExpectedNotionalUsd *float64 `json:"expectedNotionalUsd"`
	StrategyName        string   `json:"strategyName"`
	OpenedAt            int64    `json:"openedAt"`
}

// CoinView is the coin slice of the snapshot.
type CoinView struct {
	Symbol       string   `json:"symbol"`
	Name         string   `json:"name"`
	PriceUsd     *float64 `json:"priceUsd"`
	PriceSol     *float64 `json:"priceSol"`
	MarketCapUsd *float64 `json:"marketCapUsd"`
	LastUpdated  int64    `json:"lastUpdated"`
}

// PoolView is the chosen pool slice of the snapshot.
type PoolView struct {
	Addr         string   `json:"addr"`
	LiquidityUsd *float64 `json:"liquidityUsd"`
	LastUpdated  int64    `json:"lastUpdated"`
}

// EventsView is one interval's aggregate activity.
type EventsView struct {
	Buys           int64    `json:"buys"`
	Sells          int64    `json:"sells"`
	VolumeUsd      *float64 `json:"volumeUsd"`
	PriceChangePct *float64 `json:"priceChangePct"`
	LastUpdated    int64    `json:"lastUpdated"`
}

// RiskView is the risk slice of the snapshot.
type RiskView struct {
	Score       *float64 `json:"score"`
	Flags       []string `json:"flags"`
	LastUpdated int64    `json:"lastUpdated"`
}

// PnlView is the pnl slice of the snapshot.
type PnlView struct {
	RealizedUsd         *float64 `json:"realizedUsd"`
	UnrealizedUsd       *float64 `json:"unrealizedUsd"`
	AvgCostUsd          *float64 `json:"avgCostUsd"`
	PositionTokenAmount *float64 `json:"positionTokenAmount"`
	LastUpdated         int64    `json:"lastUpdated"`
}

// Derived holds the computed position economics. Nil means undefined,
// never zero.
type Derived struct {
	PositionValueUsd         *float64 `json:"positionValueUsd"`
	CostBasisUsd             *float64 `json:"costBasisUsd"`
	RoiUnrealizedPct         *float64 `json:"roiUnrealizedPct"`
	RoiTotalPct              *float64 `json:"roiTotalPct"`
	LiquidityToPositionRatio *float64 `json:"liquidityToPositionRatio"`
}

// ChartView describes the candle series the indicators were computed
// from. Candles are attached only when the engine is asked to carry
// them; the window bounds and point count always are.
type ChartView struct {
	Type     string         `json:"type"`
	Points   int            `json:"points"`
	TimeFrom int64          `json:"timeFrom"` // unix ms
	TimeTo   int64          `json:"timeTo"`   // unix ms
	Candles  []chart.Candle `json:"candles,omitempty"`
}

// QualifyView aggregates one tick's gate outcomes.
type QualifyView struct {
	WorstSeverity string                `json:"worstSeverity"`
	FailedCount   int                   `json:"failedCount"`
	Results       []strategy.GateResult `json:"results"`
}

// StrategyView records which strategy document was applied and how it
// was chosen.
type StrategyView struct {
	Name   string `json:"name"`
	ID     string `json:"strategyId"`
	Source string `json:"source"` // "db" | "inferred"
}

// View adapts the snapshot to the gate evaluator's interface. The
// adapter keeps the field names on Snapshot free for JSON.
func (s *Snapshot) View() strategy.EvalView { return snapshotView{s} }

type snapshotView struct{ s *Snapshot }

func (v snapshotView) Warnings() []string { return v.s.WarningsList }

func (v snapshotView) ROIUnrealizedPct() *float64 {
	roi := v.s.Derived.RoiUnrealizedPct
	if roi == nil || math.IsNaN(*roi) || math.IsInf(*roi, 0) {
		return nil
	}
	return roi
}

// Lookup resolves a dotted path ("derived.roiUnrealizedPct") against
// the JSON form of the snapshot.
func (v snapshotView) Lookup(path string) (interface{}, bool) {
	s := v.s
	if s.generic == nil {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, false
		}
		if err := json.Unmarshal(raw, &s.generic); err != nil {
			return nil, false
		}
	}

	var cur interface{} = s.generic
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
