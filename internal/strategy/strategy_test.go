package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeView is a minimal EvalView for gate tests.
type fakeView struct {
	warnings []string
	fields   map[string]interface{}
	roi      *float64
}

func (f *fakeView) Warnings() []string { return f.warnings }

func (f *fakeView) Lookup(path string) (interface{}, bool) {
	v, ok := f.fields[path]
	return v, ok
}

func (f *fakeView) ROIUnrealizedPct() *float64 { return f.roi }

func fpt(v float64) *float64 { return &v }

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityNone, SeverityWarn, SeverityTrim, SeverityDegrade, SeverityExit}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, int(order[i]), int(order[i-1]),
			"%s must rank above %s", order[i], order[i-1])
	}
	assert.Equal(t, SeverityExit, MaxSeverity(SeverityTrim, SeverityExit))
	assert.Equal(t, SeverityDegrade, MaxSeverity(SeverityDegrade, SeverityWarn))
}

func TestRecommendMapping(t *testing.T) {
	assert.Equal(t, "exit", Recommend(SeverityExit))
	assert.Equal(t, "trim", Recommend(SeverityTrim))
	assert.Equal(t, "hold", Recommend(SeverityDegrade))
	assert.Equal(t, "hold", Recommend(SeverityWarn))
	assert.Equal(t, "hold", Recommend(SeverityNone))
}

func TestLoadEmbeddedDocs(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, set.Flash)
	require.NotNil(t, set.Hybrid)
	require.NotNil(t, set.Campaign)

	tr := set.Hybrid.Trailing()
	require.NotNil(t, tr.ActivationPct)
	assert.Equal(t, 10.0, *tr.ActivationPct)
	require.NotNil(t, tr.TrailPct)
	assert.Equal(t, 8.0, *tr.TrailPct)
	require.NotNil(t, tr.HardStopLossPct)
	assert.Equal(t, 25.0, *tr.HardStopLossPct)
}

func TestUnknownGateTypeFailsClosed(t *testing.T) {
	doc := &Document{}
	doc.Qualify.Gates = []GateSpec{
		{ID: "mystery", Type: "phase_of_moon", SeverityOnFail: SeverityWarn},
	}
	results := EvaluateGates(doc, &fakeView{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "unsupported_gate_type", results[0].Reason)
	assert.Equal(t, SeverityWarn, results[0].Severity)
}

func TestWarningsForbiddenAbsent(t *testing.T) {
	spec := GateSpec{
		ID:   "fresh",
		Type: "warnings_forbidden_absent",
		Params: map[string]interface{}{
			"forbidden": []interface{}{"coin_stale", "events_stale"},
		},
		SeverityOnFail: SeverityDegrade,
	}
	doc := &Document{}
	doc.Qualify.Gates = []GateSpec{spec}

	clean := EvaluateGates(doc, &fakeView{warnings: []string{"risk_missing"}})
	assert.True(t, clean[0].Passed)

	// Interval-suffixed warnings match their prefix.
	stale := EvaluateGates(doc, &fakeView{warnings: []string{"events_stale:15m"}})
	assert.False(t, stale[0].Passed)
	assert.Equal(t, "warning_present:events_stale:15m", stale[0].Reason)
}

func TestNumberGates(t *testing.T) {
	doc := &Document{}
	doc.Qualify.Gates = []GateSpec{
		{
			ID:             "rsi-cap",
			Type:           "number_lte",
			Params:         map[string]interface{}{"path": "indicators.rsi", "max": 75.0},
			SeverityOnFail: SeverityTrim,
		},
	}

	pass := EvaluateGates(doc, &fakeView{fields: map[string]interface{}{"indicators.rsi": 62.4}})
	assert.True(t, pass[0].Passed)

	fail := EvaluateGates(doc, &fakeView{fields: map[string]interface{}{"indicators.rsi": 81.0}})
	assert.False(t, fail[0].Passed)
	assert.Equal(t, "above_bound:indicators.rsi", fail[0].Reason)

	// Missing field fails closed.
	missing := EvaluateGates(doc, &fakeView{fields: map[string]interface{}{}})
	assert.False(t, missing[0].Passed)
	assert.Equal(t, "field_missing:indicators.rsi", missing[0].Reason)
}

func TestPnlLteNilROIFailsClosed(t *testing.T) {
	doc := &Document{}
	doc.Qualify.Gates = []GateSpec{
		{
			ID:             "drawdown",
			Type:           "pnl_lte",
			Params:         map[string]interface{}{"maxPnlPct": 400.0},
			SeverityOnFail: SeverityWarn,
		},
	}

	unknown := EvaluateGates(doc, &fakeView{roi: nil})
	assert.False(t, unknown[0].Passed)
	assert.Equal(t, "roi_unknown", unknown[0].Reason)

	known := EvaluateGates(doc, &fakeView{roi: fpt(35)})
	assert.True(t, known[0].Passed)
}

func TestGateResultOrdering(t *testing.T) {
	doc := &Document{}
	doc.Qualify.Gates = []GateSpec{
		{ID: "a-pass", Type: "pnl_lte", Params: map[string]interface{}{"maxPnlPct": 100.0}, SeverityOnFail: SeverityExit},
		{ID: "b-warn", Type: "unknown_a", SeverityOnFail: SeverityWarn},
		{ID: "c-exit", Type: "unknown_b", SeverityOnFail: SeverityExit},
		{ID: "d-warn", Type: "unknown_c", SeverityOnFail: SeverityWarn},
	}
	results := EvaluateGates(doc, &fakeView{roi: fpt(10)})
	require.Len(t, results, 4)

	// Failures first, severity descending, stable within ties.
	assert.Equal(t, "c-exit", results[0].ID)
	assert.Equal(t, "b-warn", results[1].ID)
	assert.Equal(t, "d-warn", results[2].ID)
	assert.Equal(t, "a-pass", results[3].ID)
	assert.Equal(t, SeverityExit, WorstSeverity(results))
}

func TestSelectExplicitNameWins(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)

	view := &fakeView{warnings: []string{"coin_stale"}}

	sel := Select(set, "my flash runner", view)
	assert.Equal(t, "db", sel.Source)
	assert.Equal(t, NameFlash, sel.Doc.Name)

	// FLASH outranks CAMPAIGN outranks HYBRID when multiple tokens
	// appear in the stored name.
	sel = Select(set, "campaign-hybrid mix", view)
	assert.Equal(t, "db", sel.Source)
	assert.Equal(t, NameCampaign, sel.Doc.Name)

	sel = Select(set, "HYBRID scalp", view)
	assert.Equal(t, NameHybrid, sel.Doc.Name)
}

func TestSelectInfersStrictestFirst(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)

	// Clean snapshot with bullish momentum qualifies FLASH.
	clean := &fakeView{
		fields: map[string]interface{}{
			"regime.momentum": "bullish",
			"indicators.rsi":  55.0,
		},
		roi: fpt(12),
	}
	sel := Select(set, "", clean)
	assert.Equal(t, "inferred", sel.Source)
	assert.Equal(t, NameFlash, sel.Doc.Name)

	// Stale coin data knocks out FLASH, falls through to HYBRID.
	stale := &fakeView{
		warnings: []string{"coin_stale"},
		fields: map[string]interface{}{
			"regime.momentum": "bullish",
			"indicators.rsi":  55.0,
		},
		roi: fpt(12),
	}
	sel = Select(set, "", stale)
	assert.Equal(t, "inferred", sel.Source)
	assert.Equal(t, NameHybrid, sel.Doc.Name)

	// When nothing qualifies CAMPAIGN is the floor.
	broken := &fakeView{
		warnings: []string{"coin_missing", "position_missing"},
	}
	sel = Select(set, "", broken)
	assert.Equal(t, "inferred", sel.Source)
	assert.Equal(t, NameCampaign, sel.Doc.Name)
}
