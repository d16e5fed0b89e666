package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// EvalView is what a gate can see of an evaluation snapshot. The
// evaluation package implements it; keeping gates behind this interface
// keeps the decision engine pure.
type EvalView interface {
	// Warnings returns the snapshot's data-quality warnings.
	Warnings() []string
	// Lookup resolves a dotted field path ("derived.roiUnrealizedPct")
	// against the snapshot. The bool reports whether the path exists.
	Lookup(path string) (interface{}, bool)
	// ROIUnrealizedPct is nil when cost basis is unknown.
	ROIUnrealizedPct() *float64
}

// GateResult is the outcome of one gate against one snapshot.
type GateResult struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
}

// EvaluateGates runs every gate in the document against the view.
// Unknown gate types fail closed. Results are ordered failures first,
// then by severity descending; ties keep document order.
func EvaluateGates(doc *Document, view EvalView) []GateResult {
	results := make([]GateResult, 0, len(doc.Qualify.Gates))
	for _, spec := range doc.Qualify.Gates {
		results = append(results, evalGate(spec, view))
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Passed != results[j].Passed {
			return !results[i].Passed
		}
		return results[i].Severity > results[j].Severity
	})
	return results
}

// WorstSeverity aggregates the failed gates' severities.
func WorstSeverity(results []GateResult) Severity {
	worst := SeverityNone
	for _, r := range results {
		if !r.Passed {
			worst = MaxSeverity(worst, r.Severity)
		}
	}
	return worst
}

// AllPassed reports whether no gate failed.
func AllPassed(results []GateResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func evalGate(spec GateSpec, view EvalView) GateResult {
	res := GateResult{ID: spec.ID, Type: spec.Type, Severity: spec.SeverityOnFail}

	switch spec.Type {
	case "warnings_forbidden_absent":
		res.Passed, res.Reason = gateWarningsForbiddenAbsent(spec.Params, view)
	case "warnings_contains_any":
		res.Passed, res.Reason = gateWarningsContainsAny(spec.Params, view)
	case "field_equals":
		res.Passed, res.Reason = gateFieldEquals(spec.Params, view)
	case "number_lte":
		res.Passed, res.Reason = gateNumberCompare(spec.Params, view, true)
	case "number_gte":
		res.Passed, res.Reason = gateNumberCompare(spec.Params, view, false)
	case "pnl_lte":
		res.Passed, res.Reason = gatePnlLte(spec.Params, view)
	default:
		res.Passed = false
		res.Reason = "unsupported_gate_type"
	}
	return res
}

// gateWarningsForbiddenAbsent passes when none of the forbidden warning
// prefixes appears in the snapshot warnings.
func gateWarningsForbiddenAbsent(params map[string]interface{}, view EvalView) (bool, string) {
	forbidden := stringList(params["forbidden"])
	if len(forbidden) == 0 {
		return false, "missing_params"
	}
	if hit := firstListed(view.Warnings(), forbidden); hit != "" {
		return false, fmt.Sprintf("warning_present:%s", hit)
	}
	return true, ""
}

// gateWarningsContainsAny fails when any of the listed warnings is
// present.
func gateWarningsContainsAny(params map[string]interface{}, view EvalView) (bool, string) {
	anyOf := stringList(params["anyOf"])
	if len(anyOf) == 0 {
		return false, "missing_params"
	}
	if hit := firstListed(view.Warnings(), anyOf); hit != "" {
		return false, fmt.Sprintf("warning_present:%s", hit)
	}
	return true, ""
}

// firstListed returns the first warning matching an entry in list,
// either exactly or as a "prefix:" match so events_stale covers
// events_stale:15m.
func firstListed(warnings, list []string) string {
	for _, w := range warnings {
		for _, item := range list {
			if w == item || strings.HasPrefix(w, item+":") {
				return w
			}
		}
	}
	return ""
}

func gateFieldEquals(params map[string]interface{}, view EvalView) (bool, string) {
	path, _ := params["path"].(string)
	if path == "" {
		return false, "missing_params"
	}
	want, ok := params["value"]
	if !ok {
		return false, "missing_params"
	}
	got, found := view.Lookup(path)
	if !found {
		return false, fmt.Sprintf("field_missing:%s", path)
	}
	if !looseEqual(got, want) {
		return false, fmt.Sprintf("field_mismatch:%s", path)
	}
	return true, ""
}

func gateNumberCompare(params map[string]interface{}, view EvalView, lte bool) (bool, string) {
	path, _ := params["path"].(string)
	if path == "" {
		return false, "missing_params"
	}
	boundKey := "max"
	if !lte {
		boundKey = "min"
	}
	bound, ok := toFloat(params[boundKey])
	if !ok {
		return false, "missing_params"
	}
	raw, found := view.Lookup(path)
	if !found || raw == nil {
		return false, fmt.Sprintf("field_missing:%s", path)
	}
	val, ok := toFloat(raw)
	if !ok || math.IsNaN(val) || math.IsInf(val, 0) {
		return false, fmt.Sprintf("not_a_number:%s", path)
	}
	if lte {
		if val <= bound {
			return true, ""
		}
		return false, fmt.Sprintf("above_bound:%s", path)
	}
	if val >= bound {
		return true, ""
	}
	return false, fmt.Sprintf("below_bound:%s", path)
}

// gatePnlLte compares unrealized ROI against a bound. A nil ROI (no
// cost basis) fails closed.
func gatePnlLte(params map[string]interface{}, view EvalView) (bool, string) {
	bound, ok := toFloat(params["maxPnlPct"])
	if !ok {
		return false, "missing_params"
	}
	roi := view.ROIUnrealizedPct()
	if roi == nil {
		return false, "roi_unknown"
	}
	if *roi <= bound {
		return true, ""
	}
	return false, "above_bound:roiUnrealizedPct"
}

// looseEqual compares JSON-decoded values, normalizing numerics to
// float64 so 1 == 1.0 and ints decoded from config match.
func looseEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
