package strategy

import "strings"

// Selection is the chosen document plus how it was chosen. Source is
// "db" when the position named its strategy, "inferred" when the
// qualify gates picked it.
type Selection struct {
	Doc     *Document
	Source  string
	Results []GateResult
}

// Select picks the strategy for a position. An explicit strategy name
// from the store wins: the first of FLASH, CAMPAIGN, HYBRID whose token
// appears in the name (case-insensitive) is used as-is. Otherwise the
// documents qualify strictest first (FLASH, HYBRID, CAMPAIGN) and the
// first whose gates all pass is inferred; when none qualifies,
// CAMPAIGN is the floor.
func Select(set *Set, storedName string, view EvalView) Selection {
	upper := strings.ToUpper(storedName)
	for _, name := range []string{NameFlash, NameCampaign, NameHybrid} {
		if strings.Contains(upper, name) {
			doc := set.ByName(name)
			return Selection{
				Doc:     doc,
				Source:  "db",
				Results: EvaluateGates(doc, view),
			}
		}
	}

	for _, doc := range []*Document{set.Flash, set.Hybrid, set.Campaign} {
		results := EvaluateGates(doc, view)
		if AllPassed(results) {
			return Selection{Doc: doc, Source: "inferred", Results: results}
		}
	}
	return Selection{
		Doc:     set.Campaign,
		Source:  "inferred",
		Results: EvaluateGates(set.Campaign, view),
	}
}
