// Package strategy holds the versioned strategy documents and the pure
// decision engine that evaluates them against evaluation snapshots.
package strategy

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

//go:embed docs/*.json
var embeddedDocs embed.FS

// Strategy names. Selection priority when a position names its strategy
// is FLASH, CAMPAIGN, HYBRID; qualify fallback order is strictest first
// (FLASH, HYBRID, CAMPAIGN).
const (
	NameFlash    = "FLASH"
	NameHybrid   = "HYBRID"
	NameCampaign = "CAMPAIGN"
)

// GateSpec is one qualify gate from a strategy document.
type GateSpec struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Params         map[string]interface{} `json:"params"`
	SeverityOnFail Severity               `json:"severityOnFail"`
}

// Defaults carries per-strategy management knobs, including the
// trailing-stop configuration. Nil fields fall back to package
// constants in the controller.
type Defaults struct {
	ActivationPct       *float64 `json:"activationPct,omitempty"`
	TrailPct            *float64 `json:"trailPct,omitempty"`
	PollMs              *int     `json:"pollMs,omitempty"`
	BreachConfirmations *int     `json:"breachConfirmations,omitempty"`
	ActionDebounceMs    *int64   `json:"actionDebounceMs,omitempty"`
	HardStopLossPct     *float64 `json:"hardStopLossPct,omitempty"`
	AllowTrim           *bool    `json:"allowTrim,omitempty"`
	TrimPct             *float64 `json:"trimPct,omitempty"`
	DecisionDebounceMs  *int64   `json:"decisionDebounceMs,omitempty"`
}

// Document is a versioned strategy document, loaded once per process.
type Document struct {
	SchemaVersion int      `json:"schemaVersion"`
	StrategyID    string   `json:"strategyId"`
	Name          string   `json:"name"`
	Defaults      Defaults `json:"defaults"`
	// "manage" is the legacy key for the same block; defaults wins.
	Manage  *Defaults `json:"manage,omitempty"`
	Qualify struct {
		Gates []GateSpec `json:"gates"`
	} `json:"qualify"`
}

// Trailing resolves the trailing-stop block: defaults wins over manage.
func (d *Document) Trailing() Defaults {
	out := d.Defaults
	if d.Manage == nil {
		return out
	}
	m := *d.Manage
	if out.ActivationPct == nil {
		out.ActivationPct = m.ActivationPct
	}
	if out.TrailPct == nil {
		out.TrailPct = m.TrailPct
	}
	if out.PollMs == nil {
		out.PollMs = m.PollMs
	}
	if out.BreachConfirmations == nil {
		out.BreachConfirmations = m.BreachConfirmations
	}
	if out.ActionDebounceMs == nil {
		out.ActionDebounceMs = m.ActionDebounceMs
	}
	if out.HardStopLossPct == nil {
		out.HardStopLossPct = m.HardStopLossPct
	}
	if out.AllowTrim == nil {
		out.AllowTrim = m.AllowTrim
	}
	if out.TrimPct == nil {
		out.TrimPct = m.TrimPct
	}
	if out.DecisionDebounceMs == nil {
		out.DecisionDebounceMs = m.DecisionDebounceMs
	}
	return out
}

// Set holds the three documents the engine selects from.
type Set struct {
	Flash    *Document
	Hybrid   *Document
	Campaign *Document
}

// ByName returns the document matching a canonical name.
func (s *Set) ByName(name string) *Document {
	switch name {
	case NameFlash:
		return s.Flash
	case NameHybrid:
		return s.Hybrid
	case NameCampaign:
		return s.Campaign
	default:
		return nil
	}
}

// Load reads the three strategy documents. When dir is non-empty the
// files <dir>/{flash,hybrid,campaign}.json override the embedded
// defaults. Validation failures are fatal at startup.
func Load(dir string) (*Set, error) {
	set := &Set{}
	for _, name := range []string{NameFlash, NameHybrid, NameCampaign} {
		doc, err := loadDoc(dir, name)
		if err != nil {
			return nil, err
		}
		switch name {
		case NameFlash:
			set.Flash = doc
		case NameHybrid:
			set.Hybrid = doc
		case NameCampaign:
			set.Campaign = doc
		}
	}
	log.Info().
		Str("flash", set.Flash.StrategyID).
		Str("hybrid", set.Hybrid.StrategyID).
		Str("campaign", set.Campaign.StrategyID).
		Msg("strategy documents loaded")
	return set, nil
}

func loadDoc(dir, name string) (*Document, error) {
	file := strings.ToLower(name) + ".json"

	var data []byte
	var err error
	if dir != "" {
		data, err = os.ReadFile(filepath.Join(dir, file))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read strategy %s: %w", file, err)
		}
	}
	if data == nil {
		data, err = embeddedDocs.ReadFile("docs/" + file)
		if err != nil {
			return nil, fmt.Errorf("embedded strategy %s: %w", file, err)
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse strategy %s: %w", file, err)
	}
	if err := validate(&doc, name); err != nil {
		return nil, err
	}
	return &doc, nil
}

func validate(doc *Document, wantName string) error {
	if doc.SchemaVersion != 1 {
		return fmt.Errorf("strategy %s: unsupported schemaVersion %d", wantName, doc.SchemaVersion)
	}
	if doc.StrategyID == "" {
		return fmt.Errorf("strategy %s: missing strategyId", wantName)
	}
	if !strings.EqualFold(doc.Name, wantName) {
		return fmt.Errorf("strategy %s: document is named %q", wantName, doc.Name)
	}
	seen := make(map[string]bool, len(doc.Qualify.Gates))
	for i, g := range doc.Qualify.Gates {
		if g.ID == "" || g.Type == "" {
			return fmt.Errorf("strategy %s: gate %d missing id or type", wantName, i)
		}
		if seen[g.ID] {
			return fmt.Errorf("strategy %s: duplicate gate id %q", wantName, g.ID)
		}
		seen[g.ID] = true
	}
	return nil
}
