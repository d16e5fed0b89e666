// Package hud defines the on-disk HUD event shapes and the terminal
// follower that renders them.
package hud

// Event is one entry in the HUD event file (tx-events.json).
type Event struct {
	Txid           string       `json:"txid,omitempty"`
	Status         string       `json:"status"`
	StatusCategory string       `json:"statusCategory"`
	StatusEmoji    string       `json:"statusEmoji,omitempty"`
	Slot           uint64       `json:"slot,omitempty"`
	TxSummary      *TxSummary   `json:"txSummary,omitempty"`
	Err            string       `json:"err,omitempty"`
	Context        EventContext `json:"context"`
	Insight        interface{}  `json:"insight,omitempty"`
	SwapQuote      interface{}  `json:"swapQuote,omitempty"`
	ObservedAt     string       `json:"observedAt"` // ISO8601
}

// TxSummary is the compact human view of a transaction.
type TxSummary struct {
	ExplorerUrl string `json:"explorerUrl,omitempty"`
	Short       string `json:"short,omitempty"`
}

// EventContext ties an event back to its origin.
type EventContext struct {
	Wallet string  `json:"wallet,omitempty"`
	Mint   string  `json:"mint,omitempty"`
	Side   string  `json:"side,omitempty"`
	Size   float64 `json:"size,omitempty"`
}

// CategoryForStatus maps a monitor status to its HUD category.
func CategoryForStatus(status string) string {
	switch status {
	case "confirmed":
		return "confirmed"
	case "failed":
		return "failed"
	case "timeout":
		return "processed"
	default:
		return "unknown"
	}
}

// EmojiForCategory decorates the HUD line.
func EmojiForCategory(category string) string {
	switch category {
	case "confirmed":
		return "✅"
	case "failed":
		return "❌"
	case "processed":
		return "⏳"
	default:
		return "ℹ️"
	}
}

// DedupeKey identifies an event for at-most-once appends.
func (e Event) DedupeKey() string {
	return e.Txid + "|" + e.ObservedAt + "|" + e.Status
}
