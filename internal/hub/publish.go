package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-warchest/internal/hud"
)

// MaxHudEvents caps the on-disk HUD event file.
const MaxHudEvents = 50

// Publisher writes the status snapshot and the HUD event stream.
// Writers from any goroutine are serialised so the on-disk files are
// always complete documents.
type Publisher struct {
	statusPath string
	eventsPath string

	mu sync.Mutex
}

// NewPublisher creates a publisher rooted at dir, writing status.json
// and tx-events.json.
func NewPublisher(dir string) *Publisher {
	return &Publisher{
		statusPath: filepath.Join(dir, "status.json"),
		eventsPath: filepath.Join(dir, "tx-events.json"),
	}
}

// EventsPath exposes the HUD event file location for the follower.
func (p *Publisher) EventsPath() string { return p.eventsPath }

// StatusPath exposes the status snapshot location.
func (p *Publisher) StatusPath() string { return p.statusPath }

// PublishStatus atomically writes the status snapshot. Best-effort:
// failures are logged and swallowed.
func (p *Publisher) PublishStatus(health interface{}) {
	doc := map[string]interface{}{
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
		"health":    health,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := writeAtomic(p.statusPath, doc); err != nil {
		log.Warn().Err(err).Msg("status publish failed")
	}
}

// PublishHudEvent prepends an event to the HUD file, deduplicating and
// trimming to MaxHudEvents newest-first. Best-effort.
func (p *Publisher) PublishHudEvent(ev hud.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	events := p.readEventsLocked()
	key := ev.DedupeKey()
	for _, existing := range events {
		if existing.DedupeKey() == key {
			return
		}
	}

	events = append([]hud.Event{ev}, events...)
	if len(events) > MaxHudEvents {
		events = events[:MaxHudEvents]
	}
	if err := writeAtomic(p.eventsPath, events); err != nil {
		log.Warn().Err(err).Str("txid", ev.Txid).Msg("hud event publish failed")
	}
}

func (p *Publisher) readEventsLocked() []hud.Event {
	raw, err := os.ReadFile(p.eventsPath)
	if err != nil {
		return nil
	}
	var events []hud.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		log.Warn().Err(err).Msg("hud event file unreadable, resetting")
		return nil
	}
	return events
}

// writeAtomic writes v as JSON via tmp file + rename so readers never
// observe a torn document.
func writeAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
