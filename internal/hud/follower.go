package hud

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
)

// Follower tails the daemon's event and status files. It never writes;
// the daemon owns both files.
type Follower struct {
	eventsPath string
	statusPath string

	mu         sync.Mutex
	lastGood   []Event
	lastStatus map[string]interface{}
}

// NewFollower points a follower at the daemon's output files.
func NewFollower(eventsPath, statusPath string) *Follower {
	return &Follower{eventsPath: eventsPath, statusPath: statusPath}
}

// Read returns the current events (newest first) and status document.
// Unreadable files return the last good copy.
func (f *Follower) Read() ([]Event, map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if raw, err := os.ReadFile(f.eventsPath); err == nil {
		var events []Event
		if err := json.Unmarshal(raw, &events); err == nil {
			f.lastGood = events
		}
	}
	if raw, err := os.ReadFile(f.statusPath); err == nil {
		var status map[string]interface{}
		if err := json.Unmarshal(raw, &status); err == nil {
			f.lastStatus = status
		}
	}
	return f.lastGood, f.lastStatus
}

// Run starts the terminal renderer and blocks until quit.
func Run(follower *Follower, maxTx int, renderIntervalMs int) error {
	model := NewModel(follower, maxTx, time.Duration(renderIntervalMs)*time.Millisecond)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Error().Err(err).Msg("hud renderer failed")
		return err
	}
	return nil
}
