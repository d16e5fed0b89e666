package hud

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

var (
	colorBg      = lipgloss.Color("#0f1c2e")
	colorBorder  = lipgloss.Color("#2e7de9")
	colorText    = lipgloss.Color("#a9b1d6")
	colorActive  = lipgloss.Color("#7aa2f7")
	colorSuccess = lipgloss.Color("#73daca")
	colorWarning = lipgloss.Color("#ff9e64")
	colorError   = lipgloss.Color("#f7768e")

	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorActive)
	styleDim    = lipgloss.NewStyle().Foreground(colorText)
	styleOK     = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarning)
	styleErr    = lipgloss.NewStyle().Foreground(colorError)
	styleFrame  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Background(colorBg).
			Padding(0, 1)
)

type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// tickMsg drives the render loop.
type tickMsg time.Time

// refreshMsg carries freshly read files.
type refreshMsg struct {
	events []Event
	status map[string]interface{}
}

// Model is the bubbletea model for the HUD follower.
type Model struct {
	follower *Follower
	events   []Event
	status   map[string]interface{}
	width    int
	height   int
	maxTx    int
	interval time.Duration
}

// NewModel builds the HUD model over a follower.
func NewModel(follower *Follower, maxTx int, renderInterval time.Duration) Model {
	if maxTx <= 0 {
		maxTx = 10
	}
	if renderInterval <= 0 {
		renderInterval = 250 * time.Millisecond
	}
	return Model{follower: follower, maxTx: maxTx, interval: renderInterval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Msg {
	events, status := m.follower.Read()
	return refreshMsg{events: events, status: status}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tea.Batch(m.refresh, m.tick())
	case refreshMsg:
		m.events = msg.events
		m.status = msg.status
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(styleHeader.Render("⚔️  WARCHEST"))
	b.WriteString("  ")
	b.WriteString(styleDim.Render(time.Now().Format("15:04:05")))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderEvents())
	b.WriteString("\n")
	b.WriteString(styleDim.Render("[q] quit"))

	return styleFrame.Render(b.String())
}

func (m Model) renderStatus() string {
	if m.status == nil {
		return styleDim.Render("status: waiting for daemon…")
	}
	health, _ := m.status["health"].(map[string]interface{})
	if health == nil {
		return styleDim.Render("status: no health block")
	}

	parts := []string{}
	if ws, ok := health["ws"].(map[string]interface{}); ok {
		if connected, _ := ws["connected"].(bool); connected {
			parts = append(parts, styleOK.Render("ws ✓"))
		} else {
			parts = append(parts, styleWarn.Render("ws ✗"))
		}
	}
	if rpc, ok := health["rpcStats"].(map[string]interface{}); ok {
		if open, _ := rpc["circuitOpen"].(bool); open {
			parts = append(parts, styleErr.Render("rpc circuit open"))
		} else {
			parts = append(parts, styleOK.Render("rpc ✓"))
		}
	}
	if proc, ok := health["process"].(map[string]interface{}); ok {
		if up, ok := proc["uptimeSec"].(float64); ok {
			parts = append(parts, styleDim.Render(fmt.Sprintf("up %s", (time.Duration(up)*time.Second).String())))
		}
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return styleDim.Render("no transactions yet")
	}

	var b strings.Builder
	shown := m.events
	if len(shown) > m.maxTx {
		shown = shown[:m.maxTx]
	}
	for _, ev := range shown {
		b.WriteString(renderEventLine(ev, m.width))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEventLine(ev Event, width int) string {
	style := styleDim
	switch ev.StatusCategory {
	case "confirmed":
		style = styleOK
	case "failed":
		style = styleErr
	case "processed":
		style = styleWarn
	}

	label := ev.Status
	if ev.Txid != "" {
		label = fmt.Sprintf("%s %s", ev.Status, shortID(ev.Txid))
	}
	line := fmt.Sprintf("%s %s", ev.StatusEmoji, label)
	if ev.Context.Mint != "" {
		line += styleDim.Render("  " + shortID(ev.Context.Mint))
	}
	if ev.Err != "" {
		line += styleErr.Render("  " + ev.Err)
	}
	if width > 4 && runewidth.StringWidth(line) > width-4 {
		line = runewidth.Truncate(line, width-4, "…")
	}
	return style.Render(line)
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:4] + "…" + id[len(id)-4:]
}
