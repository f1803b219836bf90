package monitor

import (
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/store"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model is the live dashboard for a result store.
type Model struct {
	storePath  string
	switches   evaluation.Switches
	interval   time.Duration
	changes    <-chan struct{}
	lastUpdate time.Time
	summary    Summary
	loaded     bool
	err        error
	quitting   bool

	// Passed count per refresh, for the sparkline
	passedHistory []float64

	resolved progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard that reloads storePath every interval and
// whenever changes delivers. changes may be nil.
func NewModel(storePath string, sw evaluation.Switches, interval time.Duration, changes <-chan struct{}) Model {
	return Model{
		storePath:     storePath,
		switches:      sw,
		interval:      interval,
		changes:       changes,
		passedHistory: make([]float64, 0, historySize),
		resolved:      newResolvedBar(),
	}
}

// Message types
type tickMsg time.Time
type changeMsg struct{}
type summaryMsg Summary
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		loadSummary(m.storePath, m.switches),
		waitForChange(m.changes),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		return nil
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// loadSummary reads and summarises the store
func loadSummary(path string, sw evaluation.Switches) tea.Cmd {
	return func() tea.Msg {
		entries, err := store.Read(path)
		if err != nil {
			return errMsg(err)
		}
		return summaryMsg(Summarize(entries, sw))
	}
}

// waitForChange blocks until the follower reports a store change
func waitForChange(changes <-chan struct{}) tea.Cmd {
	if changes == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return changeMsg{}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, loadSummary(m.storePath, m.switches)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			loadSummary(m.storePath, m.switches),
		)

	case changeMsg:
		return m, tea.Batch(
			loadSummary(m.storePath, m.switches),
			waitForChange(m.changes),
		)

	case summaryMsg:
		m.summary = Summary(msg)
		m.passedHistory = appendToHistory(m.passedHistory, float64(m.summary.Counts[StatePassed]))
		m.lastUpdate = time.Now()
		m.loaded = true
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	lastUpdate := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}

	content := headerStyle.Render(" refine monitor ") + "   " +
		dimStyle.Render(m.storePath) + "   " + dimStyle.Render(lastUpdate) + "\n"

	switch {
	case m.err != nil:
		content += "\n" + errorStyle.Render("⚠ Cannot read result store") + "\n"
		content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	case !m.loaded:
		content += "\n" + dimStyle.Render("loading...") + "\n"
	default:
		content += renderSummary(m.summary, m.resolved)
		content += "\n" + labelStyle.Render("Passed over time: ") + createSparkline(m.passedHistory) + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ")
	if m.interval > 0 {
		footer += footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	}
	content += "\n" + footer

	return containerStyle.Render(content)
}
