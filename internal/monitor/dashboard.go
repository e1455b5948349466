package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30

	// rows used by everything above the trace viewport
	chromeHeight = 16
)

// Model is the BubbleTea view of one running session.
type Model struct {
	sessionID string
	events    <-chan orchestrator.Event
	maxSteps  int
	now       func() time.Time

	started   time.Time
	lastEvent time.Time

	node      string
	turn      int
	steps     int
	trace     []string
	hits      map[string]int
	stepTimes []float64
	done      bool
	failure   string
	closed    bool
	quitting  bool

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model
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

// NewModel creates a view that consumes events until the channel closes.
// maxSteps scales the progress bar; zero hides it.
func NewModel(sessionID string, events <-chan orchestrator.Event, maxSteps int) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(warningStyle))
	prog := progress.New(
		progress.WithGradient("#00ffff", "#ff00ff"),
		progress.WithWidth(40),
	)
	now := time.Now
	return Model{
		sessionID: sessionID,
		events:    events,
		maxSteps:  maxSteps,
		now:       now,
		started:   now(),
		hits:      map[string]int{},
		stepTimes: make([]float64, 0, historySize),
		spinner:   sp,
		progress:  prog,
		viewport:  viewport.New(80, 12),
	}
}

// Run shows the view until the user quits or ctx is cancelled. The
// program keeps running after the session ends so the trace stays readable.
func Run(ctx context.Context, m Model, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	_, err := tea.NewProgram(m, opts...).Run()
	return err
}

// Message types
type eventMsg orchestrator.Event
type closedMsg struct{}

// waitForEvent blocks on the next session event.
func waitForEvent(events <-chan orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
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

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.viewport.Width = max(20, msg.Width-6)
		m.viewport.Height = max(3, msg.Height-chromeHeight)
		m.viewport.SetContent(strings.Join(m.trace, ""))
		m.viewport.GotoBottom()
		return m, nil

	case eventMsg:
		m = m.apply(orchestrator.Event(msg))
		return m, waitForEvent(m.events)

	case closedMsg:
		m.closed = true
		return m, nil

	case spinner.TickMsg:
		if m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds one event into the view state.
func (m Model) apply(ev orchestrator.Event) Model {
	at := m.now()
	since := m.lastEvent
	if since.IsZero() {
		since = m.started
	}
	m.stepTimes = appendToHistory(m.stepTimes, at.Sub(since).Seconds())
	m.lastEvent = at

	if ev.SessionID != "" {
		m.sessionID = ev.SessionID
	}
	m.node = ev.Node
	m.turn = ev.Turn
	m.steps++

	hits := make(map[string]int, len(m.hits)+1)
	for k, v := range m.hits {
		hits[k] = v
	}
	hits[ev.Node]++
	m.hits = hits

	m.trace = append(append([]string(nil), m.trace...), ev.DeltaTrace...)
	if ev.Done {
		m.done = true
	}
	if ev.Err != "" {
		m.failure = ev.Err
	}

	m.viewport.SetContent(strings.Join(m.trace, ""))
	m.viewport.GotoBottom()
	return m
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string

	elapsed := m.now().Sub(m.started)
	if m.closed && !m.lastEvent.IsZero() {
		elapsed = m.lastEvent.Sub(m.started)
	}

	header := headerStyle.Render(" devcrew session ")
	content += header + " " + valueStyle.Render(m.sessionID) + "\n"
	content += m.statusBadge() + "   " +
		dimStyle.Render("Elapsed:") + " " + valueStyle.Render(FormatDuration(elapsed)) + "\n"

	// Progress section
	content += "\n" + sectionStyle.Render("┃ Progress") + "\n"
	node := m.node
	if node == "" {
		node = "waiting"
	}
	content += labelStyle.Render("  Node: ") + valueStyle.Render(node) +
		"   " + labelStyle.Render("Turn: ") + valueStyle.Render(fmt.Sprintf("%d", m.turn)) + "\n"

	if m.maxSteps > 0 {
		ratio := float64(m.steps) / float64(m.maxSteps)
		if ratio > 1.0 {
			ratio = 1.0
		}
		content += labelStyle.Render("  Steps: ") +
			m.progress.ViewAs(ratio) +
			" " + dimStyle.Render(fmt.Sprintf("%d/%d", m.steps, m.maxSteps)) + "\n"
	}

	last := 0.0
	if n := len(m.stepTimes); n > 0 {
		last = m.stepTimes[n-1]
	}
	content += labelStyle.Render("  Step time: ") +
		valueStyle.Render(FormatSeconds(last)) +
		"   " + createSparkline(m.stepTimes) + "\n"

	// Node hits
	content += "\n" + sectionStyle.Render("┃ Nodes") + "\n"
	content += "  " + m.renderHits() + "\n"

	// Trace
	content += "\n" + sectionStyle.Render("┃ Trace") + "\n"
	content += m.viewport.View() + "\n"

	if m.failure != "" {
		content += errorStyle.Render("  "+m.failure) + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[↑/↓]") + footerStyle.Render(" scroll  ")
	if m.closed {
		footer += footerStyle.Render("stream closed")
	}
	content += "\n" + footer

	return containerStyle.Render(content)
}

func (m Model) statusBadge() string {
	switch {
	case m.failure != "":
		return errorStyle.Render("✗ FAILED")
	case m.done:
		return healthyStyle.Render("✓ DONE")
	case m.closed:
		return warningStyle.Render("⚠ STOPPED")
	}
	return m.spinner.View() + warningStyle.Render(" RUNNING")
}

func (m Model) renderHits() string {
	if len(m.hits) == 0 {
		return dimStyle.Render("no nodes yet")
	}
	names := make([]string, 0, len(m.hits))
	for name := range m.hits {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, labelStyle.Render(name)+" "+valueStyle.Render(fmt.Sprintf("×%d", m.hits[name])))
	}
	return strings.Join(parts, "  ")
}
