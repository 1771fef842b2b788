package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nzilbb/jsendpraat/router"
	"github.com/nzilbb/jsendpraat/types"
)

// DefaultRefreshInterval is how often the status view polls.
const DefaultRefreshInterval = time.Second

const fetchTimeout = 2 * time.Second

type statusMsg struct {
	status router.Status
	err    error
	at     time.Time
}

type tickMsg time.Time

// StatusModel is a Bubble Tea model for the live status view.
type StatusModel struct {
	source   StatusSource
	interval time.Duration
	spinner  spinner.Model

	status  *router.Status
	err     error
	fetched time.Time

	width    int
	height   int
	quitting bool
}

// NewStatusModel creates a status model polling source every interval.
func NewStatusModel(source StatusSource, interval time.Duration) StatusModel {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = waitStyle
	return StatusModel{source: source, interval: interval, spinner: s}
}

func (m StatusModel) fetch() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		status, err := source(ctx)
		return statusMsg{status: status, err: err, at: time.Now()}
	}
}

func (m StatusModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.spinner.Tick)
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetch()
		}

	case statusMsg:
		m.fetched = msg.at
		m.err = msg.err
		if msg.err == nil {
			status := msg.status
			m.status = &status
		}
		return m, m.tick()

	case tickMsg:
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headingStyle.Render("jsendpraat bridge"))
	b.WriteString("\n")

	switch {
	case m.status == nil && m.err == nil:
		b.WriteString(m.spinner.View() + " connecting to bridge...")
	case m.status == nil:
		b.WriteString(faultStyle.Render("bridge unreachable: " + m.err.Error()))
	default:
		b.WriteString(renderStatus(*m.status, m.spinner.View()))
		if m.err != nil {
			b.WriteString("\n" + faultStyle.Render("last refresh failed: "+m.err.Error()))
		}
	}

	help := hintStyle.Render(fmt.Sprintf("Updated %s  ·  r refresh  ·  q quit", m.fetched.Format("15:04:05")))
	return b.String() + "\n" + help
}

func renderStatus(s router.Status, spin string) string {
	var b strings.Builder

	state := s.State.String()
	stateText := StateStyle(state).Render(state)
	if s.State == types.StateConnecting {
		stateText = spin + " " + stateText
	}
	field := func(label, value string) {
		b.WriteString(fmt.Sprintf("%s %s\n", keyStyle.Render(label), value))
	}
	field("State:", stateText)
	field("Host Version:", textStyle.Render(orDash(s.HostVersion)))
	field("Minimum:", textStyle.Render(s.MinimumVersion))
	field("Generation:", textStyle.Render(fmt.Sprintf("%d", s.Generation)))
	field("Installation:", textStyle.Render(orDash(s.InstallationID)))
	if s.LastRejection != "" {
		field("Rejected:", faultStyle.Render(s.LastRejection))
	}
	senders := make([]string, 0, len(s.Senders))
	for _, id := range s.Senders {
		senders = append(senders, string(id))
	}
	field("Senders:", textStyle.Render(orDash(strings.Join(senders, ", "))))
	b.WriteString("\n")

	metrics := s.Metrics
	boxes := []string{
		renderCounter("Pending", int64(s.Pending), wait),
		renderCounter("Forwarded", metrics.RequestsForwarded, accent),
		renderCounter("Delivered", metrics.RepliesDelivered, okay),
		renderCounter("Dropped", metrics.RequestsDropped, fault),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	return panelStyle.Render(b.String())
}

func renderCounter(label string, value int64, color lipgloss.TerminalColor) string {
	boxStyle := counterStyle.BorderForeground(color)

	valueStr := counterValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := counterNameStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// keyMap defines key bindings.
type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

// RunStatusTUI runs the live status view.
func RunStatusTUI(source StatusSource) error {
	model := NewStatusModel(source, DefaultRefreshInterval)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatusStatic renders a status snapshot without the full TUI.
func RenderStatusStatic(s router.Status) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(renderStatus(s, ""))
}
