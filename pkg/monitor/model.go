package monitor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"taplog/pkg/engine"
	"taplog/pkg/logger"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Bold(true)
	profileStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

type keyMap struct {
	Quit  key.Binding
	Clear key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Clear: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")),
	}
}

type eventMsg engine.Event

type closedMsg struct{}

type reading struct {
	id      uint8
	value   string
	logTime time.Time
}

// Model is a live view of one device: connection and session state, the
// latest value of every variable and a tail of recent events.
type Model struct {
	events    <-chan engine.Event
	keys      keyMap
	maxEvents int

	device    string
	connected bool
	profile   string
	bundles   int
	lastID    uint8
	readings  map[string]reading
	recent    []string
	width     int
}

type Option func(*Model)

// WithMaxEvents bounds the event tail.
func WithMaxEvents(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.maxEvents = n
		}
	}
}

func New(events <-chan engine.Event, opts ...Option) Model {
	m := Model{
		events:    events,
		keys:      defaultKeys(),
		maxEvents: 8,
		readings:  make(map[string]reading),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Clear):
			m.readings = make(map[string]reading)
			m.recent = nil
			m.bundles = 0
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case closedMsg:
		return m, tea.Quit
	case eventMsg:
		m = m.apply(engine.Event(msg))
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m Model) apply(ev engine.Event) Model {
	if ev.Device != "" {
		m.device = ev.Device
	}
	switch ev.Kind {
	case engine.EventConnected:
		m.connected = true
	case engine.EventDisconnected:
		m.connected = false
		m.profile = ""
	case engine.EventLoggedIn:
		m.profile = ev.Profile
	case engine.EventLoggedOut:
		m.profile = ""
	case engine.EventBundle:
		m.bundles++
		m.lastID = ev.Bundle.ID
		// copy on write
		next := make(map[string]reading, len(m.readings)+len(ev.Bundle.Variables))
		for name, r := range m.readings {
			next[name] = r
		}
		for _, v := range ev.Bundle.Variables {
			next[v.Name] = reading{id: v.ID, value: formatValue(v.Value), logTime: ev.Bundle.LogTime}
		}
		m.readings = next
		return m
	}
	m.recent = append(append([]string(nil), m.recent...), describe(ev))
	if over := len(m.recent) - m.maxEvents; over > 0 {
		m.recent = m.recent[over:]
	}
	return m
}

func (m Model) View() string {
	var b strings.Builder

	state := offlineStyle.Render("disconnected")
	if m.connected {
		state = onlineStyle.Render("connected")
	}
	device := m.device
	if device == "" {
		device = "-"
	}
	profile := "anonymous"
	if m.profile != "" {
		profile = m.profile
	}
	b.WriteString(titleStyle.Render("tapd monitor"))
	b.WriteString("  ")
	b.WriteString(fmt.Sprintf("%s %s  session %s", device, state, profileStyle.Render(profile)))
	b.WriteString("\n\n")

	names := make([]string, 0, len(m.readings))
	width := 0
	for name := range m.readings {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return m.readings[names[i]].id < m.readings[names[j]].id
	})
	var table strings.Builder
	if len(names) == 0 {
		table.WriteString(dimStyle.Render("no bundles yet"))
	}
	for i, name := range names {
		r := m.readings[name]
		if i > 0 {
			table.WriteString("\n")
		}
		table.WriteString(fmt.Sprintf("%s  %-*s  %12s  %s", logger.FormatID(r.id), width, name, r.value,
			dimStyle.Render(r.logTime.Local().Format("15:04:05"))))
	}
	b.WriteString(boxStyle.Render(table.String()))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("bundles %d  last %s", m.bundles, logger.FormatID(m.lastID))))
	b.WriteString("\n\n")

	for _, line := range m.recent {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("q quit  c clear"))
	b.WriteString("\n")
	return b.String()
}

func describe(ev engine.Event) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%s  %s", ts.Local().Format("15:04:05"), ev.Kind)
	if ev.Kind == engine.EventLoggedIn {
		line += " " + ev.Profile
	}
	return line
}

func formatValue(v any) string {
	switch val := v.(type) {
	case float32:
		return fmt.Sprintf("%.4g", val)
	case float64:
		return fmt.Sprintf("%.4g", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(val)
	}
}

// Run shows the monitor until the user quits, ctx is done or events is
// closed.
func Run(ctx context.Context, events <-chan engine.Event, in io.Reader, out io.Writer, opts ...Option) error {
	p := tea.NewProgram(New(events, opts...),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
