package monitor

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"taplog/pkg/engine"
	"taplog/pkg/protocol"
)

func feed(t *testing.T, m Model, events ...engine.Event) Model {
	t.Helper()
	for _, ev := range events {
		next, cmd := m.Update(eventMsg(ev))
		if cmd == nil {
			t.Fatalf("event handling must keep waiting for events")
		}
		m = next.(Model)
	}
	return m
}

func TestUpdateTracksSessionAndReadings(t *testing.T) {
	m := New(make(chan engine.Event), WithMaxEvents(2))
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	m = feed(t, m,
		engine.Event{Kind: engine.EventConnected, Device: "TAP-9", Timestamp: at},
		engine.Event{Kind: engine.EventLoggedIn, Device: "TAP-9", Profile: "alice", Timestamp: at},
		engine.Event{Kind: engine.EventBundle, Device: "TAP-9", Bundle: protocol.Bundle{
			ID:      4,
			LogTime: at,
			Variables: []protocol.Variable{
				{ID: 7, Name: "LEDStatus", Value: uint8(1)},
				{ID: 1, Name: "Voltage_V", Value: float32(3.3)},
			},
		}},
	)

	if !m.connected || m.profile != "alice" || m.device != "TAP-9" {
		t.Fatalf("unexpected state: %+v", m)
	}
	if m.bundles != 1 || m.lastID != 4 {
		t.Fatalf("unexpected bundle count: %d last=%d", m.bundles, m.lastID)
	}
	if got := m.readings["Voltage_V"].value; got != "3.3" {
		t.Fatalf("unexpected voltage reading: %q", got)
	}

	view := m.View()
	for _, want := range []string{"TAP-9", "alice", "LEDStatus", "0x07", "Voltage_V", "bundles 1"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Index(view, "Voltage_V") > strings.Index(view, "LEDStatus") {
		t.Fatalf("readings must be ordered by variable id:\n%s", view)
	}

	m = feed(t, m,
		engine.Event{Kind: engine.EventLoggedOut, Device: "TAP-9", Timestamp: at},
		engine.Event{Kind: engine.EventDisconnected, Device: "TAP-9", Timestamp: at},
	)
	if m.connected || m.profile != "" {
		t.Fatalf("disconnect not applied: %+v", m)
	}
	if len(m.recent) != 2 || !strings.Contains(m.recent[1], "disconnected") {
		t.Fatalf("event tail not bounded: %v", m.recent)
	}
}

func TestOlderModelKeepsReadings(t *testing.T) {
	m := New(make(chan engine.Event))
	first := feed(t, m, engine.Event{Kind: engine.EventBundle, Bundle: protocol.Bundle{
		Variables: []protocol.Variable{{ID: 4, Name: "Count", Value: uint32(1)}},
	}})
	_ = feed(t, first, engine.Event{Kind: engine.EventBundle, Bundle: protocol.Bundle{
		Variables: []protocol.Variable{{ID: 4, Name: "Count", Value: uint32(2)}},
	}})
	if got := first.readings["Count"].value; got != "1" {
		t.Fatalf("earlier model mutated: %q", got)
	}
}

func TestKeys(t *testing.T) {
	m := New(make(chan engine.Event))
	m = feed(t, m, engine.Event{Kind: engine.EventBundle, Bundle: protocol.Bundle{
		Variables: []protocol.Variable{{ID: 4, Name: "Count", Value: uint32(1)}},
	}})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if cleared := next.(Model); len(cleared.readings) != 0 || cleared.bundles != 0 {
		t.Fatalf("clear key did not reset readings")
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestClosedChannelQuits(t *testing.T) {
	ch := make(chan engine.Event)
	close(ch)
	m := New(ch)
	msg := m.Init()()
	if _, ok := msg.(closedMsg); !ok {
		t.Fatalf("expected closedMsg, got %T", msg)
	}
	_, cmd := m.Update(msg)
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected quit on closed channel")
	}
}
