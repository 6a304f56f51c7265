package session_test

import (
	"context"
	"errors"
	"testing"

	"taplog/pkg/engine"
	"taplog/pkg/session"
	"taplog/pkg/transport"
)

type fakeSource struct {
	connected bool
	name      string
	err       error
}

func (f *fakeSource) IsConnected() bool {
	return f.connected
}

func (f *fakeSource) RefreshSessionState(context.Context) (transport.SessionState, error) {
	if f.err != nil {
		return transport.SessionState{}, f.err
	}
	return transport.SessionState{Name: f.name}, nil
}

type recorder struct {
	events []engine.Event
}

func (r *recorder) Publish(ev engine.Event) {
	r.events = append(r.events, ev)
}

func refresh(t *testing.T, tr *session.Tracker) {
	t.Helper()
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

func TestFirstRefreshIsSilent(t *testing.T) {
	for _, name := range []string{"alice", transport.AnonymousProfile} {
		src := &fakeSource{connected: true, name: name}
		rec := &recorder{}
		tr := session.NewTracker(src, rec)

		refresh(t, tr)
		if len(rec.events) != 0 {
			t.Fatalf("first refresh with %q emitted %v", name, rec.events)
		}
		if got := tr.IsLogged(); got != (name != transport.AnonymousProfile) {
			t.Fatalf("unexpected IsLogged for %q: %v", name, got)
		}
	}
}

func TestLogoutEmitsOnce(t *testing.T) {
	src := &fakeSource{connected: true, name: "alice"}
	rec := &recorder{}
	tr := session.NewTracker(src, rec, session.WithDevice("TAP-1"))
	refresh(t, tr)

	src.name = transport.AnonymousProfile
	refresh(t, tr)
	refresh(t, tr)

	if len(rec.events) != 1 || rec.events[0].Kind != engine.EventLoggedOut {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
	if rec.events[0].Device != "TAP-1" {
		t.Fatalf("unexpected device: %q", rec.events[0].Device)
	}
	if tr.State().Kind() != session.KindAnonymous {
		t.Fatalf("unexpected state: %v", tr.State())
	}
}

func TestLoginEmitsProfile(t *testing.T) {
	src := &fakeSource{connected: true, name: transport.AnonymousProfile}
	rec := &recorder{}
	tr := session.NewTracker(src, rec)
	refresh(t, tr)

	src.name = "bob"
	refresh(t, tr)

	if len(rec.events) != 1 {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
	if ev := rec.events[0]; ev.Kind != engine.EventLoggedIn || ev.Profile != "bob" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !tr.IsLogged() || tr.State().Profile() != "bob" {
		t.Fatalf("unexpected state: %v", tr.State())
	}
}

func TestUnchangedProfileIsSilent(t *testing.T) {
	src := &fakeSource{connected: true, name: "alice"}
	rec := &recorder{}
	tr := session.NewTracker(src, rec)
	refresh(t, tr)
	refresh(t, tr)
	refresh(t, tr)
	if len(rec.events) != 0 {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
}

func TestProfileSwitchEmitsLogin(t *testing.T) {
	src := &fakeSource{connected: true, name: "alice"}
	rec := &recorder{}
	tr := session.NewTracker(src, rec)
	refresh(t, tr)

	src.name = "bob"
	refresh(t, tr)
	if len(rec.events) != 1 || rec.events[0].Kind != engine.EventLoggedIn || rec.events[0].Profile != "bob" {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
}

func TestAnonymousToAnonymousIsSilent(t *testing.T) {
	src := &fakeSource{connected: true, name: transport.AnonymousProfile}
	rec := &recorder{}
	tr := session.NewTracker(src, rec)
	refresh(t, tr)
	refresh(t, tr)
	if len(rec.events) != 0 {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
}

func TestDisconnectResetsObservation(t *testing.T) {
	src := &fakeSource{connected: true, name: transport.AnonymousProfile}
	rec := &recorder{}
	tr := session.NewTracker(src, rec)
	refresh(t, tr)

	src.connected = false
	refresh(t, tr)
	if tr.State().Kind() != session.KindDisconnected || tr.IsLogged() {
		t.Fatalf("unexpected state: %v", tr.State())
	}

	src.connected = true
	src.name = "alice"
	refresh(t, tr)
	if len(rec.events) != 0 {
		t.Fatalf("reconnect with open session emitted %+v", rec.events)
	}
	if !tr.IsLogged() {
		t.Fatalf("expected authenticated state")
	}
}

func TestRefreshErrorKeepsState(t *testing.T) {
	src := &fakeSource{connected: true, name: "alice"}
	tr := session.NewTracker(src, &recorder{})
	refresh(t, tr)

	src.err = errors.New("link down")
	err := tr.Refresh(context.Background())
	var opErr *transport.OpError
	if !errors.As(err, &opErr) || opErr.Op != transport.OpRefresh {
		t.Fatalf("expected wrapped refresh error, got %v", err)
	}
	if tr.State().Profile() != "alice" {
		t.Fatalf("state changed on error: %v", tr.State())
	}
}

func TestStateVariant(t *testing.T) {
	if session.Authenticated(transport.AnonymousProfile).Kind() != session.KindAnonymous {
		t.Fatalf("anonymous profile must map to Anonymous")
	}
	if session.Authenticated("").IsLogged() {
		t.Fatalf("empty profile must not be logged")
	}
	var zero session.State
	if zero.Kind() != session.KindDisconnected {
		t.Fatalf("zero state must be Disconnected")
	}
	if got := session.Authenticated("carol").String(); got != "authenticated(carol)" {
		t.Fatalf("unexpected string: %q", got)
	}
}
