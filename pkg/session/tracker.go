package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"taplog/pkg/engine"
	"taplog/pkg/metrics"
	"taplog/pkg/transport"
)

// Source is the part of a device the tracker reads.
type Source interface {
	IsConnected() bool
	RefreshSessionState(ctx context.Context) (transport.SessionState, error)
}

// Tracker follows the session of one device and reports logins and logouts.
// The first session observed after creation or after a disconnect is
// adopted silently: a device may come up with a session that was opened
// before this host started. A Tracker must be driven by a single goroutine.
type Tracker struct {
	src      Source
	pub      engine.Publisher
	device   string
	state    State
	observed bool
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Tracker)

func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithDevice names the device in published events.
func WithDevice(name string) Option {
	return func(t *Tracker) {
		t.device = name
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(src Source, pub engine.Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		src:   src,
		pub:   pub,
		state: Disconnected(),
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) State() State {
	return t.state
}

func (t *Tracker) IsLogged() bool {
	return t.state.IsLogged()
}

// Refresh reads the device session and emits at most one transition event.
// On error the previous state is kept.
func (t *Tracker) Refresh(ctx context.Context) error {
	if !t.src.IsConnected() {
		if t.state.Kind() != KindDisconnected {
			t.log.Debug("session lost", zap.Stringer("previous", t.state))
		}
		t.state = Disconnected()
		t.observed = false
		return nil
	}

	report, err := t.src.RefreshSessionState(ctx)
	if err != nil {
		return transport.Wrap(transport.OpRefresh, err)
	}
	next := FromDevice(report)
	prev := t.state
	first := !t.observed
	t.state = next
	t.observed = true

	if first {
		t.log.Debug("session adopted", zap.Stringer("state", next))
		return nil
	}

	switch {
	case next.Kind() == KindAnonymous && prev.IsLogged():
		t.emit(engine.Event{Kind: engine.EventLoggedOut})
		t.log.Info("logged out", zap.String("profile", prev.Profile()))
	case next.IsLogged() && next.Profile() != prev.Profile():
		t.emit(engine.Event{Kind: engine.EventLoggedIn, Profile: next.Profile()})
		t.log.Info("logged in", zap.String("profile", next.Profile()))
	}
	return nil
}

func (t *Tracker) emit(ev engine.Event) {
	ev.Device = t.device
	ev.Timestamp = t.now()
	metrics.SessionTransitions.WithLabelValues(string(ev.Kind)).Inc()
	if t.pub != nil {
		t.pub.Publish(ev)
	}
}
