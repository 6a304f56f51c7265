package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taplog/pkg/datalog"
	"taplog/pkg/engine"
	"taplog/pkg/protocol"
	"taplog/pkg/session"
	"taplog/pkg/transport"
)

// Service drives one device: connection lifecycle, session tracking and
// datalog retrieval. It reports to a Publisher and must be used from a
// single goroutine.
type Service struct {
	dev       transport.Device
	pub       engine.Publisher
	tracker   *session.Tracker
	fetcher   *datalog.Fetcher
	name      string
	now       func() time.Time
	log       *zap.Logger
	ready     bool
	lastCount uint32
	bundles   []protocol.Bundle
}

type config struct {
	name       string
	log        *zap.Logger
	now        func() time.Time
	policy     datalog.Policy
	decodeOpts []protocol.DecoderOption
}

type Option func(*config)

// WithName labels events and log lines; defaults to the serial number read
// on Init.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

func WithPolicy(p datalog.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

func WithDecoderOptions(opts ...protocol.DecoderOption) Option {
	return func(c *config) {
		c.decodeOpts = append(c.decodeOpts, opts...)
	}
}

func NewService(dev transport.Device, reg *protocol.Registry, pub engine.Publisher, opts ...Option) *Service {
	cfg := config{
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if pub == nil {
		pub = engine.PublisherFunc(func(engine.Event) {})
	}

	log := cfg.log
	if cfg.name != "" {
		log = log.With(zap.String("device", cfg.name))
	}
	s := &Service{
		dev:  dev,
		pub:  pub,
		name: cfg.name,
		now:  cfg.now,
		log:  log,
	}
	// The tracker publishes through the service so events carry the device
	// name resolved on Init.
	s.tracker = session.NewTracker(dev, engine.PublisherFunc(s.publish),
		session.WithLogger(log),
		session.WithClock(cfg.now),
	)
	s.fetcher = datalog.NewFetcher(dev.Datalog(), protocol.NewDecoder(reg, cfg.decodeOpts...),
		datalog.WithPolicy(cfg.policy),
		datalog.WithClock(cfg.now),
		datalog.WithLogger(log),
	)
	return s
}

// Init connects, reads the session and announces the device.
func (s *Service) Init(ctx context.Context) error {
	s.ready = false
	if err := s.dev.Connect(ctx); err != nil {
		s.log.Error("connect failed", zap.Error(err))
		return fmt.Errorf("connection failed: %w", transport.Wrap(transport.OpConnect, err))
	}
	if err := s.tracker.Refresh(ctx); err != nil {
		s.log.Error("initial session refresh failed", zap.Error(err))
		return fmt.Errorf("connection failed: %w", err)
	}
	if s.name == "" {
		serial, err := s.SerialNumber(ctx)
		if err != nil {
			s.log.Warn("serial number unavailable", zap.Error(err))
		} else {
			s.name = serial
			s.log = s.log.With(zap.String("device", serial))
		}
	}
	s.ready = true
	s.publish(engine.Event{Kind: engine.EventConnected})
	s.log.Info("device connected", zap.Stringer("session", s.tracker.State()))
	return nil
}

// Disconnect closes the device connection. The disconnected event is
// published whether or not the transport succeeded.
func (s *Service) Disconnect(ctx context.Context) error {
	s.ready = false
	err := transport.Wrap(transport.OpDisconnect, s.dev.Disconnect(ctx))
	if err == nil {
		err = s.tracker.Refresh(ctx)
	}
	s.publish(engine.Event{Kind: engine.EventDisconnected})
	if err != nil {
		s.log.Warn("disconnect failed", zap.Error(err))
		return err
	}
	s.log.Info("device disconnected")
	return nil
}

// Login refreshes the session only when the device accepted the
// credentials.
func (s *Service) Login(ctx context.Context, user string, password string) (bool, error) {
	s.log.Debug("login attempt", zap.String("profile", user))
	ok, err := s.dev.Login(ctx, user, password)
	if err != nil {
		return false, transport.Wrap(transport.OpLogin, err)
	}
	if !ok {
		s.log.Warn("login rejected", zap.String("profile", user))
		return false, nil
	}
	if err := s.tracker.Refresh(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Logout never fails loudly: both a transport error and a failed session
// refresh are reported as false.
func (s *Service) Logout(ctx context.Context) bool {
	if err := s.dev.Logout(ctx); err != nil {
		s.log.Warn("logout failed", zap.Error(err))
		return false
	}
	if err := s.tracker.Refresh(ctx); err != nil {
		s.log.Warn("session refresh after logout failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Service) SerialNumber(ctx context.Context) (string, error) {
	serial, err := s.dev.SerialNumber(ctx)
	return serial, transport.Wrap(transport.OpSerialNumber, err)
}

// GetDatalog drains the device datalog, keeps the result for Bundles and
// publishes every decoded bundle in packet order.
func (s *Service) GetDatalog(ctx context.Context) (datalog.Result, error) {
	res, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		return datalog.Result{}, err
	}
	s.lastCount = res.Count
	s.bundles = res.Bundles
	for _, b := range res.Bundles {
		s.publish(engine.Event{Kind: engine.EventBundle, Bundle: b})
	}
	return res, nil
}

func (s *Service) RefreshSession(ctx context.Context) error {
	return s.tracker.Refresh(ctx)
}

func (s *Service) Session() session.State {
	return s.tracker.State()
}

func (s *Service) IsLogged() bool {
	return s.tracker.IsLogged()
}

func (s *Service) IsReady() bool {
	return s.ready
}

func (s *Service) Name() string {
	return s.name
}

// LastCount is the queue length seen by the last successful GetDatalog.
func (s *Service) LastCount() uint32 {
	return s.lastCount
}

// Bundles returns the bundles of the last successful GetDatalog.
func (s *Service) Bundles() []protocol.Bundle {
	return s.bundles
}

// Clear forgets the cached datalog and marks the service not ready. The
// connection itself is left to the transport owner.
func (s *Service) Clear() {
	s.ready = false
	s.lastCount = 0
	s.bundles = nil
}

func (s *Service) publish(ev engine.Event) {
	ev.Device = s.name
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.pub.Publish(ev)
}
