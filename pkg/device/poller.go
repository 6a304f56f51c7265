package device

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Poller keeps a Service connected and drains its datalog on an interval.
type Poller struct {
	svc      *Service
	interval time.Duration
	retry    time.Duration
	user     string
	password string
	log      *zap.Logger
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRetryInterval is the wait between failed Init attempts.
func WithRetryInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.retry = d
		}
	}
}

// WithCredentials logs in after every successful Init.
func WithCredentials(user string, password string) PollerOption {
	return func(p *Poller) {
		p.user = user
		p.password = password
	}
}

func WithPollerLogger(log *zap.Logger) PollerOption {
	return func(p *Poller) {
		if log != nil {
			p.log = log
		}
	}
}

func NewPoller(svc *Service, opts ...PollerOption) *Poller {
	p := &Poller{
		svc:      svc,
		interval: 5 * time.Second,
		retry:    2 * time.Second,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is done, then disconnects the device. Fetch errors are
// logged and the next tick tries again after a fresh Init.
func (p *Poller) Run(ctx context.Context) error {
	defer func() {
		if !p.svc.IsReady() {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.svc.Disconnect(shutdownCtx); err != nil {
			p.log.Warn("disconnect on shutdown", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.svc.IsReady() {
			if err := p.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Warn("device init failed", zap.Error(err))
				if !sleep(ctx, p.retry) {
					return nil
				}
				continue
			}
		}

		if _, err := p.svc.GetDatalog(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			p.log.Warn("datalog fetch failed", zap.Error(err))
			if !p.svc.dev.IsConnected() {
				p.svc.Clear()
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Connect runs Init and logs in with the configured credentials. A rejected
// login leaves the device connected without a profile.
func (p *Poller) Connect(ctx context.Context) error {
	if err := p.svc.Init(ctx); err != nil {
		return err
	}
	if p.user == "" || p.svc.IsLogged() {
		return nil
	}
	ok, err := p.svc.Login(ctx, p.user, p.password)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("login rejected, continuing anonymous", zap.String("profile", p.user))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
