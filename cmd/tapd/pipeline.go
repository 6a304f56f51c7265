package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taplog/pkg/bridge/foxglove"
	"taplog/pkg/config"
	"taplog/pkg/datalog"
	"taplog/pkg/device"
	"taplog/pkg/engine"
	"taplog/pkg/logger"
	"taplog/pkg/metrics"
	"taplog/pkg/protocol"
	"taplog/pkg/transport"
)

// pipeline is one device and everything that feeds it.
type pipeline struct {
	cfg config.Config
	log *zap.Logger
	reg *protocol.Registry
	dev *transport.MemoryDevice
	svc *device.Service
}

func newPipeline(cfg config.Config, log *zap.Logger, pub engine.Publisher) (*pipeline, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	policy, err := datalog.ParsePolicy(cfg.Tapd.Datalog.Policy)
	if err != nil {
		return nil, err
	}

	devOpts := []transport.MemoryOption{
		transport.WithQueueLimit(cfg.Tapd.Server.QueueLimit),
		transport.WithSerial(cfg.Tapd.Server.Serial),
	}
	if cfg.Tapd.Session.User != "" {
		devOpts = append(devOpts, transport.WithProfile(cfg.Tapd.Session.User, cfg.Tapd.Session.Password))
	}
	dev := transport.NewMemoryDevice(devOpts...)

	svc := device.NewService(dev, reg, pub,
		device.WithLogger(log),
		device.WithPolicy(policy),
		device.WithDecoderOptions(protocol.WithHeaderSize(cfg.Tapd.Datalog.HeaderSize)),
	)
	return &pipeline{cfg: cfg, log: log, reg: reg, dev: dev, svc: svc}, nil
}

// startSource fills the device queue from the mock generator when mockHz is
// positive, from the feed relay otherwise.
func (p *pipeline) startSource(ctx context.Context, g *errgroup.Group, mockHz int) {
	if mockHz > 0 {
		src := newMockSource(p.reg, p.cfg.Tapd.Datalog.HeaderSize, time.Now())
		g.Go(func() error {
			return runMockFeed(ctx, p.dev, src, mockHz, p.log)
		})
		p.log.Info("mock datalog source", zap.Int("hz", mockHz))
		return
	}

	reconnect, readTimeout, _ := p.cfg.Durations()
	l := transport.StartListener(ctx, p.cfg.Tapd.Server.Addr, p.dev,
		transport.WithReconnectInterval(reconnect),
		transport.WithReadTimeout(readTimeout),
		transport.WithBufferSize(p.cfg.Tapd.Server.ReaderBuf),
		transport.WithErrorHandler(func(err error) {
			metrics.FeedErrors.Inc()
			p.log.Warn("datalog feed", zap.Error(err))
		}),
	)
	g.Go(func() error {
		<-l.Done()
		return nil
	})
	p.log.Info("datalog feed", zap.String("addr", p.cfg.Tapd.Server.Addr))
}

func (p *pipeline) poller() *device.Poller {
	reconnect, _, interval := p.cfg.Durations()
	return device.NewPoller(p.svc,
		device.WithInterval(interval),
		device.WithRetryInterval(reconnect),
		device.WithCredentials(p.cfg.Tapd.Session.User, p.cfg.Tapd.Session.Password),
		device.WithPollerLogger(p.log),
	)
}

func newHub(cfg config.Config) *engine.Hub {
	return engine.NewHub(
		engine.WithBroadcastBuffer(cfg.Tapd.Server.Buf),
		engine.WithDropHandler(func(engine.Event) {
			metrics.HubDropped.Inc()
		}),
	)
}

func foxgloveServer(cfg config.Config, hub *engine.Hub, log *zap.Logger) *foxglove.Server {
	fox := cfg.Tapd.Foxglove
	return foxglove.NewServer(foxglove.Config{
		WSAddr:     fox.WSAddr,
		Name:       cfg.Project.Name,
		Topic:      fox.Topic,
		SchemaName: fox.SchemaName,
		LogTopic:   fox.LogTopic,
		LogName:    fox.LogName,
		SendBuf:    cfg.Tapd.Server.Buf,
	}, hub, foxglove.WithLogger(log))
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("metrics listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openRecordOutput resolves "-" to stdout so tests can capture it.
func openRecordOutput(path string, stdout io.Writer) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{stdout}, nil
	}
	return logger.OpenOutput(path)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}
