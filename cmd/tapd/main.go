package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taplog/pkg/config"
	"taplog/pkg/engine"
	"taplog/pkg/logger"
	"taplog/pkg/monitor"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		return runServer([]string{}, stdout, stderr)
	}

	switch args[0] {
	case "server":
		return runServer(args[1:], stdout, stderr)
	case "fetch":
		return runFetch(args[1:], stdout, stderr)
	case "monitor":
		return runMonitor(args[1:], stdout, stderr)
	case "serial":
		return runSerial(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

// commonFlags are the config overrides every command accepts.
type commonFlags struct {
	configPath string
	addr       string
	output     string
	level      string
	user       string
	password   string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", config.DefaultConfigPath, "tapd.toml path")
	fs.StringVar(&c.addr, "addr", "", "datalog feed address (overrides tapd.server.addr)")
	fs.StringVar(&c.output, "log", "", "record output path, - for stdout, .zst to compress")
	fs.StringVar(&c.level, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&c.user, "user", "", "session profile to log in with")
	fs.StringVar(&c.password, "password", "", "session profile password")
}

// load reads the config and applies the flags that were set.
func (c *commonFlags) load(fs *pflag.FlagSet) (config.Config, error) {
	cfg, _, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("addr") {
		cfg.Tapd.Server.Addr = c.addr
	}
	if fs.Changed("log") {
		cfg.Tapd.Log.Output = c.output
	}
	if fs.Changed("log-level") {
		cfg.Tapd.Log.Level = c.level
	}
	if fs.Changed("user") {
		cfg.Tapd.Session.User = c.user
	}
	if fs.Changed("password") {
		cfg.Tapd.Session.Password = c.password
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func runServer(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := newFlagSet("server", stderr)
	var common commonFlags
	common.register(fs)
	wsAddr := fs.String("ws-addr", "", "foxglove websocket address, empty disables")
	metricsAddr := fs.String("metrics-addr", "", "prometheus address, empty disables")
	mockHz := fs.Int("mock", 0, "generate mock datalog packets at this rate instead of reading the feed")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := common.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}
	if fs.Changed("ws-addr") {
		cfg.Tapd.Foxglove.WSAddr = *wsAddr
	}
	if fs.Changed("metrics-addr") {
		cfg.Tapd.Metrics.Addr = *metricsAddr
	}

	log, err := logger.NewZap(cfg.Tapd.Log.Level, cfg.Tapd.Log.Format)
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	out, err := openRecordOutput(cfg.Tapd.Log.Output, stdout)
	if err != nil {
		fmt.Fprintln(stderr, "failed to open log file:", err)
		return 1
	}
	defer out.Close()
	records, err := logger.NewWriter(cfg.RecordFormat(), out, logger.WithLogger(log))
	if err != nil {
		fmt.Fprintln(stderr, "record writer:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := newHub(cfg)
	p, err := newPipeline(cfg, log, hub)
	if err != nil {
		fmt.Fprintln(stderr, "pipeline:", err)
		return 2
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	sub := hub.Subscribe()
	g.Go(func() error {
		records.Consume(gctx, sub)
		return nil
	})
	if cfg.Tapd.Foxglove.WSAddr != "" {
		srv := foxgloveServer(cfg, hub, log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	if cfg.Tapd.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Tapd.Metrics.Addr, log)
		})
	}
	p.startSource(gctx, g, *mockHz)
	poller := p.poller()
	g.Go(func() error {
		return poller.Run(gctx)
	})

	err = g.Wait()
	written, failed := records.Stats()
	log.Info("tapd stopped", zap.Int("records", written), zap.Int("record_errors", failed))
	if err != nil {
		log.Error("tapd failed", zap.Error(err))
		return 1
	}
	return 0
}

func runFetch(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := newFlagSet("fetch", stderr)
	var common commonFlags
	common.register(fs)
	collect := fs.Duration("collect", 2*time.Second, "how long to read the feed before draining")
	mockPackets := fs.Int("mock", 0, "queue this many mock packets instead of reading the feed")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := common.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}
	log, err := logger.NewZap(cfg.Tapd.Log.Level, cfg.Tapd.Log.Format)
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	out, err := openRecordOutput(cfg.Tapd.Log.Output, stdout)
	if err != nil {
		fmt.Fprintln(stderr, "failed to open log file:", err)
		return 1
	}
	closed := false
	defer func() {
		if !closed {
			_ = out.Close()
		}
	}()
	records, err := logger.NewWriter(cfg.RecordFormat(), out, logger.WithLogger(log))
	if err != nil {
		fmt.Fprintln(stderr, "record writer:", err)
		return 2
	}
	// Drained packets are gone from the device, so the first lost record
	// fails the command.
	var writeErr error
	pub := engine.PublisherFunc(func(ev engine.Event) {
		if ev.Kind != engine.EventBundle {
			return
		}
		if err := records.Write(ev); err != nil && writeErr == nil {
			writeErr = err
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(cfg, log, pub)
	if err != nil {
		fmt.Fprintln(stderr, "pipeline:", err)
		return 2
	}
	if err := p.poller().Connect(ctx); err != nil {
		fmt.Fprintln(stderr, "device:", err)
		return 1
	}
	defer func() {
		if err := p.svc.Disconnect(context.Background()); err != nil {
			log.Warn("disconnect", zap.Error(err))
		}
	}()

	if *mockPackets > 0 {
		start := time.Now()
		src := newMockSource(p.reg, cfg.Tapd.Datalog.HeaderSize, start)
		for i := 0; i < *mockPackets; i++ {
			pkt, err := src.next(start.Add(time.Duration(i) * 100 * time.Millisecond))
			if err != nil {
				fmt.Fprintln(stderr, "mock:", err)
				return 1
			}
			p.dev.Enqueue(pkt)
		}
	} else {
		feedCtx, cancel := context.WithTimeout(ctx, *collect)
		g, gctx := errgroup.WithContext(feedCtx)
		p.startSource(gctx, g, 0)
		_ = g.Wait()
		cancel()
	}

	res, err := p.svc.GetDatalog(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "fetch:", err)
		return 1
	}
	if writeErr != nil {
		fmt.Fprintf(stderr, "records: %d bundle(s) drained, write failed: %v\n", len(res.Bundles), writeErr)
		return 1
	}
	closed = true
	if err := out.Close(); err != nil {
		fmt.Fprintf(stderr, "records: %d bundle(s) drained, flush failed: %v\n", len(res.Bundles), err)
		return 1
	}
	fmt.Fprintf(stderr, "[Fetch] %d packet(s), %d bundle(s), %d failed, offset %dms, run %s\n",
		res.Count, len(res.Bundles), len(res.Failed), res.OffsetMillis, res.RunID)
	return 0
}

func runMonitor(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := newFlagSet("monitor", stderr)
	var common commonFlags
	common.register(fs)
	mockHz := fs.Int("mock", 0, "generate mock datalog packets at this rate instead of reading the feed")
	maxEvents := fs.Int("events", 8, "session events kept on screen")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := common.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}
	// zap would draw over the alternate screen.
	log := zap.NewNop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := newHub(cfg)
	p, err := newPipeline(cfg, log, hub)
	if err != nil {
		fmt.Fprintln(stderr, "pipeline:", err)
		return 2
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if fs.Changed("log") {
		out, err := openRecordOutput(cfg.Tapd.Log.Output, io.Discard)
		if err != nil {
			cancel()
			_ = g.Wait()
			fmt.Fprintln(stderr, "failed to open log file:", err)
			return 1
		}
		defer out.Close()
		records, err := logger.NewWriter(cfg.RecordFormat(), out)
		if err != nil {
			cancel()
			_ = g.Wait()
			fmt.Fprintln(stderr, "record writer:", err)
			return 2
		}
		sub := hub.Subscribe()
		g.Go(func() error {
			records.Consume(gctx, sub)
			return nil
		})
	}
	events := hub.Subscribe()
	g.Go(func() error {
		defer cancel()
		return monitor.Run(gctx, events, os.Stdin, stdout, monitor.WithMaxEvents(*maxEvents))
	})
	p.startSource(gctx, g, *mockHz)
	poller := p.poller()
	g.Go(func() error {
		return poller.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintln(stderr, "monitor:", err)
		return 1
	}
	return 0
}

func runSerial(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := newFlagSet("serial", stderr)
	var common commonFlags
	common.register(fs)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := common.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}
	log, err := logger.NewZap(cfg.Tapd.Log.Level, cfg.Tapd.Log.Format)
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	p, err := newPipeline(cfg, log, nil)
	if err != nil {
		fmt.Fprintln(stderr, "pipeline:", err)
		return 2
	}
	ctx := context.Background()
	if err := p.svc.Init(ctx); err != nil {
		fmt.Fprintln(stderr, "device:", err)
		return 1
	}
	defer func() { _ = p.svc.Disconnect(ctx) }()

	serial, err := p.svc.SerialNumber(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "serial:", err)
		return 1
	}
	fmt.Fprintln(stdout, serial)
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  tapd server  [-c tapd.toml] [--addr host:port] [--log file.jsonl] [--ws-addr host:port] [--metrics-addr host:port] [--mock hz]")
	fmt.Fprintln(w, "  tapd fetch   [-c tapd.toml] [--collect 2s] [--log file.cbor.zst] [--mock packets]")
	fmt.Fprintln(w, "  tapd monitor [-c tapd.toml] [--mock hz] [--events 8]")
	fmt.Fprintln(w, "  tapd serial  [-c tapd.toml]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   poll the device datalog and publish bundles (default)")
	fmt.Fprintln(w, "  fetch    drain the datalog once and write the records")
	fmt.Fprintln(w, "  monitor  show session state and live readings in the terminal")
	fmt.Fprintln(w, "  serial   print the device serial number")
}
