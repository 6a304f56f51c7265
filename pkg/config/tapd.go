package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"taplog/pkg/datalog"
	"taplog/pkg/logger"
	"taplog/pkg/protocol"
)

const DefaultConfigPath = "tapd.toml"

type Config struct {
	Project    ProjectConfig `toml:"project"`
	Tapd       TapdConfig    `toml:"tapd"`
	Variables  []VariableDef `toml:"variables"`
	configPath string        `toml:"-"`
	scanRoot   string        `toml:"-"`
	// stockVariables is set when [[variables]] was absent or empty and
	// normalize filled in the default set.
	stockVariables bool `toml:"-"`
}

// ProjectConfig locates the firmware sources scanned by SyncVariables.
type ProjectConfig struct {
	Name       string   `toml:"name"`
	ScanRoot   string   `toml:"scan_root"`
	Recursive  bool     `toml:"recursive"`
	Extensions []string `toml:"extensions"`
	IgnoreDirs []string `toml:"ignore_dirs"`
}

type TapdConfig struct {
	Server   ServerConfig   `toml:"server"`
	Datalog  DatalogConfig  `toml:"datalog"`
	Session  SessionConfig  `toml:"session"`
	Foxglove FoxgloveConfig `toml:"foxglove"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig is the datalog feed relay the device queue is filled from.
type ServerConfig struct {
	Addr        string `toml:"addr"`
	Reconnect   string `toml:"reconnect"`
	ReadTimeout string `toml:"read_timeout"`
	Buf         int    `toml:"buf"`
	ReaderBuf   int    `toml:"reader_buf"`
	QueueLimit  int    `toml:"queue_limit"`
	Serial      string `toml:"serial,omitempty"`
}

type DatalogConfig struct {
	Interval   string `toml:"interval"`
	HeaderSize int    `toml:"header_size"`
	Policy     string `toml:"policy"`
}

// SessionConfig holds optional credentials used after every connect.
type SessionConfig struct {
	User     string `toml:"user,omitempty"`
	Password string `toml:"password,omitempty"`
}

type FoxgloveConfig struct {
	WSAddr     string `toml:"ws_addr"`
	Topic      string `toml:"topic"`
	SchemaName string `toml:"schema_name"`
	LogTopic   string `toml:"log_topic"`
	LogName    string `toml:"log_name"`
}

// MetricsConfig exposes the Prometheus endpoint; an empty addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
	Record string `toml:"record_format,omitempty"`
}

// VariableDef is one [[variables]] entry.
type VariableDef struct {
	ID     uint16 `toml:"id"`
	Name   string `toml:"name"`
	CType  string `toml:"c_type"`
	Source string `toml:"source,omitempty"`
}

func Default() Config {
	return Config{
		Project: ProjectConfig{
			Name:       "datalog",
			ScanRoot:   ".",
			Recursive:  true,
			Extensions: []string{".h", ".c"},
			IgnoreDirs: []string{"Drivers", ".git", "build"},
		},
		Tapd: TapdConfig{
			Server: ServerConfig{
				Addr:        "127.0.0.1:19022",
				Reconnect:   "1s",
				ReadTimeout: "500ms",
				Buf:         256,
				ReaderBuf:   64 * 1024,
				QueueLimit:  4096,
			},
			Datalog: DatalogConfig{
				Interval:   "5s",
				HeaderSize: protocol.DefaultHeaderSize,
				Policy:     datalog.FailFast.String(),
			},
			Foxglove: FoxgloveConfig{
				WSAddr:     "127.0.0.1:8765",
				Topic:      "/tap/bundle",
				SchemaName: "taplog.Bundle",
				LogTopic:   "/tap/log",
				LogName:    "tapd",
			},
			Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
			Log: LogConfig{
				Level:  "info",
				Format: "console",
				Output: "-",
			},
		},
		Variables: defaultVariables(),
	}
}

func defaultVariables() []VariableDef {
	descs := protocol.DefaultDescriptors()
	out := make([]VariableDef, 0, len(descs))
	for _, d := range descs {
		out = append(out, VariableDef{ID: uint16(d.ID), Name: d.Name, CType: d.Kind.String()})
	}
	return out
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path, falling back to Default when the file is
// missing. The bool reports whether the file existed.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	cfg.Variables = nil
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}
	sortVariables(cfg.Variables)

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) ScanRootPath() string {
	return cfg.scanRoot
}

func (cfg *Config) Validate() error {
	if _, err := cfg.Registry(); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"tapd.server.reconnect":    cfg.Tapd.Server.Reconnect,
		"tapd.server.read_timeout": cfg.Tapd.Server.ReadTimeout,
		"tapd.datalog.interval":    cfg.Tapd.Datalog.Interval,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, raw)
		}
	}
	if cfg.Tapd.Datalog.HeaderSize < protocol.DefaultHeaderSize {
		return fmt.Errorf("tapd.datalog.header_size must be at least %d, got %d", protocol.DefaultHeaderSize, cfg.Tapd.Datalog.HeaderSize)
	}
	if _, err := datalog.ParsePolicy(cfg.Tapd.Datalog.Policy); err != nil {
		return fmt.Errorf("tapd.datalog.policy: %w", err)
	}
	if cfg.Tapd.Session.Password != "" && cfg.Tapd.Session.User == "" {
		return fmt.Errorf("tapd.session.password set without user")
	}
	if err := logger.CheckFormat(cfg.RecordFormat()); err != nil {
		return fmt.Errorf("tapd.log.record_format: %w", err)
	}
	return nil
}

// Registry builds the variable registry from [[variables]].
func (cfg *Config) Registry() (*protocol.Registry, error) {
	descs := make([]protocol.Descriptor, 0, len(cfg.Variables))
	for _, v := range cfg.Variables {
		if v.ID > 0xFF {
			return nil, fmt.Errorf("variable id out of range: 0x%x", v.ID)
		}
		kind, err := protocol.ParseKind(v.CType)
		if err != nil {
			return nil, fmt.Errorf("variable 0x%02x (%s): %w", v.ID, v.Name, err)
		}
		descs = append(descs, protocol.Descriptor{ID: uint8(v.ID), Name: v.Name, Kind: kind})
	}
	reg, err := protocol.NewRegistry(descs...)
	if err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	return reg, nil
}

// Durations returns the parsed feed reconnect, feed read timeout and datalog
// poll interval. Validate has already rejected malformed values.
func (cfg *Config) Durations() (reconnect time.Duration, readTimeout time.Duration, interval time.Duration) {
	reconnect, _ = time.ParseDuration(cfg.Tapd.Server.Reconnect)
	readTimeout, _ = time.ParseDuration(cfg.Tapd.Server.ReadTimeout)
	interval, _ = time.ParseDuration(cfg.Tapd.Datalog.Interval)
	return reconnect, readTimeout, interval
}

// RecordFormat is the bundle archive format, derived from the output name
// when not set.
func (cfg *Config) RecordFormat() string {
	if cfg.Tapd.Log.Record != "" {
		return cfg.Tapd.Log.Record
	}
	return logger.FormatForPath(cfg.Tapd.Log.Output)
}

func (cfg *Config) normalize(path string) {
	def := Default()

	if cfg.Project.Name == "" {
		cfg.Project.Name = def.Project.Name
	}
	if cfg.Project.ScanRoot == "" {
		cfg.Project.ScanRoot = def.Project.ScanRoot
	}
	if len(cfg.Project.Extensions) == 0 {
		cfg.Project.Extensions = append([]string(nil), def.Project.Extensions...)
	}
	if len(cfg.Project.IgnoreDirs) == 0 {
		cfg.Project.IgnoreDirs = append([]string(nil), def.Project.IgnoreDirs...)
	}

	srv := &cfg.Tapd.Server
	srv.Addr = orDefault(srv.Addr, def.Tapd.Server.Addr)
	srv.Reconnect = orDefault(srv.Reconnect, def.Tapd.Server.Reconnect)
	srv.ReadTimeout = orDefault(srv.ReadTimeout, def.Tapd.Server.ReadTimeout)
	if srv.Buf <= 0 {
		srv.Buf = def.Tapd.Server.Buf
	}
	if srv.ReaderBuf <= 0 {
		srv.ReaderBuf = def.Tapd.Server.ReaderBuf
	}
	if srv.QueueLimit <= 0 {
		srv.QueueLimit = def.Tapd.Server.QueueLimit
	}

	dl := &cfg.Tapd.Datalog
	dl.Interval = orDefault(dl.Interval, def.Tapd.Datalog.Interval)
	dl.Policy = orDefault(dl.Policy, def.Tapd.Datalog.Policy)
	if dl.HeaderSize == 0 {
		dl.HeaderSize = def.Tapd.Datalog.HeaderSize
	}

	fox := &cfg.Tapd.Foxglove
	fox.WSAddr = orDefault(fox.WSAddr, def.Tapd.Foxglove.WSAddr)
	fox.Topic = orDefault(fox.Topic, def.Tapd.Foxglove.Topic)
	fox.SchemaName = orDefault(fox.SchemaName, def.Tapd.Foxglove.SchemaName)
	fox.LogTopic = orDefault(fox.LogTopic, def.Tapd.Foxglove.LogTopic)
	fox.LogName = orDefault(fox.LogName, def.Tapd.Foxglove.LogName)

	lg := &cfg.Tapd.Log
	lg.Level = orDefault(lg.Level, def.Tapd.Log.Level)
	lg.Format = orDefault(lg.Format, def.Tapd.Log.Format)
	lg.Output = orDefault(lg.Output, def.Tapd.Log.Output)

	if len(cfg.Variables) == 0 {
		cfg.Variables = defaultVariables()
		cfg.stockVariables = true
	}
	for i := range cfg.Variables {
		cfg.Variables[i].Name = strings.TrimSpace(cfg.Variables[i].Name)
		cfg.Variables[i].CType = protocol.NormalizeCType(cfg.Variables[i].CType)
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path

	scanRoot := cfg.Project.ScanRoot
	if !filepath.IsAbs(scanRoot) {
		scanRoot = filepath.Join(filepath.Dir(path), scanRoot)
	}
	scanRoot = filepath.Clean(scanRoot)
	if abs, err := filepath.Abs(scanRoot); err == nil {
		scanRoot = abs
	}
	cfg.scanRoot = scanRoot

	for i := range cfg.Project.Extensions {
		ext := strings.TrimSpace(cfg.Project.Extensions[i])
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Project.Extensions[i] = strings.ToLower(ext)
	}
}

func orDefault(v string, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func sortVariables(vars []VariableDef) {
	sort.Slice(vars, func(i, j int) bool { return vars[i].ID < vars[j].ID })
}
