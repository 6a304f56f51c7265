package foxglove

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taplog/pkg/engine"
	"taplog/pkg/logger"
)

const (
	logLevelInfo    = 2
	logLevelWarning = 3
)

// BundleMessage is published on the bundle topic, stamped with the bundle
// log time on the host clock.
type BundleMessage struct {
	Timestamp FrameTime         `json:"timestamp"`
	Device    string            `json:"device,omitempty"`
	BundleID  string            `json:"bundle_id"`
	Values    map[string]any    `json:"values"`
	Variables []logger.Variable `json:"variables"`
}

// LogMessage follows the foxglove.Log schema.
type LogMessage struct {
	Timestamp FrameTime `json:"timestamp"`
	Level     uint8     `json:"level"`
	Message   string    `json:"message"`
	Name      string    `json:"name"`
	File      string    `json:"file"`
	Line      uint32    `json:"line"`
}

// Server bridges hub events to Foxglove Studio clients.
type Server struct {
	cfg     Config
	hub     *engine.Hub
	log     *zap.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func NewServer(cfg Config, hub *engine.Hub, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		hub:     hub,
		log:     zap.NewNop(),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler upgrades requests to foxglove websocket sessions.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Run listens on cfg.WSAddr and forwards hub events until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("foxglove listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.hub != nil {
		sub := s.hub.Subscribe()
		defer s.hub.Unsubscribe(sub)
		go s.broadcastLoop(ctx, sub)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.log.Info("foxglove bridge listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		s.closeClients()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		c.close()
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		c.close()
		return
	}
	s.addClient(c)
	s.log.Debug("foxglove client connected", zap.String("remote", r.RemoteAddr))

	go c.writeLoop()
	c.readLoop(s.supportedChannels())

	c.close()
	s.removeClient(c)
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	return map[uint64]struct{}{
		s.cfg.ChannelID:    {},
		s.cfg.LogChannelID: {},
	}
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          fmt.Sprintf("%d", time.Now().UTC().UnixNano()),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		{
			ID:             s.cfg.ChannelID,
			Topic:          s.cfg.Topic,
			Encoding:       "json",
			SchemaName:     s.cfg.SchemaName,
			SchemaEncoding: "jsonschema",
			Schema:         s.cfg.Schema,
		},
		{
			ID:             s.cfg.LogChannelID,
			Topic:          s.cfg.LogTopic,
			Encoding:       "json",
			SchemaName:     "foxglove.Log",
			SchemaEncoding: "jsonschema",
			Schema:         LogSchema,
		},
	}}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.Broadcast(ev)
		}
	}
}

// Broadcast sends ev to every client subscribed to its channel. Bundles go
// to the bundle topic, session events to the log topic.
func (s *Server) Broadcast(ev engine.Event) {
	if ev.Kind == engine.EventBundle {
		msg := bundleMessage(ev)
		s.publishJSONToChannel(s.cfg.ChannelID, ev.Bundle.LogTime, msg)
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.publishJSONToChannel(s.cfg.LogChannelID, ts, s.logMessage(ev, ts))
}

func bundleMessage(ev engine.Event) BundleMessage {
	msg := BundleMessage{
		Timestamp: frameTime(ev.Bundle.LogTime),
		Device:    ev.Device,
		BundleID:  logger.FormatID(ev.Bundle.ID),
		Values:    make(map[string]any, len(ev.Bundle.Variables)),
		Variables: make([]logger.Variable, 0, len(ev.Bundle.Variables)),
	}
	for _, v := range ev.Bundle.Variables {
		if _, dup := msg.Values[v.Name]; !dup {
			msg.Values[v.Name] = v.Value
		}
		msg.Variables = append(msg.Variables, logger.Variable{
			ID:     logger.FormatID(v.ID),
			Name:   v.Name,
			RawHex: hex.EncodeToString(v.Raw),
			Value:  v.Value,
		})
	}
	return msg
}

func (s *Server) logMessage(ev engine.Event, ts time.Time) LogMessage {
	text := fmt.Sprintf("device %s %s", ev.Device, ev.Kind)
	if ev.Kind == engine.EventLoggedIn {
		text += " as " + ev.Profile
	}
	level := uint8(logLevelInfo)
	if ev.Kind == engine.EventDisconnected {
		level = logLevelWarning
	}
	return LogMessage{
		Timestamp: frameTime(ts),
		Level:     level,
		Message:   text,
		Name:      s.cfg.LogName,
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.log.Warn("foxglove message not encodable", zap.Uint64("channel", channelID), zap.Error(err))
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

// closeClients drops hijacked connections, which http.Server.Shutdown does
// not track.
func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}
