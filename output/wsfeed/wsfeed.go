// Package wsfeed serves state snapshots to the phone UI over WebSocket and
// feeds user actions back in as intents. It is the only surface the
// presentation layer talks to: snapshots out, intents in.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/intent"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/snapshot"
)

const (
	clientSendBuffer = 16
	writeTimeout     = 5 * time.Second
	pingInterval     = 30 * time.Second
	maxInboundBytes  = 4096
)

// Config holds the WebSocket server settings.
type Config struct {
	Addr string `json:"addr" yaml:"addr"`
	Path string `json:"path" yaml:"path"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	return c
}

// inbound is the wire format for client-to-server messages.
type inbound struct {
	Type    string  `json:"type"`
	Mode    string  `json:"mode,omitempty"`
	Urgency string  `json:"urgency,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Metrics holds Prometheus metrics for the snapshot feed.
type Metrics struct {
	clientsConnected prometheus.Gauge
	snapshotsSent    prometheus.Counter
	clientsDropped   prometheus.Counter
	intentsReceived  prometheus.Counter
	intentsRejected  prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "ws",
			Name:      "clients_connected",
			Help:      "Currently connected snapshot clients",
		}),
		snapshotsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ws",
			Name:      "snapshots_sent_total",
			Help:      "Snapshot messages written to clients",
		}),
		clientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ws",
			Name:      "clients_dropped_total",
			Help:      "Clients dropped for falling behind",
		}),
		intentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ws",
			Name:      "intents_received_total",
			Help:      "User intents accepted from clients",
		}),
		intentsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ws",
			Name:      "intents_rejected_total",
			Help:      "Inbound messages that failed to parse",
		}),
	}

	_ = registry.RegisterGauge("ws_feed", "clients_connected", m.clientsConnected)
	_ = registry.RegisterCounter("ws_feed", "snapshots_sent", m.snapshotsSent)
	_ = registry.RegisterCounter("ws_feed", "clients_dropped", m.clientsDropped)
	_ = registry.RegisterCounter("ws_feed", "intents_received", m.intentsReceived)
	_ = registry.RegisterCounter("ws_feed", "intents_rejected", m.intentsRejected)

	return m
}

// client is one connected UI. Each client owns a single writer goroutine
// draining send; a full send buffer means the client cannot keep up and is
// dropped rather than allowed to stall the broadcast.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Server broadcasts every published snapshot to all connected clients and
// republishes their messages as intents.
type Server struct {
	logger    *slog.Logger
	cfg       Config
	snapshots *eventbus.Topic[snapshot.Snapshot]
	intents   *eventbus.Topic[intent.Intent]

	upgrader websocket.Upgrader
	metrics  *Metrics
	now      func() time.Time

	clientsMu sync.Mutex
	clients   map[*client]struct{}
	lastFrame []byte

	mu         sync.Mutex
	started    bool
	listener   net.Listener
	httpServer *http.Server
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ component.LifecycleComponent = (*Server)(nil)

// ServerOption configures optional server behavior.
type ServerOption func(*Server)

// WithServerMetrics registers feed metrics with the given registry.
func WithServerMetrics(registry *metric.MetricsRegistry) ServerOption {
	return func(s *Server) { s.metrics = newMetrics(registry) }
}

// WithServerClock overrides the intent timestamp clock. Test use.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer creates the snapshot WebSocket server.
func NewServer(
	logger *slog.Logger,
	cfg Config,
	snapshots *eventbus.Topic[snapshot.Snapshot],
	intents *eventbus.Topic[intent.Intent],
	options ...ServerOption,
) *Server {
	s := &Server{
		logger:    component.NewLogger(logger, "ws-feed"),
		cfg:       cfg.withDefaults(),
		snapshots: snapshots,
		intents:   intents,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The phone UI connects from a file:// or app origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Name implements component.LifecycleComponent.
func (s *Server) Name() string { return "ws-feed" }

// Initialize implements component.LifecycleComponent.
func (s *Server) Initialize() error { return nil }

// Start binds the listener and launches the HTTP server and the snapshot
// broadcast loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "wsfeed", "Start", "server already started")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "wsfeed", "Start", "bind "+s.cfg.Addr)
	}
	s.listener = listener

	sub, err := s.snapshots.Subscribe(64)
	if err != nil {
		_ = listener.Close()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	go s.broadcastLoop(loopCtx, sub)

	s.logger.Info("snapshot feed listening", "addr", listener.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Stop closes all clients and shuts the server down.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	s.clientsMu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]struct{})
	s.clientsMu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrShuttingDown, "wsfeed", "Stop",
			"broadcast loop did not stop in time")
	}
	return err
}

// Address returns the bound listen address, usable once Start returned.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) broadcastLoop(ctx context.Context, sub *eventbus.Subscription[snapshot.Snapshot]) {
	defer close(s.done)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Events():
			if !ok {
				return
			}
			frame, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("marshal snapshot", "error", err)
				continue
			}
			s.broadcast(frame)
		}
	}
}

// broadcast hands the frame to every client's writer. A client whose buffer
// is full gets dropped so one stalled phone never delays the rest.
func (s *Server) broadcast(frame []byte) {
	s.clientsMu.Lock()
	s.lastFrame = frame
	var slow []*client
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(s.clients, c)
	}
	s.updateClientGauge()
	s.clientsMu.Unlock()

	for _, c := range slow {
		if s.metrics != nil {
			s.metrics.clientsDropped.Inc()
		}
		s.logger.Warn("dropping slow client", "remote", c.conn.RemoteAddr())
		c.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxInboundBytes)

	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	// A newly connected UI gets the current picture immediately.
	if s.lastFrame != nil {
		c.send <- s.lastFrame
	}
	s.updateClientGauge()
	s.clientsMu.Unlock()

	s.logger.Info("client connected", "remote", conn.RemoteAddr())
	go s.writeClient(c)
	go s.readClient(c)
}

// writeClient is the single writer goroutine for one connection.
func (s *Server) writeClient(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.removeClient(c)
				return
			}
			if s.metrics != nil {
				s.metrics.snapshotsSent.Inc()
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.removeClient(c)
				return
			}
		}
	}
}

// readClient consumes inbound messages and republishes them as intents.
func (s *Server) readClient(c *client) {
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		iv, err := parseIntent(data, s.now())
		if err != nil {
			if s.metrics != nil {
				s.metrics.intentsRejected.Inc()
			}
			s.logger.Warn("rejecting inbound message", "remote", c.conn.RemoteAddr(), "error", err)
			continue
		}

		if s.metrics != nil {
			s.metrics.intentsReceived.Inc()
		}
		s.intents.Publish(iv)
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.updateClientGauge()
	s.clientsMu.Unlock()

	if present {
		s.logger.Info("client disconnected", "remote", c.conn.RemoteAddr())
	}
	c.close()
}

func (s *Server) updateClientGauge() {
	if s.metrics != nil {
		s.metrics.clientsConnected.Set(float64(len(s.clients)))
	}
}

// parseIntent validates one inbound message and maps it onto an intent.
func parseIntent(data []byte, at time.Time) (intent.Intent, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return intent.Intent{}, errors.WrapInvalid(err, "wsfeed", "parseIntent", "parse message")
	}

	iv := intent.Intent{At: at}
	switch intent.Kind(in.Type) {
	case intent.KindRecomputePrediction, intent.KindRecomputeRoute:
		iv.Kind = intent.Kind(in.Type)

	case intent.KindTransportMode:
		switch mode := intent.TransportMode(in.Mode); mode {
		case intent.TransportDriving, intent.TransportCycling, intent.TransportWalking:
			iv.Kind = intent.KindTransportMode
			iv.TransportMode = mode
		default:
			return intent.Intent{}, errors.WrapInvalid(errors.ErrInvalidData,
				"wsfeed", "parseIntent", fmt.Sprintf("unknown transport mode %q", in.Mode))
		}

	case intent.KindModeOverride:
		switch urgency := intent.Urgency(in.Urgency); urgency {
		case intent.UrgencyAuto, intent.UrgencyCruise, intent.UrgencyNearTerminal:
			iv.Kind = intent.KindModeOverride
			iv.Urgency = urgency
		default:
			return intent.Intent{}, errors.WrapInvalid(errors.ErrInvalidData,
				"wsfeed", "parseIntent", fmt.Sprintf("unknown urgency %q", in.Urgency))
		}

	case intent.KindChaserPosition:
		if in.Lat < -90 || in.Lat > 90 || in.Lon < -180 || in.Lon > 180 {
			return intent.Intent{}, errors.WrapInvalid(errors.ErrInvalidData,
				"wsfeed", "parseIntent", fmt.Sprintf("position %.4f,%.4f out of range", in.Lat, in.Lon))
		}
		iv.Kind = intent.KindChaserPosition
		iv.Lat = in.Lat
		iv.Lon = in.Lon

	default:
		return intent.Intent{}, errors.WrapInvalid(errors.ErrInvalidData,
			"wsfeed", "parseIntent", fmt.Sprintf("unknown message type %q", in.Type))
	}

	return iv, nil
}
