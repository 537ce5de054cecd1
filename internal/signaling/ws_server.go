// Package signaling exposes the websocket endpoint that connects browsers to
// the pairing hub: one handshake, one participant, one reader and one writer
// per connection.
package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayush68824/Qonv-back/internal/metrics"
	"github.com/ayush68824/Qonv-back/internal/origin"
	"github.com/ayush68824/Qonv-back/internal/pairing"
	"github.com/ayush68824/Qonv-back/internal/protocol"
	"github.com/ayush68824/Qonv-back/internal/ratelimit"
)

const (
	wsWriteWait = 10 * time.Second

	DefaultIdleTimeout     = 60 * time.Second
	DefaultPingInterval    = DefaultIdleTimeout * 9 / 10
	DefaultMaxEventBytes   = 64 * 1024 // enough headroom for SDP-sized payloads
	DefaultEventsPerSecond = 20
)

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Hub     *pairing.Hub

	// AllowedOrigins overrides the default same-host Origin policy. Entries
	// must be normalized origins or "*".
	AllowedOrigins []string

	IdleTimeout     time.Duration
	PingInterval    time.Duration
	MaxEventBytes   int64
	EventsPerSecond int64

	// Clock feeds the per-connection rate limiter; nil means wall clock.
	Clock ratelimit.Clock
}

// Server upgrades GET /ws requests and bridges each connection to the hub.
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	hub     *pairing.Hub

	allowedOrigins  []string
	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxEventBytes   int64
	eventsPerSecond int64
	clock           ratelimit.Clock

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = idleTimeout * 9 / 10
	}
	maxEventBytes := cfg.MaxEventBytes
	if maxEventBytes <= 0 {
		maxEventBytes = DefaultMaxEventBytes
	}
	eventsPerSecond := cfg.EventsPerSecond
	if eventsPerSecond <= 0 {
		eventsPerSecond = DefaultEventsPerSecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	return &Server{
		log:             logger,
		metrics:         m,
		hub:             cfg.Hub,
		allowedOrigins:  cfg.AllowedOrigins,
		idleTimeout:     idleTimeout,
		pingInterval:    pingInterval,
		maxEventBytes:   maxEventBytes,
		eventsPerSecond: eventsPerSecond,
		clock:           clock,
		upgrader: websocket.Upgrader{
			// Origin is checked before the upgrade so browsers get an HTTP 403
			// instead of an opaque handshake failure.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// A missing Origin header means a non-browser client; there is nothing to
	// protect against then, so it is allowed.
	if originHeader := r.Header.Get("Origin"); originHeader != "" {
		normalized, host, ok := origin.NormalizeHeader(originHeader)
		if !ok || !origin.IsAllowed(normalized, host, r.Host, s.allowedOrigins) {
			s.log.Warn("websocket origin rejected", "origin", originHeader, "remote", r.RemoteAddr)
			s.metrics.Inc(metrics.ConnectionsRejected)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}

	name, err := protocol.SanitizeDisplayName(r.URL.Query().Get("name"))
	if err != nil {
		s.metrics.Inc(metrics.ConnectionsRejected)
		writeClose(conn, websocket.ClosePolicyViolation, "invalid display name")
		_ = conn.Close()
		return
	}

	p := pairing.NewParticipant(uuid.NewString(), name, s.hub.SendBuffer())
	if err := s.hub.Register(p); err != nil {
		switch err {
		case pairing.ErrServerFull:
			writeClose(conn, websocket.CloseTryAgainLater, "server full")
		default:
			writeClose(conn, websocket.CloseServiceRestart, "shutting down")
		}
		_ = conn.Close()
		return
	}

	c := &client{
		log:           s.log.With("id", p.ID),
		hub:           s.hub,
		participant:   p,
		conn:          conn,
		bucket:        ratelimit.NewTokenBucket(s.clock, s.eventsPerSecond, s.eventsPerSecond),
		idleTimeout:   s.idleTimeout,
		pingInterval:  s.pingInterval,
		maxEventBytes: s.maxEventBytes,
	}

	go c.writePump()
	c.readPump()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
