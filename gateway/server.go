// Package gateway serves live ticks to browser clients over WebSocket and
// Server-Sent Events, multiplexed onto the single upstream feed.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketmind/marketmind-gateway/auth"
	"github.com/marketmind/marketmind-gateway/broker/instruments"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// Relay is the subscription surface of the feed.
type Relay interface {
	Subscribe(sub ticker.Subscription, l ticker.Listener) (ticker.Handle, error)
	Unsubscribe(h ticker.Handle)
}

// Resolver maps ticker symbols to instruments.
type Resolver interface {
	Lookup(symbol, exchange string) (instruments.Instrument, bool)
}

var (
	// ErrSessionClosed is returned when delivering to a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer is returned when a session's send buffer is full.
	ErrSlowConsumer = errors.New("session send buffer full")
)

// Config configures the gateway Server.
type Config struct {
	Relay          Relay        // required
	Resolver       Resolver     // optional: enables symbol subscriptions
	Logger         *slog.Logger // required
	AllowedOrigins []string     // empty allows any origin

	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SSEKeepalive   time.Duration
}

// DefaultConfig returns the standard session limits.
func DefaultConfig() Config {
	return Config{
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
		SSEKeepalive:   15 * time.Second,
	}
}

// Server accepts downstream sessions.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a gateway Server.
func NewServer(cfg Config) *Server {
	d := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = d.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.SSEKeepalive <= 0 {
		cfg.SSEKeepalive = d.SSEKeepalive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) pingPeriod() time.Duration {
	return s.cfg.PongWait * 9 / 10
}

// ServeWS upgrades the request and runs a session until the client leaves.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	sess := newSession(uuid.NewString(), s, conn, auth.SubjectFromContext(r.Context()))
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("Client connected", "session_id", sess.id, "subject", sess.subject, "remote", r.RemoteAddr)
	sess.reply(EventConnected, map[string]string{"status": "ok"})

	go sess.writePump()
	sess.readPump()
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SessionCount returns the number of open WebSocket sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects every session and ends open SSE streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway)
	}
}
