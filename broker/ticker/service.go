// Package ticker owns the single upstream 5paisa market-feed connection and
// multiplexes downstream listeners onto it.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/marketmind/marketmind-gateway/broker/tick"
)

// DefaultFeedURL is the 5paisa open feed endpoint.
const DefaultFeedURL = "wss://openfeed.5paisa.com/feeds/api/chat"

// Config holds configuration for creating a new ticker Service.
type Config struct {
	FeedURL     string
	Credentials CredentialSource
	Logger      *slog.Logger
	Normalizer  *tick.Normalizer // optional: defaults to the embedded 5paisa table

	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteTimeout      time.Duration
	BufferSize        int
}

// DefaultConfig returns production timings for the 5paisa feed.
func DefaultConfig() Config {
	return Config{
		FeedURL:           DefaultFeedURL,
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		PingInterval:      30 * time.Second,
		PongWait:          10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1024,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FeedURL == "" {
		c.FeedURL = d.FeedURL
	}
	if c.ReconnectBaseWait <= 0 {
		c.ReconnectBaseWait = d.ReconnectBaseWait
	}
	if c.ReconnectMaxWait < c.ReconnectBaseWait {
		c.ReconnectMaxWait = max(d.ReconnectMaxWait, c.ReconnectBaseWait)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
}

// errClosedLocally ends a session that was closed by Reconnect.
var errClosedLocally = errors.New("feed connection closed locally")

// Service manages the upstream feed connection, the subscription registry
// and tick fan-out. Connection state is changed only by the feed goroutine.
type Service struct {
	cfg        Config
	logger     *slog.Logger
	registry   *Registry
	fanout     *Fanout
	normalizer *tick.Normalizer

	state      atomic.Int32
	kick       chan struct{}
	reconnects atomic.Int64
	malformed  atomic.Int64

	// credsReported is set once missing credentials have been logged at
	// warn level, and cleared by the next successful connect.
	credsReported atomic.Bool

	// resyncMu orders registry changes and their incremental frames against
	// the resync on connect, so each instrument reaches a connection once.
	resyncMu sync.Mutex

	mu          sync.RWMutex
	client      *Client
	clientCode  string
	startedAt   time.Time
	connectedAt time.Time
	lastErr     error
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a new ticker Service. Call Start to run the feed loop.
func New(cfg Config) *Service {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.Normalizer
	if n == nil {
		n = tick.DefaultNormalizer()
	}
	reg := NewRegistry()
	return &Service{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		fanout:     NewFanout(reg, logger),
		normalizer: n,
		kick:       make(chan struct{}, 1),
	}
}

// Start launches the feed goroutine. It does not connect by itself; the
// first EnsureConnected (or Subscribe) does.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("ticker service already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = time.Now()
	go s.run(ctx, s.done)
	s.logger.Info("Ticker service started", "feed_url", redactURL(s.cfg.FeedURL))
	return nil
}

// Stop stops retrying, closes the upstream socket and waits for the feed
// goroutine to exit or ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.logger.Info("Ticker service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop ticker service: %w", ctx.Err())
	}
}

// EnsureConnected asks the feed goroutine to (re)connect. It never blocks and
// is a no-op while a connection is up or being established.
func (s *Service) EnsureConnected() {
	if s.State() != StateDisconnected {
		return
	}
	s.poke()
}

func (s *Service) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Reconnect drops the current connection, if any, and connects again
// without waiting out the backoff. Used after a credential refresh.
func (s *Service) Reconnect() {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	s.poke()
	if c != nil {
		_ = c.Close()
	}
}

// State returns the current connection state.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug("Feed state changed", "from", prev, "to", st)
	}
}

// Registry exposes the subscription registry for inspection.
func (s *Service) Registry() *Registry { return s.registry }

// Subscribe registers l for ticks of sub.InstrumentID. If the instrument is
// new and the feed is up, a subscribe frame goes out immediately; otherwise
// the next connect resyncs it.
func (s *Service) Subscribe(sub Subscription, l Listener) (Handle, error) {
	if sub.InstrumentID <= 0 {
		return Handle{}, fmt.Errorf("invalid instrument id %d", sub.InstrumentID)
	}
	if l == nil {
		return Handle{}, errors.New("listener is required")
	}
	if sub.Exchange == "" {
		sub.Exchange = NSE
	}
	if sub.Segment == "" {
		sub.Segment = Cash
	}

	h := Handle{ID: uuid.NewString(), InstrumentID: sub.InstrumentID}
	s.resyncMu.Lock()
	if prev, changed := s.registry.Add(sub, h.ID, l); changed {
		if prev.InstrumentID != 0 {
			s.sendControl(opUnsub, prev)
		}
		s.sendControl(opSubscribe, sub)
	}
	s.resyncMu.Unlock()
	s.EnsureConnected()

	s.logger.Debug("Listener subscribed", "instrument_id", sub.InstrumentID, "exchange", sub.Exchange, "segment", sub.Segment, "listener_id", h.ID)
	return h, nil
}

// Unsubscribe removes the listener behind h. The upstream unsubscribe is
// sent only when the last listener for the instrument goes away. Unknown
// handles are ignored.
func (s *Service) Unsubscribe(h Handle) {
	s.resyncMu.Lock()
	sub, last := s.registry.Remove(h.InstrumentID, h.ID)
	if last {
		s.sendControl(opUnsub, sub)
	}
	s.resyncMu.Unlock()
	if !last {
		return
	}
	s.logger.Debug("Instrument released", "instrument_id", sub.InstrumentID)
}

// SendSubscribe writes one subscribe frame for subs. Requires Connected.
func (s *Service) SendSubscribe(subs ...Subscription) error {
	return s.send(opSubscribe, subs)
}

// SendUnsubscribe writes one unsubscribe frame for subs. Requires Connected.
func (s *Service) SendUnsubscribe(subs ...Subscription) error {
	return s.send(opUnsub, subs)
}

// sendControl sends one frame for sub when connected. While disconnected
// the next resync covers it.
func (s *Service) sendControl(op string, sub Subscription) {
	if err := s.send(op, []Subscription{sub}); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn("Upstream control frame failed", "operation", op, "instrument_id", sub.InstrumentID, "error", err)
	}
}

func (s *Service) send(op string, subs []Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	s.mu.RLock()
	c, code := s.client, s.clientCode
	s.mu.RUnlock()
	if c == nil || s.State() != StateConnected {
		return ErrNotConnected
	}
	if err := c.SendJSON(newFeedRequest(op, code, subs)); err != nil {
		return fmt.Errorf("send %s frame: %w", op, err)
	}
	return nil
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}
		s.maintain(ctx)
	}
}

// maintain keeps the feed connected until shutdown, or until credentials
// are missing or rejected, in which case it parks until the next kick.
func (s *Service) maintain(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectBaseWait
	b.MaxInterval = s.cfg.ReconnectMaxWait
	b.Reset()

	for {
		err := s.connectAndServe(ctx, b)
		if ctx.Err() != nil {
			return
		}
		s.recordError(err)

		switch {
		case errors.Is(err, ErrNoCredentials):
			if s.credsReported.CompareAndSwap(false, true) {
				s.logger.Warn("Feed credentials missing; waiting for refresh")
			} else {
				s.logger.Debug("Feed credentials still missing")
			}
			return
		case errors.Is(err, ErrCredentialsRejected):
			s.logger.Error("Feed rejected credentials; waiting for refresh", "error", err)
			return
		}

		wait := b.NextBackOff()
		s.reconnects.Add(1)
		s.logger.Warn("Feed disconnected, reconnecting", "error", err, "delay", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Service) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Service) connectAndServe(ctx context.Context, b *backoff.ExponentialBackOff) error {
	var creds Credentials
	ok := false
	if s.cfg.Credentials != nil {
		creds, ok = s.cfg.Credentials.Credentials()
	}
	if !ok || creds.AccessToken == "" || creds.ClientCode == "" {
		return ErrNoCredentials
	}

	url, err := FeedURL(s.cfg.FeedURL, creds)
	if err != nil {
		return err
	}

	s.setState(StateConnecting)
	defer s.setState(StateDisconnected)

	c := NewClient(ClientConfig{
		URL:              url,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		PingInterval:     s.cfg.PingInterval,
		PongWait:         s.cfg.PongWait,
		WriteTimeout:     s.cfg.WriteTimeout,
		BufferSize:       s.cfg.BufferSize,
	}, s.logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}

	defer func() {
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		_ = c.Close()
	}()
	b.Reset()
	s.credsReported.Store(false)
	if err := s.goLive(c, creds.ClientCode); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return errClosedLocally
		case err := <-c.Errors():
			return err
		case msg := <-c.Messages():
			s.handle(msg)
		}
	}
}

// goLive publishes c as the active connection and sends the resync frame.
// Subscribe and Unsubscribe wait for it, so a change lands either in the
// snapshot or in a later incremental frame, never both.
func (s *Service) goLive(c *Client, clientCode string) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	s.mu.Lock()
	s.client = c
	s.clientCode = clientCode
	s.connectedAt = time.Now()
	s.lastErr = nil
	s.mu.Unlock()

	s.setState(StateConnected)
	s.logger.Info("Feed connected", "client_code", clientCode)

	subs := s.registry.Snapshot()
	if len(subs) == 0 {
		return nil
	}
	if err := c.SendJSON(newFeedRequest(opSubscribe, clientCode, subs)); err != nil {
		return fmt.Errorf("resync subscriptions: %w", err)
	}
	s.logger.Info("Resynced subscriptions", "count", len(subs))
	return nil
}

func (s *Service) handle(msg Message) {
	ticks, err := s.normalizer.Normalize(msg.Data, msg.ReceivedAt)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Debug("Dropping malformed feed message", "error", err, "bytes", len(msg.Data))
		return
	}
	for _, t := range ticks {
		s.fanout.Publish(t)
	}
}
