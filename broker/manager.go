// Package broker wires the 5paisa feed relay together: credentials, the
// scripmaster and the ticker service.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marketmind/marketmind-gateway/broker/instruments"
	"github.com/marketmind/marketmind-gateway/broker/store"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// Config holds configuration for creating a new broker Manager.
type Config struct {
	Logger           *slog.Logger         // required
	TokenStorePath   string               // required: token_store.json
	CredentialDBPath string               // optional: SQLite mirror of the credentials
	EncryptionSecret string               // optional: encrypts tokens in the mirror
	ScripmasterPath  string               // optional: symbol lookup is disabled without it
	Ticker           ticker.Config        // FeedURL and timings; Credentials and Logger are set here
	Instruments      *instruments.Manager // optional: preloaded scripmaster for tests
}

// Manager owns the long-lived relay components.
type Manager struct {
	Logger *slog.Logger

	credentialStore *CredentialStore
	db              *store.DB
	instruments     *instruments.Manager
	tickerService   *ticker.Service

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates a new broker Manager with the given configuration.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.TokenStorePath == "" {
		return nil, errors.New("token store path is required")
	}

	m := &Manager{
		Logger:          cfg.Logger,
		credentialStore: NewCredentialStore(cfg.TokenStorePath),
	}
	m.credentialStore.SetLogger(cfg.Logger)

	if cfg.CredentialDBPath != "" {
		db, err := store.OpenDB(cfg.CredentialDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential db: %w", err)
		}
		if cfg.EncryptionSecret != "" {
			key, err := store.DeriveEncryptionKey(cfg.EncryptionSecret)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to derive encryption key: %w", err)
			}
			db.SetEncryptionKey(key)
		} else {
			cfg.Logger.Warn("SECRET_KEY not set; access tokens are stored unencrypted", "path", cfg.CredentialDBPath)
		}
		m.db = db
		m.credentialStore.SetDB(db)
	}

	m.instruments = cfg.Instruments
	if m.instruments == nil {
		m.instruments = instruments.New(cfg.Logger)
		if cfg.ScripmasterPath != "" {
			if err := m.instruments.LoadFile(cfg.ScripmasterPath); err != nil {
				cfg.Logger.Warn("Scripmaster not loaded; symbol lookup disabled", "error", err)
			}
		}
	}

	tc := cfg.Ticker
	tc.Credentials = m.credentialStore
	tc.Logger = cfg.Logger
	m.tickerService = ticker.New(tc)

	m.credentialStore.OnChange(func(Credentials) {
		if m.tickerService.Registry().Len() > 0 {
			m.tickerService.EnsureConnected()
		}
	})
	return m, nil
}

// CredentialStore returns the feed credential store.
func (m *Manager) CredentialStore() *CredentialStore { return m.credentialStore }

// TickerService returns the upstream feed service.
func (m *Manager) TickerService() *ticker.Service { return m.tickerService }

// Instruments returns the scripmaster index.
func (m *Manager) Instruments() *instruments.Manager { return m.instruments }

// Start loads credentials, starts the feed goroutine and the token file
// watcher. Missing credentials are logged, not fatal: the feed stays
// disconnected until the token file appears.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.credentialStore.Load(); err != nil {
		m.Logger.Warn("Feed credentials unavailable", "path", m.credentialStore.Path(), "error", err)
	}
	if err := m.tickerService.Start(); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.watchCancel = cancel
	m.watchDone = make(chan struct{})
	go func() {
		defer close(m.watchDone)
		if err := m.credentialStore.Watch(wctx); err != nil {
			m.Logger.Warn("Token file watch disabled", "error", err)
		}
	}()

	if _, ok := m.credentialStore.Get(); ok {
		m.tickerService.EnsureConnected()
	}
	return nil
}

// Shutdown stops the watcher and the feed, then closes the database.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.watchCancel != nil {
		m.watchCancel()
		<-m.watchDone
		m.watchCancel = nil
	}
	err := m.tickerService.Stop(ctx)
	if m.db != nil {
		if cerr := m.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.db = nil
	}
	return err
}

// Subscribe registers l for ticks of sub.
func (m *Manager) Subscribe(sub ticker.Subscription, l ticker.Listener) (ticker.Handle, error) {
	return m.tickerService.Subscribe(sub, l)
}

// Unsubscribe releases a handle returned by Subscribe.
func (m *Manager) Unsubscribe(h ticker.Handle) {
	m.tickerService.Unsubscribe(h)
}

// Reconnect reloads the token file and forces a fresh feed connection.
func (m *Manager) Reconnect() error {
	if err := m.credentialStore.Load(); err != nil {
		return fmt.Errorf("reload credentials: %w", err)
	}
	m.tickerService.Reconnect()
	return nil
}
