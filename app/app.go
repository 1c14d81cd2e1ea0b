// Package app assembles the gateway process: configuration, the broker
// manager, the downstream gateway and the HTTP server, wired with fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/marketmind/marketmind-gateway/auth"
	"github.com/marketmind/marketmind-gateway/broker"
	"github.com/marketmind/marketmind-gateway/broker/ops"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
	"github.com/marketmind/marketmind-gateway/gateway"
	"github.com/marketmind/marketmind-gateway/web"
)

// App represents the main application structure
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	logBuffer *ops.LogBuffer
}

// NewApp creates an App configured from the environment.
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config:    ConfigFromEnv(),
		Version:   "v0.0.0",
		startTime: time.Now(),
		logger:    logger,
	}
}

// SetVersion sets the server version
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the buffer behind the ops log stream.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig applies defaults and validates the configuration.
func (app *App) LoadConfig() error {
	if err := app.Config.applyDefaults(); err != nil {
		return err
	}
	if app.Config.JWTSecret == "" {
		app.logger.Warn("JWT_SECRET_KEY not set; streaming endpoints are unauthenticated")
	}
	return nil
}

// Options returns the fx graph for the process.
func (app *App) Options() fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: app.logger.With("component", "fx")}
		}),
		fx.Supply(app.Config),
		fx.Provide(
			app.newBroker,
			app.newGateway,
			app.newRateLimiter,
			app.newMux,
			app.newHTTPServer,
		),
		fx.Invoke(func(*http.Server) {}),
	)
}

// RunServer starts every component and blocks until SIGINT or SIGTERM.
func (app *App) RunServer() error {
	fxApp := fx.New(app.Options())
	if err := fxApp.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), fxApp.StartTimeout())
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	sig := <-fxApp.Done()
	app.logger.Info("Shutting down server...", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), fxApp.StopTimeout())
	defer stopCancel()
	if err := fxApp.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	app.logger.Info("Server shutdown complete")
	return nil
}

func (app *App) newBroker(lc fx.Lifecycle, cfg *Config) (*broker.Manager, error) {
	tc := ticker.DefaultConfig()
	tc.FeedURL = cfg.FeedURL

	m, err := broker.New(broker.Config{
		Logger:           app.logger,
		TokenStorePath:   cfg.TokenStorePath,
		CredentialDBPath: cfg.CredentialDBPath,
		EncryptionSecret: cfg.SecretKey,
		ScripmasterPath:  cfg.ScripmasterPath,
		Ticker:           tc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create broker manager: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: m.Start,
		OnStop:  m.Shutdown,
	})
	return m, nil
}

func (app *App) newGateway(lc fx.Lifecycle, cfg *Config, m *broker.Manager) *gateway.Server {
	gcfg := gateway.DefaultConfig()
	gcfg.Relay = m
	gcfg.Resolver = m.Instruments()
	gcfg.Logger = app.logger
	gcfg.AllowedOrigins = cfg.AllowedOrigins
	srv := gateway.NewServer(gcfg)

	lc.Append(fx.StopHook(srv.Close))
	return srv
}

func (app *App) newRateLimiter(lc fx.Lifecycle) *web.RateLimiter {
	rl := web.NewRateLimiter(web.DefaultRateLimitConfig())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			rl.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			rl.Stop()
			return nil
		},
	})
	return rl
}

func (app *App) newHTTPServer(lc fx.Lifecycle, cfg *Config, mux *http.ServeMux) *http.Server {
	// Streaming handlers exit on their request context, which Shutdown
	// alone never cancels.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			srv.Addr = ln.Addr().String()
			app.logger.Info("Gateway listening", "url", "http://"+srv.Addr, "version", app.Version)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					app.logger.Error("HTTP server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRequests()
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

// verifier returns nil when gateway auth is disabled.
func (app *App) verifier() *auth.Verifier {
	return auth.NewVerifier(app.Config.JWTSecret, app.Config.JWTAudience)
}
