package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/marketmind/marketmind-gateway/broker/instruments"
	"github.com/marketmind/marketmind-gateway/broker/ops"
)

// testLogger creates a discard logger for tests
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const scripmaster = `Exch,ExchType,ScripCode,Name,FullName,Series,ISIN,SymbolRoot
N,C,2885,RELIANCE,RELIANCE INDUSTRIES LTD,EQ,INE002A01018,RELIANCE
N,C,1660,ITC,ITC LTD,EQ,INE154A01025,ITC
B,C,500325,RELIANCE,RELIANCE INDUSTRIES LTD,A,INE002A01018,RELIANCEB
`

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("APP_PORT", "9000")
	t.Setenv("FEED_URL", "wss://feed.example.com/ws")
	t.Setenv("JWT_SECRET_KEY", "jwt")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg := ConfigFromEnv()
	assert.Equal(t, "9000", cfg.AppPort)
	assert.Equal(t, "wss://feed.example.com/ws", cfg.FeedURL)
	assert.Equal(t, "jwt", cfg.JWTSecret)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestLoadConfig_Defaults(t *testing.T) {
	app := &App{Config: &Config{}, logger: testLogger()}
	require.NoError(t, app.LoadConfig())

	assert.Equal(t, "localhost:5000", app.Config.Addr())
	assert.Equal(t, "wss://openfeed.5paisa.com/feeds/api/chat", app.Config.FeedURL)
	assert.Equal(t, DefaultTokenStorePath, app.Config.TokenStorePath)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "http feed", cfg: Config{FeedURL: "https://openfeed.5paisa.com/feeds"}},
		{name: "no host", cfg: Config{FeedURL: "ws:///feeds"}},
		{name: "unparseable", cfg: Config{FeedURL: "ws://[::1"}},
		{name: "nested admin path", cfg: Config{AdminSecretPath: "a/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &App{Config: &tt.cfg, logger: testLogger()}
			assert.Error(t, app.LoadConfig())
		})
	}
}

// newTestApp builds an App on an ephemeral port with a small scripmaster.
func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	dir := t.TempDir()
	smPath := filepath.Join(dir, "scripmaster.csv")
	require.NoError(t, os.WriteFile(smPath, []byte(scripmaster), 0o600))

	cfg.AppHost = "127.0.0.1"
	cfg.AppPort = "0"
	cfg.FeedURL = "ws://127.0.0.1:1/feeds"
	cfg.TokenStorePath = filepath.Join(dir, "token_store.json")
	cfg.CredentialDBPath = ":memory:"
	cfg.ScripmasterPath = smPath

	app := &App{Config: &cfg, Version: "v-test", startTime: time.Now(), logger: testLogger()}
	app.SetLogBuffer(ops.NewLogBuffer(10))
	require.NoError(t, app.LoadConfig())
	return app
}

// startApp runs the full fx graph and returns its mux.
func startApp(t *testing.T, cfg Config) *http.ServeMux {
	t.Helper()
	app := newTestApp(t, cfg)

	var mux *http.ServeMux
	fxApp := fxtest.New(t, app.Options(), fx.Populate(&mux))
	fxApp.RequireStart()
	t.Cleanup(fxApp.RequireStop)
	return mux
}

func get(mux *http.ServeMux, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	mux := startApp(t, Config{})

	rec := get(mux, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"MarketMind backend running"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(mux, "/nope").Code)
}

func TestStocksLookup(t *testing.T) {
	mux := startApp(t, Config{})

	rec := get(mux, "/api/stocks/lookup?symbol=reliance")
	require.Equal(t, http.StatusOK, rec.Code)
	var inst instruments.Instrument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, int64(2885), inst.ScripCode)

	assert.Equal(t, http.StatusNotFound, get(mux, "/api/stocks/lookup?symbol=NOPE").Code)
	assert.Equal(t, http.StatusBadRequest, get(mux, "/api/stocks/lookup").Code)
	assert.Equal(t, http.StatusBadRequest, get(mux, "/api/stocks/lookup?symbol=ITC&exchange=X").Code)
}

func TestStocksSearch(t *testing.T) {
	mux := startApp(t, Config{})

	rec := get(mux, "/api/stocks/search?q=rel")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []instruments.Instrument `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, int64(2885), body.Results[0].ScripCode)

	rec = get(mux, "/api/stocks/search?q=rel&exchange=BSE")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, int64(500325), body.Results[0].ScripCode)

	assert.Equal(t, http.StatusBadRequest, get(mux, "/api/stocks/search").Code)
}

func TestOpsUnderSecretPath(t *testing.T) {
	mux := startApp(t, Config{AdminSecretPath: "s3cret"})

	rec := get(mux, "/admin/s3cret/ops/api/overview")
	require.Equal(t, http.StatusOK, rec.Code)
	var overview map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Equal(t, "v-test", overview["version"])

	assert.Equal(t, http.StatusNotFound, get(mux, "/admin/ops/api/overview").Code)
}

func TestJWTProtectsStreamsAndOps(t *testing.T) {
	const secret = "jwt-test-secret"
	mux := startApp(t, Config{JWTSecret: secret})

	assert.Equal(t, http.StatusUnauthorized, get(mux, "/admin/ops/api/overview").Code)
	assert.Equal(t, http.StatusUnauthorized, get(mux, "/api/stream?scrip_code=1660").Code)
	assert.Equal(t, http.StatusUnauthorized, get(mux, "/ws").Code)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(mux, "/admin/ops/api/overview", "Authorization", "Bearer "+tok).Code)
}

func TestStopWithOpenStreams(t *testing.T) {
	app := newTestApp(t, Config{AdminSecretPath: "s3cret"})
	var srv *http.Server
	fxApp := fxtest.New(t, app.Options(), fx.Populate(&srv))
	fxApp.RequireStart()

	base := "http://" + srv.Addr
	for _, path := range []string{"/api/stream?scrip_code=1660", "/admin/s3cret/ops/api/logs"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, fxApp.Stop(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)
}
