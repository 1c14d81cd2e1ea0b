package app

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/marketmind/marketmind-gateway/auth"
	"github.com/marketmind/marketmind-gateway/broker"
	"github.com/marketmind/marketmind-gateway/broker/instruments"
	"github.com/marketmind/marketmind-gateway/broker/ops"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
	"github.com/marketmind/marketmind-gateway/gateway"
	"github.com/marketmind/marketmind-gateway/web"
)

const opsPrefix = "/admin/ops"

// newMux mounts every public and admin route.
func (app *App) newMux(m *broker.Manager, gw *gateway.Server, rl *web.RateLimiter) *http.ServeMux {
	mux := http.NewServeMux()
	requireAuth := auth.RequireAuth(app.verifier(), app.logger)
	public := func(h http.HandlerFunc) http.Handler {
		return rl.Middleware(requireAuth(h))
	}

	mux.HandleFunc("/", app.health)
	mux.Handle("/ws", public(gw.ServeWS))
	mux.Handle("/api/stream", public(gw.ServeSSE))

	stocks := &stockHandler{instruments: m.Instruments()}
	mux.Handle("/api/stocks/lookup", rl.Middleware(http.HandlerFunc(stocks.lookup)))
	mux.Handle("/api/stocks/search", rl.Middleware(http.HandlerFunc(stocks.search)))

	opsHandler := ops.New(m, app.logBuffer, app.logger, app.Version, app.startTime)
	switch {
	case app.Config.JWTSecret != "":
		opsHandler.RegisterRoutes(mux, opsPrefix, requireAuth)
		app.logger.Info("Ops API mounted", "prefix", opsPrefix, "auth", "jwt")
	case app.Config.AdminSecretPath != "":
		prefix := "/admin/" + app.Config.AdminSecretPath + "/ops"
		opsHandler.RegisterRoutes(mux, prefix, func(next http.Handler) http.Handler { return next })
		app.logger.Info("Ops API mounted under the admin secret path")
	default:
		app.logger.Info("Ops API disabled: set JWT_SECRET_KEY or ADMIN_ENDPOINT_SECRET_PATH")
	}
	return mux
}

func (app *App) health(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "MarketMind backend running"})
}

type stockHandler struct {
	instruments *instruments.Manager
}

// lookup resolves ?symbol= (and optional ?exchange=) to one instrument.
func (h *stockHandler) lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	exch, err := ticker.ParseExchange(queryOr(r, "exchange", "N"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, ok := h.instruments.Lookup(symbol, string(exch))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// search returns instruments whose names contain ?q=.
func (h *stockHandler) search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	exch, err := ticker.ParseExchange(queryOr(r, "exchange", "N"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seg, err := ticker.ParseSegment(queryOr(r, "exchange_type", "C"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": h.instruments.Search(q, string(exch), string(seg)),
	})
}

func queryOr(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
