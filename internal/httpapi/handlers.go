package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"keysafe.org/internal/custody"
	"keysafe.org/internal/events"
	"keysafe.org/internal/obs"
)

// ReadyProbe reports whether the service's backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the custody service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        custody.Service
	bus        *events.Bus
}

func New(rp ReadyProbe, version string, svc custody.Service, bus *events.Bus) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		bus:        bus,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// custody surface
	a.mux.HandleFunc("/v1/keys", a.handleKeysCollection)
	a.mux.HandleFunc("/v1/keys/", a.handleKeyResource)
	a.mux.HandleFunc("/v1/requests", a.handleRequestsCollection)
	a.mux.HandleFunc("/v1/requests/", a.handleRequestResource)
	a.mux.HandleFunc("/v1/issue", a.handleIssue)
	a.mux.HandleFunc("/v1/return", a.handleReturn)
	a.mux.HandleFunc("/v1/transactions/open", a.handleOpenTransactions)
	a.mux.HandleFunc("/v1/transactions/", a.handleTransactionResource)

	// live custody events (SSE)
	a.mux.HandleFunc("/v1/events", a.Stream)

	// dev token mint
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keysafe-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "keysafe-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
