// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// adminServer is the small HTTP API used by operators to inspect the poller
// and to start a sweep without waiting for the interval.
type adminServer struct {
	bridge *Bridge
	server *http.Server
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Running   bool       `json:"running"`
	Accounts  int        `json:"accounts"`
	LastSweep SweepStats `json:"last_sweep"`
}

func newAdminServer(b *Bridge, addr string) *adminServer {
	a := &adminServer{bridge: b}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/poll", a.handlePoll)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return a
}

func (a *adminServer) start() {
	go func() {
		a.bridge.Log.Info().Str("addr", a.server.Addr).Msg("Starting bridge admin API")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.bridge.Log.Err(err).Msg("Bridge admin API error")
		}
	}()
}

func (a *adminServer) stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.bridge.Log.Warn().Err(err).Msg("Failed to shut down admin API")
	}
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accounts, err := store.View(r.Context(), a.bridge.Store, func(ctx context.Context, tx *store.Tx) ([]*store.Account, error) {
		return tx.ListAccounts(ctx)
	})
	if err != nil {
		a.bridge.Log.Err(err).Msg("Failed to count accounts for status request")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, &StatusResponse{
		Running:   a.bridge.poller.IsRunning(),
		Accounts:  len(accounts),
		LastSweep: a.bridge.poller.Stats(),
	})
}

func (a *adminServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.bridge.Log.Info().Str("remote_addr", r.RemoteAddr).Msg("Sweep requested")
	a.bridge.poller.Trigger()
	a.writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (a *adminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.bridge.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
