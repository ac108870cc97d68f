package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"trail-svr/internal/observability"
)

// NewServer wires the device API, the playback websocket and the health and
// metrics endpoints onto one mux. ws may be nil when playback is disabled.
func NewServer(addr string, devices *DeviceHandler, ws http.Handler) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/devices", devices.HandleList)
	mux.HandleFunc("POST /api/devices/{id}/samples", devices.HandleIngest)
	mux.HandleFunc("GET /api/devices/{id}/samples", devices.HandleSamples)
	mux.HandleFunc("GET /api/devices/{id}/dispatch", devices.HandleState)
	mux.HandleFunc("PUT /api/devices/{id}/dispatch/interval", devices.HandleInterval)
	mux.HandleFunc("DELETE /api/devices/{id}", devices.HandleEnd)

	if ws != nil {
		mux.Handle("GET /ws/track/{id}", ws)
	}

	health := observability.MetricsHandler()
	mux.Handle("/metrics", health)
	mux.Handle("/healthz", health)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api: listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
