package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"trail-svr/internal/dispatcher"
	"trail-svr/internal/pipeline"
	"trail-svr/internal/scheduler"
)

// maxIngestBody caps one POST of samples.
const maxIngestBody = 1 << 20

// Sessions is the dispatcher surface the API drives.
type Sessions interface {
	Ingest(ctx context.Context, deviceID string, samples ...pipeline.Sample) int
	State(deviceID string) (scheduler.State, error)
	SetInterval(deviceID string, seconds int) error
	End(ctx context.Context, deviceID string) error
	Devices() []string
}

// SampleReader reads a device's live feed.
type SampleReader interface {
	Samples(ctx context.Context, deviceID string) ([]pipeline.Sample, error)
}

type DeviceHandler struct {
	sessions Sessions
	feed     SampleReader
	logger   *slog.Logger
}

// NewDeviceHandler builds the device endpoints; feed may be nil.
func NewDeviceHandler(sessions Sessions, feed SampleReader, logger *slog.Logger) *DeviceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceHandler{sessions: sessions, feed: feed, logger: logger.With("component", "api")}
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

type intervalRequest struct {
	Seconds int `json:"seconds"`
}

func (h *DeviceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"devices": h.sessions.Devices()})
}

// HandleIngest accepts a JSON array of samples. Samples with missing or
// invalid coordinates are counted as rejected and skipped.
func (h *DeviceHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var raw []pipeline.RawSample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&raw); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid sample array: "+err.Error())
		return
	}

	samples := make([]pipeline.Sample, 0, len(raw))
	for _, rs := range raw {
		s, err := rs.Sample()
		if err != nil {
			h.logger.Debug("api: rejected sample", "device", id, "ts", rs.TimestampMillis, "err", err)
			continue
		}
		samples = append(samples, s)
	}
	accepted := h.sessions.Ingest(r.Context(), id, samples...)
	h.writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: accepted, Rejected: len(raw) - accepted})
}

func (h *DeviceHandler) HandleSamples(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		h.writeError(w, http.StatusNotImplemented, "no live feed configured")
		return
	}
	samples, err := h.feed.Samples(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("api: read feed", "err", err)
		h.writeError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, samples)
}

func (h *DeviceHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.State(r.PathValue("id"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *DeviceHandler) HandleInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if err := h.sessions.SetInterval(id, req.Seconds); err != nil {
		h.writeSessionError(w, err)
		return
	}
	st, err := h.sessions.State(id)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// HandleEnd closes the device session, flushing what is still buffered.
func (h *DeviceHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.End(r.Context(), r.PathValue("id")); err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHandler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrUnknownDevice):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidInterval):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("api: session error", "err", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *DeviceHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *DeviceHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}
