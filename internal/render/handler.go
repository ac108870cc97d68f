package render

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trail-svr/internal/observability"
	"trail-svr/internal/playback"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// SourceFunc returns the sample source for a device.
type SourceFunc func(deviceID string) playback.SampleSource

// Request is a viewer-to-server message. Select switches the vehicle being
// played back; Snapshot asks for the current catch-up view.
type Request struct {
	Select   string `json:"select,omitempty"`
	Snapshot bool   `json:"snapshot,omitempty"`
}

// Handler upgrades GET /ws/track/{id} and plays device id back to the viewer.
type Handler struct {
	sources  SourceFunc
	playback playback.Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(sources SourceFunc, opts playback.Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	return &Handler{
		sources:  sources,
		playback: opts,
		logger:   logger.With("component", "render"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The console is served from elsewhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Warn("render: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	observability.Viewers.Inc()
	defer observability.Viewers.Dec()

	v := newViewer(uuid.NewString(), conn, h.logger)
	h.logger.Info("render: viewer connected", "viewer", v.ID, "device", deviceID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	player := h.bind(ctx, v, deviceID)
	defer func() {
		v.close()
		player.Reset()
		h.logger.Info("render: viewer disconnected", "viewer", v.ID, "device", v.Device())
	}()

	go h.keepAlive(ctx, v)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("render: read error", "viewer", v.ID, "err", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			v.send(TypeError, "invalid request")
			continue
		}
		switch {
		case req.Select != "" && req.Select != v.Device():
			h.logger.Info("render: vehicle switch", "viewer", v.ID, "from", v.Device(), "to", req.Select)
			player.Reset()
			player = h.bind(ctx, v, req.Select)
		case req.Snapshot:
			v.send(TypeSnapshot, snapshotPayload(player.Snapshot()))
		}
	}
}

// bind points v at deviceID and starts a fresh synchronizer for it.
func (h *Handler) bind(ctx context.Context, v *Viewer, deviceID string) *playback.Synchronizer {
	v.setDevice(deviceID)
	v.send(TypeSession, map[string]string{"viewer": v.ID})
	s := playback.New(h.sources(deviceID), v, h.playback)
	s.Start(ctx)
	return s
}

func (h *Handler) keepAlive(ctx context.Context, v *Viewer) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := v.ping(); err != nil {
				return
			}
		}
	}
}
