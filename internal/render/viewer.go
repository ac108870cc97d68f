// Package render streams playback to browsers over a websocket. Each viewer
// connection owns one playback.Synchronizer and receives its renderer calls
// as GeoJSON messages.
package render

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trail-svr/internal/playback"
)

// Message types sent to viewers.
const (
	TypeSession  = "session"
	TypeStatic   = "static"
	TypeSegment  = "segment"
	TypeMarker   = "marker"
	TypeRecenter = "recenter"
	TypeSnapshot = "snapshot"
	TypeError    = "error"
)

const writeWait = 10 * time.Second

// Message is one server-to-viewer websocket message.
type Message struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Viewer is a playback.Renderer writing to one websocket connection. Writes
// after Close are dropped.
type Viewer struct {
	ID     string
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	device string
	closed bool
}

func newViewer(id string, conn *websocket.Conn, logger *slog.Logger) *Viewer {
	return &Viewer{ID: id, conn: conn, logger: logger.With("viewer", id)}
}

func (v *Viewer) setDevice(id string) {
	v.mu.Lock()
	v.device = id
	v.mu.Unlock()
}

// Device is the vehicle currently being played back.
func (v *Viewer) Device() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.device
}

func (v *Viewer) close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}

func (v *Viewer) send(typ string, data any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	b, err := json.Marshal(Message{Type: typ, Device: v.device, Data: data})
	if err != nil {
		v.logger.Error("render: encode message", "type", typ, "err", err)
		return
	}
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		v.logger.Debug("render: write failed", "type", typ, "err", err)
		v.closed = true
	}
}

func (v *Viewer) ping() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return websocket.ErrCloseSent
	}
	return v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (v *Viewer) DrawStatic(segments []playback.Segment) {
	v.send(TypeStatic, SegmentCollection(segments))
}

func (v *Viewer) DrawSegment(seg playback.Segment) {
	v.send(TypeSegment, SegmentFeature(seg))
}

func (v *Viewer) MoveMarker(pos playback.Position) {
	v.send(TypeMarker, MarkerFeature(pos))
}

func (v *Viewer) Recenter(lat, lon float64) {
	v.send(TypeRecenter, MarkerFeature(playback.Position{Lat: lat, Lon: lon}))
}
