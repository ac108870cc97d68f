package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"trail-svr/internal/cycle"
)

// ErrNotConnected is returned while the proxy connection is down.
var ErrNotConnected = errors.New("link: not connected")

const (
	dialBackoff      = 5 * time.Second
	reconnectBackoff = 2 * time.Second
	writeTimeout     = 5 * time.Second
)

// Client keeps one NDJSON connection to the socket proxy open and reconnects
// when it drops.
type Client struct {
	addr      string
	logger    *slog.Logger
	onCommand func(Command)

	dialBackoff      time.Duration
	reconnectBackoff time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient builds a client for addr. Commands received from the proxy are
// handed to onCommand, which may be nil.
func NewClient(addr string, logger *slog.Logger, onCommand func(Command)) *Client {
	return &Client{
		addr:             addr,
		logger:           logger.With("component", "link"),
		onCommand:        onCommand,
		dialBackoff:      dialBackoff,
		reconnectBackoff: reconnectBackoff,
	}
}

// Run dials the proxy and reads from it until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !sleep(ctx, c.dialBackoff) {
				return nil
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("link: connection closed, reconnecting...")
		if !sleep(ctx, c.reconnectBackoff) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Connected reports whether the proxy connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewScanner(conn)
	r.Buffer(make([]byte, 0, 4096), 1<<20)
	for r.Scan() {
		c.handleIncomingLine(r.Bytes())
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("link: read error", "err", err)
	}
}

func (c *Client) handleIncomingLine(line []byte) {
	cmd, err := ParseCommand(line)
	if err != nil {
		c.logger.Info("link: incoming line", "line", string(line), "err", err)
		return
	}
	c.logger.Info("link: command", "type", cmd.Type, "device", cmd.DeviceID)
	if c.onCommand != nil {
		c.onCommand(cmd)
	}
}

// sendNDJSON writes v as one JSON line. Writes are serialised so lines from
// concurrent senders never interleave.
func (c *Client) sendNDJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// Send implements the scheduler uplink over the proxy connection.
func (c *Client) Send(ctx context.Context, cy *cycle.Cycle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sendNDJSON(ctx, cyclePayload{Cycle: cy})
}

// SendDeviceEvent reports a device session change to the proxy. It is
// called after the TCP handshake with the device and again when the session
// ends, with the final totals.
func (c *Client) SendDeviceEvent(ctx context.Context, info DeviceInfo) {
	pl := deviceEventPayload{
		IMEI:       info.IMEI,
		RemoteIP:   info.RemoteIP,
		RemotePort: info.RemotePort,
	}
	switch info.State {
	case DeviceStateConnect:
		pl.DeviceConnect = true
	case DeviceStateDisconnect:
		pl.DeviceDisconnect = true
		pl.CyclesSent = info.CyclesSent
		pl.EntriesSent = info.EntriesSent
	default:
		c.logger.Warn("link: unknown device state", "imei", info.IMEI, "state", int(info.State))
		return
	}
	if err := c.sendNDJSON(ctx, pl); err != nil {
		c.logger.Warn("link: send device event failed", "imei", info.IMEI, "state", info.State.String(), "err", err)
	}
}
