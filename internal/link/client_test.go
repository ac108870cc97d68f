package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trail-svr/internal/cycle"
	"trail-svr/internal/pipeline"
)

type proxy struct {
	ln    net.Listener
	conns chan net.Conn
}

func newProxy(t *testing.T) *proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &proxy{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *proxy) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func startClient(t *testing.T, addr string, onCommand func(Command)) *Client {
	t.Helper()
	c := NewClient(addr, slog.Default(), onCommand)
	c.dialBackoff = 10 * time.Millisecond
	c.reconnectBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func readLine(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(line, &m))
	return m
}

func TestSend_NotConnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", slog.Default(), nil)
	err := c.Send(context.Background(), &cycle.Cycle{})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSend_WritesNDJSON(t *testing.T) {
	p := newProxy(t)
	c := startClient(t, p.ln.Addr().String(), nil)
	conn := p.accept(t)
	require.Eventually(t, c.Connected, 5*time.Second, 5*time.Millisecond)

	cy := cycle.Build(cycle.Identity{DeviceID: "356307042441013"}, []pipeline.Sample{
		{TimestampMillis: 0, Lat: 37.0, Lon: 127.0},
		{TimestampMillis: 1000, Lat: 37.001, Lon: 127.0},
	}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, c.Send(context.Background(), cy))

	c.SendDeviceEvent(context.Background(), DeviceInfo{
		IMEI:     "356307042441013",
		RemoteIP: "10.0.0.7",
		State:    DeviceStateConnect,
	})
	c.SendDeviceEvent(context.Background(), DeviceInfo{
		IMEI:        "356307042441013",
		State:       DeviceStateDisconnect,
		CyclesSent:  4,
		EntriesSent: 40,
	})

	r := bufio.NewReader(conn)
	first := readLine(t, r)
	body, ok := first["cycle"].(map[string]any)
	require.True(t, ok, "cycle envelope")
	assert.Equal(t, "356307042441013", body["deviceId"])
	assert.Equal(t, 2.0, body["entryCount"])

	connect := readLine(t, r)
	assert.Equal(t, true, connect["device_connect"])
	assert.Equal(t, "10.0.0.7", connect["remote_ip"])
	assert.NotContains(t, connect, "device_disconnect")

	disconnect := readLine(t, r)
	assert.Equal(t, true, disconnect["device_disconnect"])
	assert.Equal(t, 40.0, disconnect["entries_sent"])
}

func TestSend_CancelledContext(t *testing.T) {
	p := newProxy(t)
	c := startClient(t, p.ln.Addr().String(), nil)
	p.accept(t)
	require.Eventually(t, c.Connected, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Send(ctx, &cycle.Cycle{}), context.Canceled)
}

func TestCommandsAreDelivered(t *testing.T) {
	p := newProxy(t)
	got := make(chan Command, 2)
	startClient(t, p.ln.Addr().String(), func(cmd Command) { got <- cmd })
	conn := p.accept(t)

	_, err := conn.Write([]byte("garbage\n{\"command\":\"set_interval\",\"imei\":\"42\",\"seconds\":30}\n"))
	require.NoError(t, err)

	select {
	case cmd := <-got:
		assert.Equal(t, Command{Type: CommandSetInterval, DeviceID: "42", Seconds: 30}, cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	p := newProxy(t)
	c := startClient(t, p.ln.Addr().String(), nil)

	first := p.accept(t)
	require.Eventually(t, c.Connected, 5*time.Second, 5*time.Millisecond)
	_ = first.Close()

	second := p.accept(t)
	require.Eventually(t, c.Connected, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Send(context.Background(), &cycle.Cycle{Identity: cycle.Identity{DeviceID: "x"}}) == nil
	}, 5*time.Second, 10*time.Millisecond)

	m := readLine(t, bufio.NewReader(second))
	assert.Contains(t, m, "cycle")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr bool
	}{
		{"set interval", `{"command":"set_interval","imei":"1","seconds":5}`, Command{Type: CommandSetInterval, DeviceID: "1", Seconds: 5}, false},
		{"end session", `{"command":"end_session","imei":"1"}`, Command{Type: CommandEndSession, DeviceID: "1"}, false},
		{"zero seconds", `{"command":"set_interval","imei":"1"}`, Command{}, true},
		{"missing imei", `{"command":"end_session"}`, Command{}, true},
		{"unknown", `{"command":"reboot","imei":"1"}`, Command{}, true},
		{"not json", `ok`, Command{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
