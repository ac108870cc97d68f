package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trail-svr/internal/codec"
)

const testIMEI = "356307042441013"

type fakeHandler struct {
	mu     sync.Mutex
	opened []string
	frames [][]byte
	ended  []string
}

func (h *fakeHandler) OpenSession(_ context.Context, deviceID, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, deviceID)
}

func (h *fakeHandler) ProcessIncoming(_ context.Context, _ string, frame []byte) (int, error) {
	pkt, err := codec.DecodeAVL(frame)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, append([]byte(nil), frame...))
	return len(pkt.Records), nil
}

func (h *fakeHandler) End(_ context.Context, deviceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, deviceID)
	return nil
}

func (h *fakeHandler) snapshot() (opened []string, frames int, ended []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opened...), len(h.frames), append([]string(nil), h.ended...)
}

func startServer(t *testing.T, h Handler) (*TcpServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(h, Options{Logger: slog.Default()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func login(t *testing.T, c net.Conn) {
	t.Helper()
	_, err := c.Write(codec.LoginPacket(testIMEI))
	require.NoError(t, err)
	reply := make([]byte, 1)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), reply[0])
}

func frame(t *testing.T, n int) []byte {
	t.Helper()
	recs := make([]codec.AVLRecord, n)
	for i := range recs {
		recs[i] = codec.AVLRecord{
			Timestamp: time.Unix(1767225600+int64(i), 0),
			GPS:       codec.GPSData{Latitude: 37.5 + float64(i)*0.001, Longitude: 127.0, Satellites: 8, Speed: 30},
			IO:        map[uint16]codec.IOItem{239: {Size: 1, Val: 1}},
		}
	}
	b, err := codec.EncodeAVL(codec.Codec8, recs)
	require.NoError(t, err)
	return b
}

func readAck(t *testing.T, c net.Conn) uint32 {
	t.Helper()
	b := make([]byte, 4)
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	return binary.BigEndian.Uint32(b)
}

func TestHandshakeAndAck(t *testing.T) {
	h := &fakeHandler{}
	srv, addr := startServer(t, h)
	c := dial(t, addr)

	login(t, c)
	require.Eventually(t, func() bool { return srv.Connected(testIMEI) }, 5*time.Second, 5*time.Millisecond)

	_, err := c.Write(frame(t, 3))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), readAck(t, c))

	opened, frames, _ := h.snapshot()
	assert.Equal(t, []string{testIMEI}, opened)
	assert.Equal(t, 1, frames)
}

func TestFramesSplitAndCoalesced(t *testing.T) {
	h := &fakeHandler{}
	_, addr := startServer(t, h)
	c := dial(t, addr)

	// Login and the first frame in one write.
	first := frame(t, 2)
	_, err := c.Write(append(codec.LoginPacket(testIMEI), first[:5]...))
	require.NoError(t, err)
	reply := make([]byte, 1)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), reply[0])

	_, err = c.Write(first[5:])
	require.NoError(t, err)
	assert.Equal(t, uint32(2), readAck(t, c))

	// Two frames back to back.
	_, err = c.Write(append(frame(t, 1), frame(t, 4)...))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), readAck(t, c))
	assert.Equal(t, uint32(4), readAck(t, c))
}

func TestBadCRCIsNotAcked(t *testing.T) {
	h := &fakeHandler{}
	_, addr := startServer(t, h)
	c := dial(t, addr)
	login(t, c)

	bad := frame(t, 1)
	bad[len(bad)-1] ^= 0xff
	_, err := c.Write(bad)
	require.NoError(t, err)

	_, err = c.Write(frame(t, 2))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), readAck(t, c), "first ack belongs to the good frame")
}

func TestBadLoginIsRefused(t *testing.T) {
	h := &fakeHandler{}
	_, addr := startServer(t, h)
	c := dial(t, addr)

	_, err := c.Write(append([]byte{0x00, 0x0F}, "35630704244101x"...))
	require.NoError(t, err)
	reply := make([]byte, 1)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), reply[0])

	_, err = c.Read(reply)
	assert.True(t, errors.Is(err, io.EOF), "server closes after refusing")
}

func TestGarbageAfterLoginDropsConnection(t *testing.T) {
	h := &fakeHandler{}
	_, addr := startServer(t, h)
	c := dial(t, addr)
	login(t, c)

	_, err := c.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 1})
	require.NoError(t, err)
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, _, ended := h.snapshot()
		return len(ended) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDisconnectEndsSession(t *testing.T) {
	h := &fakeHandler{}
	srv, addr := startServer(t, h)
	c := dial(t, addr)
	login(t, c)
	_ = c.Close()

	require.Eventually(t, func() bool {
		_, _, ended := h.snapshot()
		return len(ended) == 1 && ended[0] == testIMEI
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, srv.Connected(testIMEI))
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	h := &fakeHandler{}
	srv, addr := startServer(t, h)

	old := dial(t, addr)
	login(t, old)
	fresh := dial(t, addr)
	login(t, fresh)

	// The old socket is closed by the server without ending the session.
	_, err := old.Read(make([]byte, 1))
	assert.Error(t, err)
	time.Sleep(50 * time.Millisecond)
	_, _, ended := h.snapshot()
	assert.Empty(t, ended)
	assert.True(t, srv.Connected(testIMEI))

	_, err = fresh.Write(frame(t, 1))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), readAck(t, fresh))
}
