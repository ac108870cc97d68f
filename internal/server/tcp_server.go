package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"trail-svr/internal/codec"
	"trail-svr/internal/observability"
	"trail-svr/internal/utilities"
)

const (
	readBufSize        = 2048
	defaultIdleTimeout = 5 * time.Minute
	frameLogPrefix     = "ALLTRACKINGS"
)

// Handler receives device traffic: a session opens on login, frames follow,
// and the session ends when the connection goes away.
type Handler interface {
	OpenSession(ctx context.Context, deviceID, remote string)
	ProcessIncoming(ctx context.Context, imei string, frame []byte) (int, error)
	End(ctx context.Context, deviceID string) error
}

type Options struct {
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
	FrameLog    *utilities.FrameLog
	Logger      *slog.Logger
}

// TcpServer accepts tracker connections: IMEI login first, then AVL frames
// answered with the accepted record count.
type TcpServer struct {
	handler Handler
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]net.Conn
	wg    sync.WaitGroup
}

func New(handler Handler, opts Options) *TcpServer {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TcpServer{
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With("component", "tcp"),
		conns:   make(map[string]net.Conn),
	}
}

// ListenAndServe listens on addr and serves until ctx ends.
func (srv *TcpServer) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting TCP server: %w", err)
	}
	return srv.Serve(ctx, listener)
}

// Serve accepts on listener until ctx ends, then closes every device
// connection and waits for their handlers.
func (srv *TcpServer) Serve(ctx context.Context, listener net.Listener) error {
	srv.logger.Info("tcp: listening", "addr", listener.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			srv.logger.Error("tcp: accept error", "err", err)
			continue
		}
		observability.TCPConnections.Inc()

		srv.wg.Add(1)
		go func(c net.Conn) {
			defer srv.wg.Done()
			srv.HandleConnection(ctx, c)
		}(conn)
	}

	srv.mu.Lock()
	for _, c := range srv.conns {
		_ = c.Close()
	}
	srv.mu.Unlock()
	srv.wg.Wait()
	return nil
}

// Connected reports whether imei currently has an open connection.
func (srv *TcpServer) Connected(imei string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_, ok := srv.conns[imei]
	return ok
}

func (srv *TcpServer) register(imei string, conn net.Conn) {
	srv.mu.Lock()
	old := srv.conns[imei]
	srv.conns[imei] = conn
	srv.mu.Unlock()

	if old != nil && old != conn {
		srv.logger.Warn("tcp: replacing previous connection", "imei", imei, "old", old.RemoteAddr().String())
		_ = old.Close()
	}
}

// unregister reports whether conn was still the device's current connection.
func (srv *TcpServer) unregister(imei string, conn net.Conn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.conns[imei] != conn {
		return false
	}
	delete(srv.conns, imei)
	return true
}

func (srv *TcpServer) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	var deviceIMEI string
	defer func() {
		if deviceIMEI == "" {
			return
		}
		if srv.unregister(deviceIMEI, conn) {
			// The session outlives the socket only until its buffer is flushed.
			endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.handler.End(endCtx, deviceIMEI); err != nil {
				srv.logger.Debug("tcp: end session", "imei", deviceIMEI, "err", err)
			}
		}
		srv.logger.Info("tcp: device disconnected", "imei", deviceIMEI, "remote", remote)
	}()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	var pending []byte
	buffer := make([]byte, readBufSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(srv.opts.IdleTimeout))
		n, err := conn.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
		}
		if err != nil {
			var opErr *net.OpError
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &opErr) && opErr.Timeout():
				srv.logger.Info("tcp: idle timeout", "imei", deviceIMEI, "remote", remote)
			default:
				srv.logger.Error("tcp: read error", "imei", deviceIMEI, "err", err)
			}
			return
		}

		if deviceIMEI == "" {
			imei, used, ok, err := codec.ParseIMEI(pending)
			if err != nil {
				srv.logger.Warn("tcp: bad login", "remote", remote, "err", err, "hex", hex.EncodeToString(pending))
				_, _ = conn.Write([]byte{0x00})
				return
			}
			if !ok {
				continue
			}
			deviceIMEI = imei
			pending = pending[used:]
			srv.register(imei, conn)
			observability.HandshakeOK.Inc()
			srv.logger.Info("tcp: handshake", "imei", imei, "remote", remote)
			srv.handler.OpenSession(ctx, imei, remote)
			if _, err := conn.Write([]byte{0x01}); err != nil {
				return
			}
		}

		var ok bool
		if pending, ok = srv.drainFrames(ctx, conn, deviceIMEI, pending); !ok {
			return
		}
	}
}

// drainFrames handles every complete frame at the head of pending and
// returns what is left. ok is false when the connection must be dropped.
func (srv *TcpServer) drainFrames(ctx context.Context, conn net.Conn, imei string, pending []byte) ([]byte, bool) {
	for {
		size, ok, err := codec.FrameLength(pending)
		if err != nil {
			observability.ParseErrors.Inc()
			srv.logger.Warn("tcp: unframeable data, dropping connection", "imei", imei, "err", err)
			return nil, false
		}
		if !ok || len(pending) < size {
			return pending, true
		}

		frame := pending[:size]
		if err := srv.opts.FrameLog.Write(frameLogPrefix, imei+" "+hex.EncodeToString(frame)); err != nil {
			srv.logger.Warn("tcp: frame log", "err", err)
		}

		count, err := srv.handler.ProcessIncoming(ctx, imei, frame)
		if err != nil {
			// Without an ACK the device sends the frame again.
			srv.logger.Warn("tcp: frame rejected", "imei", imei, "err", err)
		} else {
			if _, err := conn.Write(codec.Ack(count)); err != nil {
				srv.logger.Warn("tcp: ack write failed", "imei", imei, "err", err)
				return nil, false
			}
			observability.RecordsAck.Add(float64(count))
		}
		pending = pending[size:]
	}
}
