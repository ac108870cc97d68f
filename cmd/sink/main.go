// Command sink is a minimal uplink receiver: it accepts every cycle and logs
// a summary. Useful for running trail-svr locally without the real consumer.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"trail-svr/internal/grpcclient"
	"trail-svr/internal/observability"
)

type sink struct {
	logger *slog.Logger
}

func (s *sink) SendCycle(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	c, err := grpcclient.CycleFromStruct(req)
	if err != nil {
		s.logger.Warn("sink: undecodable cycle", "err", err)
		return wrapperspb.Bool(false), nil
	}
	var dist float64
	if n := len(c.Entries); n > 0 {
		dist = c.Entries[n-1].CumulativeDistance
	}
	s.logger.Info("sink: cycle", "device", c.DeviceID, "entries", c.EntryCount, "emitted_at", c.EmittedAt, "distance_m", dist)
	return wrapperspb.Bool(true), nil
}

func main() {
	addr := flag.String("addr", ":50051", "listen address")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := observability.NewLogger(*level)
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("sink: listen failed", "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer()
	grpcclient.RegisterUplinkServer(srv, &sink{logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("sink: listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil {
		logger.Error("sink: serve failed", "error", err)
		os.Exit(1)
	}
}
