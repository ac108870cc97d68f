package grpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"trail-svr/internal/cycle"
)

// ErrRejected means the uplink answered but did not accept the cycle.
var ErrRejected = errors.New("cycle rejected by uplink")

// Client sends cycles to the uplink service.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

func NewClient(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &Client{conn: conn, logger: logger.With("component", "grpc")}, nil
}

func (g *Client) Close() error {
	return g.conn.Close()
}

// Send implements the scheduler uplink.
func (g *Client) Send(ctx context.Context, c *cycle.Cycle) error {
	req, err := CycleToStruct(c)
	if err != nil {
		return err
	}

	res := &wrapperspb.BoolValue{}
	if err := g.conn.Invoke(ctx, sendCycleMethod, req, res); err != nil {
		return fmt.Errorf("grpc send cycle: %w", err)
	}
	if !res.GetValue() {
		g.logger.Warn("grpc: cycle rejected", "device", c.DeviceID, "entries", c.EntryCount)
		return fmt.Errorf("%w: device %s", ErrRejected, c.DeviceID)
	}
	return nil
}

// CycleToStruct converts c to its JSON shape as a protobuf Struct.
func CycleToStruct(c *cycle.Cycle) (*structpb.Struct, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal cycle: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("marshal cycle: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("cycle to struct: %w", err)
	}
	return s, nil
}

// CycleFromStruct is the inverse of CycleToStruct.
func CycleFromStruct(s *structpb.Struct) (*cycle.Cycle, error) {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("struct to cycle: %w", err)
	}
	var c cycle.Cycle
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("struct to cycle: %w", err)
	}
	return &c, nil
}
