package dispatcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"trail-svr/internal/codec"
	"trail-svr/internal/codec/fmxxx"
	"trail-svr/internal/observability"
	"trail-svr/internal/pipeline"
)

// ProcessIncoming decodes one AVL frame from imei and ingests its fixes. It
// returns the record count to acknowledge; records without a GNSS fix are
// acknowledged but not ingested.
func (d *Dispatcher) ProcessIncoming(ctx context.Context, imei string, frame []byte) (int, error) {
	start := time.Now()
	pkt, err := codec.DecodeAVL(frame)
	observability.ObserveParseLatency(start)
	if err != nil {
		observability.ParseErrors.Inc()
		d.logger.Debug("dispatcher: raw frame", "imei", imei, "hex", hex.EncodeToString(frame))
		return 0, fmt.Errorf("decode frame from %s: %w", imei, err)
	}
	observability.PacketsRecv.Inc()

	now := d.opts.Clock.Now()
	samples := make([]pipeline.Sample, 0, len(pkt.Records))
	var noFix, buffered, ignitionOff int
	for _, rec := range pkt.Records {
		if io, ok := rec.IO[fmxxx.Ignition]; ok && io.Val == 0 {
			ignitionOff++
		}
		s, ok := pipeline.FromAVL(rec)
		if !ok {
			noFix++
			continue
		}
		if !pipeline.IsLive(rec.Timestamp, now) {
			buffered++
		}
		samples = append(samples, s)
	}

	accepted := d.Ingest(ctx, imei, samples...)
	d.logger.Debug("dispatcher: frame processed",
		"imei", imei,
		"codec", fmt.Sprintf("0x%02X", pkt.CodecID),
		"records", len(pkt.Records),
		"accepted", accepted,
		"no_fix", noFix,
		"buffered", buffered,
		"ignition_off", ignitionOff,
	)
	return len(pkt.Records), nil
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
