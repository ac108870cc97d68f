// Package cycle encodes batches of position samples into wire-ready dispatch
// cycles: fixed-point coordinates, bearing, speed and cumulative distance.
package cycle

import (
	"math"
	"time"

	"trail-svr/internal/geo"
	"trail-svr/internal/pipeline"
)

// StatusNormal is the status code for an ordinary periodic position report.
const StatusNormal = "00"

// minStep guards the speed division for samples closer than a millisecond apart.
const minStep = 1e-3

// emittedLayout is yyyyMMddHHmm.
const emittedLayout = "200601021504"

// kst is Korea Standard Time; it has no daylight saving.
var kst = time.FixedZone("KST", 9*60*60)

// Entry is one encoded sample.
type Entry struct {
	StatusCode         string  `json:"statusCode"`
	LatMicro           int32   `json:"lat"`
	LonMicro           int32   `json:"lon"`
	BearingDeg         int     `json:"bearing"`
	SpeedRounded       int     `json:"speed"`
	CumulativeDistance float64 `json:"distance"`
}

// Identity is the device configuration stamped on every cycle.
type Identity struct {
	DeviceID        string `json:"deviceId" yaml:"device_id"`
	TerminalID      string `json:"terminalId" yaml:"terminal_id"`
	ManufacturerID  string `json:"manufacturerId" yaml:"manufacturer_id"`
	ProtocolVersion string `json:"protocolVersion" yaml:"protocol_version"`
	DeviceSerial    string `json:"deviceSerial" yaml:"device_serial"`
}

// Cycle is one batch handed to an uplink.
type Cycle struct {
	Identity
	EntryCount int     `json:"entryCount"`
	EmittedAt  string  `json:"emittedAt"`
	Entries    []Entry `json:"entries"`
}

// Options tunes Encode.
type Options struct {
	// StatusCode is stamped on every entry; StatusNormal when empty.
	StatusCode string
	// DistanceOffset continues an odometer from a previous batch.
	DistanceOffset float64
}

// Encode converts samples into entries with default options.
func Encode(samples []pipeline.Sample) []Entry {
	return EncodeWith(samples, Options{})
}

// EncodeWith converts samples into entries. The first entry has no
// predecessor and reports zero bearing and speed.
func EncodeWith(samples []pipeline.Sample, opts Options) []Entry {
	status := opts.StatusCode
	if status == "" {
		status = StatusNormal
	}

	entries := make([]Entry, 0, len(samples))
	total := opts.DistanceOffset
	for i, s := range samples {
		e := Entry{
			StatusCode: status,
			LatMicro:   micro(s.Lat),
			LonMicro:   micro(s.Lon),
		}
		if i > 0 {
			prev := samples[i-1]
			dist := geo.Distance(prev.Point(), s.Point())
			total += dist

			e.BearingDeg = int(math.Round(geo.Bearing(prev.Point(), s.Point()))) % 360
			e.SpeedRounded = int(math.Round(speed(dist, s.TimestampMillis-prev.TimestampMillis)))
		}
		e.CumulativeDistance = math.Round(total*10) / 10
		entries = append(entries, e)
	}
	return entries
}

// Build assembles a cycle for the given samples at time now.
func Build(id Identity, samples []pipeline.Sample, now time.Time) *Cycle {
	entries := Encode(samples)
	return &Cycle{
		Identity:   id,
		EntryCount: len(entries),
		EmittedAt:  EmittedAt(now),
		Entries:    entries,
	}
}

// EmittedAt formats t as yyyyMMddHHmm in KST.
func EmittedAt(t time.Time) string {
	return t.In(kst).Format(emittedLayout)
}

func micro(deg float64) int32 {
	return int32(math.Round(deg * 1e6))
}

// speed returns meters per second; non-positive intervals yield 0.
func speed(dist float64, dtMillis int64) float64 {
	if dtMillis <= 0 {
		return 0
	}
	return dist / math.Max(float64(dtMillis)/1000, minStep)
}
