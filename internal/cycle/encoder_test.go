package cycle

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trail-svr/internal/pipeline"
)

func northTrack() []pipeline.Sample {
	return []pipeline.Sample{
		{TimestampMillis: 0, Lat: 37.0, Lon: 127.0},
		{TimestampMillis: 1000, Lat: 37.001, Lon: 127.0},
		{TimestampMillis: 2000, Lat: 37.002, Lon: 127.0},
	}
}

func wanderingTrack() []pipeline.Sample {
	out := make([]pipeline.Sample, 0, 40)
	lat, lon := 37.55, 126.97
	for i := 0; i < 40; i++ {
		lat += 0.0003 * math.Sin(float64(i)/3)
		lon += 0.0004 * math.Cos(float64(i)/5)
		out = append(out, pipeline.Sample{TimestampMillis: int64(i) * 1000, Lat: lat, Lon: lon})
	}
	return out
}

func TestEncode_NorthScenario(t *testing.T) {
	entries := Encode(northTrack())
	require.Len(t, entries, 3)

	first := entries[0]
	assert.Equal(t, 0, first.BearingDeg)
	assert.Equal(t, 0, first.SpeedRounded)
	assert.Equal(t, 0.0, first.CumulativeDistance)
	assert.Equal(t, int32(37000000), first.LatMicro)
	assert.Equal(t, int32(127000000), first.LonMicro)

	second := entries[1]
	assert.Equal(t, 0, second.BearingDeg, "due north")
	assert.Equal(t, 111, second.SpeedRounded)
	assert.Equal(t, 111.2, second.CumulativeDistance)
	assert.Equal(t, int32(37001000), second.LatMicro)

	assert.Equal(t, 222.4, entries[2].CumulativeDistance)
	for _, e := range entries {
		assert.Equal(t, StatusNormal, e.StatusCode)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	in := wanderingTrack()
	a := Encode(in)
	b := Encode(in)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Encode() not deterministic (-first +second):\n%s", diff)
	}
}

func TestEncode_CumulativeMonotonic(t *testing.T) {
	entries := Encode(wanderingTrack())
	for i := 1; i < len(entries); i++ {
		if entries[i].CumulativeDistance < entries[i-1].CumulativeDistance {
			t.Fatalf("entry %d distance %v < previous %v", i, entries[i].CumulativeDistance, entries[i-1].CumulativeDistance)
		}
	}
}

func TestEncode_FirstEntryDefaults(t *testing.T) {
	for _, in := range [][]pipeline.Sample{northTrack()[1:], wanderingTrack()[7:], {{Lat: -10, Lon: 20}}} {
		e := Encode(in)[0]
		assert.Equal(t, 0, e.BearingDeg)
		assert.Equal(t, 0, e.SpeedRounded)
		assert.Equal(t, 0.0, e.CumulativeDistance)
	}
}

func TestEncode_CumulativeRoundsRawSum(t *testing.T) {
	// Three 0.04 m steps: rounding per step would report 0.0 forever.
	step := 0.04 / 111194.92664455874
	in := []pipeline.Sample{
		{TimestampMillis: 0, Lat: 0, Lon: 0},
		{TimestampMillis: 1000, Lat: step, Lon: 0},
		{TimestampMillis: 2000, Lat: 2 * step, Lon: 0},
		{TimestampMillis: 3000, Lat: 3 * step, Lon: 0},
	}
	entries := Encode(in)
	assert.Equal(t, 0.0, entries[1].CumulativeDistance)
	assert.Equal(t, 0.1, entries[2].CumulativeDistance)
	assert.Equal(t, 0.1, entries[3].CumulativeDistance)
}

func TestEncode_SpeedEdgeCases(t *testing.T) {
	in := []pipeline.Sample{
		{TimestampMillis: 5000, Lat: 37.0, Lon: 127.0},
		{TimestampMillis: 5000, Lat: 37.001, Lon: 127.0}, // same instant
		{TimestampMillis: 4000, Lat: 37.002, Lon: 127.0}, // clock went backwards
	}
	entries := Encode(in)
	assert.Equal(t, 0, entries[1].SpeedRounded)
	assert.Equal(t, 0, entries[2].SpeedRounded)
	assert.Greater(t, entries[2].CumulativeDistance, entries[1].CumulativeDistance)
}

func TestEncode_BearingRange(t *testing.T) {
	// A step just west of north rounds to 360 and must wrap to 0.
	in := []pipeline.Sample{
		{TimestampMillis: 0, Lat: 37.0, Lon: 127.0},
		{TimestampMillis: 1000, Lat: 37.01, Lon: 126.99995},
	}
	e := Encode(in)[1]
	assert.GreaterOrEqual(t, e.BearingDeg, 0)
	assert.LessOrEqual(t, e.BearingDeg, 359)
	assert.Equal(t, 0, e.BearingDeg)
}

func TestEncode_Empty(t *testing.T) {
	entries := Encode(nil)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestEncodeWith_Options(t *testing.T) {
	entries := EncodeWith(northTrack(), Options{StatusCode: "11", DistanceOffset: 1000})
	assert.Equal(t, "11", entries[0].StatusCode)
	assert.Equal(t, 1000.0, entries[0].CumulativeDistance)
	assert.Equal(t, 1111.2, entries[1].CumulativeDistance)
}

func TestEncode_MicroRounding(t *testing.T) {
	in := []pipeline.Sample{
		{Lat: 37.1234564, Lon: -127.1234566},
		{Lat: -0.0000004, Lon: 0.0000006},
	}
	entries := Encode(in)
	assert.Equal(t, int32(37123456), entries[0].LatMicro)
	assert.Equal(t, int32(-127123457), entries[0].LonMicro)
	assert.Equal(t, int32(0), entries[1].LatMicro)
	assert.Equal(t, int32(1), entries[1].LonMicro)
}

func TestBuild(t *testing.T) {
	id := Identity{
		DeviceID:        "01012345678",
		TerminalID:      "T-100",
		ManufacturerID:  "TLT",
		ProtocolVersion: "2",
		DeviceSerial:    "SN-1",
	}
	now := time.Date(2026, 10, 16, 14, 59, 30, 0, time.UTC)

	c := Build(id, northTrack(), now)
	assert.Equal(t, id, c.Identity)
	assert.Equal(t, 3, c.EntryCount)
	assert.Len(t, c.Entries, 3)
	assert.Equal(t, "202610162359", c.EmittedAt)

	// Crossing midnight in KST.
	assert.Equal(t, "202610170000", EmittedAt(time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)))
}
