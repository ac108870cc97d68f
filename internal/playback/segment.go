package playback

import (
	"trail-svr/internal/geo"
	"trail-svr/internal/pipeline"
)

// SpeedClass buckets segment speed for path colouring.
type SpeedClass int

const (
	Slow SpeedClass = iota
	Medium
	Fast
	VeryFast
)

func (c SpeedClass) String() string {
	switch c {
	case Slow:
		return "slow"
	case Medium:
		return "medium"
	case Fast:
		return "fast"
	case VeryFast:
		return "very_fast"
	default:
		return "unknown"
	}
}

// Classify buckets a speed in km/h.
func Classify(kmh float64) SpeedClass {
	switch {
	case kmh < 30:
		return Slow
	case kmh < 60:
		return Medium
	case kmh < 90:
		return Fast
	default:
		return VeryFast
	}
}

// Segment is a renderable edge between two consecutive samples.
type Segment struct {
	From  pipeline.Sample `json:"from"`
	To    pipeline.Sample `json:"to"`
	Class SpeedClass      `json:"class"`
	// Speed is the average speed over the edge in km/h.
	Speed float64 `json:"speed"`
}

func NewSegment(from, to pipeline.Sample) Segment {
	kmh := pairSpeed(from, to)
	return Segment{From: from, To: to, Class: Classify(kmh), Speed: kmh}
}

// Bearing is the heading from From to To in degrees.
func (s Segment) Bearing() float64 {
	return geo.Bearing(s.From.Point(), s.To.Point())
}

// pairSpeed averages the two speed hints when both are present and otherwise
// derives speed from distance over time.
func pairSpeed(from, to pipeline.Sample) float64 {
	if from.Speed != nil && to.Speed != nil {
		return (*from.Speed + *to.Speed) / 2
	}
	dt := float64(to.TimestampMillis-from.TimestampMillis) / 1000
	if dt <= 0 {
		return 0
	}
	return geo.Distance(from.Point(), to.Point()) / dt * 3.6
}

// Segments builds one segment per consecutive pair of samples.
func Segments(samples []pipeline.Sample) []Segment {
	if len(samples) < 2 {
		return nil
	}
	out := make([]Segment, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		out = append(out, NewSegment(samples[i-1], samples[i]))
	}
	return out
}
