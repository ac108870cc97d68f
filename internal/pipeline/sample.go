package pipeline

import (
	"errors"
	"fmt"
	"time"

	"trail-svr/internal/geo"
)

// ErrInvalidSample is returned for readings with missing or out-of-range coordinates.
var ErrInvalidSample = errors.New("invalid sample")

// Sample is one raw position reading. Speed is the device-reported speed in
// km/h and Accuracy the horizontal accuracy in meters; both are optional.
type Sample struct {
	TimestampMillis int64    `json:"ts"`
	Lat             float64  `json:"lat"`
	Lon             float64  `json:"lon"`
	Speed           *float64 `json:"spd,omitempty"`
	Accuracy        *float64 `json:"acc,omitempty"`
}

func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

func (s Sample) Time() time.Time {
	return time.UnixMilli(s.TimestampMillis)
}

// RawSample is the wire form of a sample where coordinates may be absent.
type RawSample struct {
	TimestampMillis int64    `json:"ts"`
	Lat             *float64 `json:"lat"`
	Lon             *float64 `json:"lon"`
	Speed           *float64 `json:"spd,omitempty"`
	Accuracy        *float64 `json:"acc,omitempty"`
}

// Sample converts r, rejecting null or out-of-range coordinates.
func (r RawSample) Sample() (Sample, error) {
	if r.Lat == nil || r.Lon == nil {
		return Sample{}, fmt.Errorf("%w: missing coordinates", ErrInvalidSample)
	}
	s := Sample{
		TimestampMillis: r.TimestampMillis,
		Lat:             *r.Lat,
		Lon:             *r.Lon,
		Speed:           r.Speed,
		Accuracy:        r.Accuracy,
	}
	if err := Validate(s); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// Float returns a pointer to v, for optional sample fields.
func Float(v float64) *float64 {
	return &v
}
