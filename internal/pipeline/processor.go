package pipeline

import (
	"fmt"
	"time"

	"trail-svr/internal/codec"
	"trail-svr/internal/codec/fmxxx"
	"trail-svr/internal/geo"
)

// liveWindow separates live reports from records the device buffered while offline.
const liveWindow = 120 * time.Second

// Validate rejects NaN, infinite and out-of-range coordinates.
func Validate(s Sample) error {
	if !geo.Valid(s.Point()) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidSample, s.Lat, s.Lon)
	}
	return nil
}

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return geo.Valid(geo.Point{Lat: lat, Lon: lon})
}

// CalcFix reports whether a tracker record carries a usable GNSS fix.
func CalcFix(sats int, lat, lon float64) bool {
	return sats > 3 && coordsValid(lat, lon)
}

// IsLive reports whether a record timestamp is recent enough to count as a live report.
func IsLive(ts, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) <= liveWindow
}

// FromAVL converts a decoded tracker record into a Sample. ok is false when
// the record has no GNSS fix.
func FromAVL(rec codec.AVLRecord) (s Sample, ok bool) {
	if !CalcFix(rec.GPS.Satellites, rec.GPS.Latitude, rec.GPS.Longitude) {
		return Sample{}, false
	}
	s = Sample{
		TimestampMillis: rec.Timestamp.UnixMilli(),
		Lat:             rec.GPS.Latitude,
		Lon:             rec.GPS.Longitude,
		Speed:           Float(float64(rec.GPS.Speed)),
	}
	// HDOP is reported in tenths; ~5 m per unit is the usual rule of thumb.
	if hdop, found := rec.IO[fmxxx.GnssHDOP]; found {
		s.Accuracy = Float(float64(hdop.Val) / 10 * 5)
	}
	return s, true
}
