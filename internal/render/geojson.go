package render

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"trail-svr/internal/playback"
)

// SegmentFeature is a two-point LineString carrying the segment's speed class.
func SegmentFeature(seg playback.Segment) *geojson.Feature {
	f := geojson.NewFeature(orb.LineString{seg.From.Point().Orb(), seg.To.Point().Orb()})
	f.Properties["class"] = seg.Class.String()
	f.Properties["speed"] = seg.Speed
	f.Properties["bearing"] = seg.Bearing()
	f.Properties["from_ts"] = seg.From.TimestampMillis
	f.Properties["to_ts"] = seg.To.TimestampMillis
	return f
}

func SegmentCollection(segs []playback.Segment) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, seg := range segs {
		fc.Append(SegmentFeature(seg))
	}
	return fc
}

// MarkerFeature is the vehicle marker as a Point with its heading.
func MarkerFeature(pos playback.Position) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{pos.Lon, pos.Lat})
	f.Properties["bearing"] = pos.BearingDeg
	return f
}

// SnapshotPayload is the catch-up view sent to a viewer on request.
type SnapshotPayload struct {
	Loaded             bool                       `json:"loaded"`
	Static             *geojson.FeatureCollection `json:"static"`
	Replayed           *geojson.FeatureCollection `json:"replayed"`
	Position           *geojson.Feature           `json:"position,omitempty"`
	LastProcessedIndex int                        `json:"lastProcessedIndex"`
	Pending            int                        `json:"pending"`
}

func snapshotPayload(s playback.Snapshot) SnapshotPayload {
	p := SnapshotPayload{
		Loaded:             s.Loaded,
		Static:             SegmentCollection(s.Static),
		Replayed:           SegmentCollection(s.Replayed),
		LastProcessedIndex: s.Cursor.LastProcessedIndex,
		Pending:            len(s.Cursor.Pending),
	}
	if s.Position != nil {
		p.Position = MarkerFeature(*s.Position)
	}
	return p
}
