package playback

import (
	"context"
	"slices"
	"sync"

	"trail-svr/internal/pipeline"
)

// SampleSource is a snapshot reader over a sample sequence that may keep
// growing between reads.
type SampleSource interface {
	CurrentSamples(ctx context.Context) ([]pipeline.Sample, error)
}

// Renderer receives playback output as it is produced.
type Renderer interface {
	DrawStatic(segments []Segment)
	DrawSegment(seg Segment)
	MoveMarker(pos Position)
	Recenter(lat, lon float64)
}

// MemorySource is an in-process SampleSource safe for concurrent appends.
type MemorySource struct {
	mu      sync.RWMutex
	samples []pipeline.Sample
}

func NewMemorySource(samples ...pipeline.Sample) *MemorySource {
	return &MemorySource{samples: slices.Clone(samples)}
}

func (m *MemorySource) Append(samples ...pipeline.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
}

func (m *MemorySource) CurrentSamples(context.Context) ([]pipeline.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.samples), nil
}

func (m *MemorySource) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}
