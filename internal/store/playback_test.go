package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trail-svr/internal/playback"
)

type segmentLog struct {
	mu    sync.Mutex
	drawn []playback.Segment
}

func (l *segmentLog) DrawStatic([]playback.Segment) {}
func (l *segmentLog) MoveMarker(playback.Position) {}
func (l *segmentLog) Recenter(float64, float64) {}

func (l *segmentLog) DrawSegment(seg playback.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drawn = append(l.drawn, seg)
}

func (l *segmentLog) Drawn() []playback.Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]playback.Segment(nil), l.drawn...)
}

func startPlayback(t *testing.T, src playback.SampleSource) *segmentLog {
	t.Helper()
	log := &segmentLog{}
	s := playback.New(src, log, playback.Options{
		SegmentDuration: 10 * time.Millisecond,
		FrameInterval:   2 * time.Millisecond,
	})
	t.Cleanup(s.Reset)
	s.Start(context.Background())
	return log
}

func TestPlayback_FollowsCappedFeed(t *testing.T) {
	f, _ := newFeed(t, FeedOptions{MaxSamples: 5})
	ctx := context.Background()
	const dev = "356307042441013"

	all := feedSamples(15, 0)
	require.NoError(t, f.Append(ctx, dev, all[:5]...))
	log := startPlayback(t, f.Source(dev))
	require.Eventually(t, func() bool { return len(log.Drawn()) == 4 }, 5*time.Second, 5*time.Millisecond)

	for i := 5; i < len(all); i++ {
		require.NoError(t, f.Append(ctx, dev, all[i]))
		want := i
		require.Eventually(t, func() bool { return len(log.Drawn()) >= want }, 5*time.Second, 5*time.Millisecond,
			"segment for sample %d", i)
	}

	n, err := f.Len(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	drawn := log.Drawn()
	require.Len(t, drawn, len(all)-1)
	for i, seg := range drawn {
		assert.Equal(t, all[i].TimestampMillis, seg.From.TimestampMillis, "segment %d from", i)
		assert.Equal(t, all[i+1].TimestampMillis, seg.To.TimestampMillis, "segment %d to", i)
	}
}

func TestPlayback_ResumesAfterFeedCleared(t *testing.T) {
	f, _ := newFeed(t, FeedOptions{})
	ctx := context.Background()
	const dev = "356307042441013"

	all := feedSamples(6, 0)
	require.NoError(t, f.Append(ctx, dev, all[:3]...))
	log := startPlayback(t, f.Source(dev))
	require.Eventually(t, func() bool { return len(log.Drawn()) == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.Clear(ctx, dev))
	require.NoError(t, f.Append(ctx, dev, all[3:]...))
	require.Eventually(t, func() bool { return len(log.Drawn()) == 5 }, 5*time.Second, 5*time.Millisecond)

	drawn := log.Drawn()
	assert.Equal(t, all[2].TimestampMillis, drawn[2].From.TimestampMillis)
	assert.Equal(t, all[5].TimestampMillis, drawn[4].To.TimestampMillis)
}
