// Package playback turns a growing sample sequence into a smooth trail: older
// samples are drawn at once as a static path, the most recent window is
// animated pair by pair, and the source is then polled for new samples until
// the synchronizer is reset.
package playback

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"trail-svr/internal/geo"
	"trail-svr/internal/observability"
	"trail-svr/internal/pipeline"
	"trail-svr/internal/timeutil"
)

const (
	DefaultWindow          = 60
	DefaultSegmentDuration = time.Second
	DefaultFrameInterval   = 50 * time.Millisecond
)

// DefaultCenter is where the view is recentred on reset (Seoul City Hall).
var DefaultCenter = geo.Point{Lat: 37.5665, Lon: 126.9780}

// Position is the interpolated marker position.
type Position struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	BearingDeg float64 `json:"bearing"`
}

// Cursor tracks playback progress through the source.
type Cursor struct {
	// LastProcessedIndex is the source index of the start sample of the last
	// completed pair; -1 before any pair. It is rebased when the source drops
	// its head and can go below -1 while the anchor is outside the source.
	LastProcessedIndex int               `json:"lastProcessedIndex"`
	Pending            []pipeline.Sample `json:"pending,omitempty"`
	// AnimationStarted is zero while no pair is being animated.
	AnimationStarted time.Time `json:"animationStarted"`
}

type Options struct {
	// Window is how many of the most recent samples are animated on first load.
	Window          int
	SegmentDuration time.Duration
	FrameInterval   time.Duration
	Center          geo.Point
	Clock           timeutil.Clock
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = DefaultSegmentDuration
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = DefaultFrameInterval
	}
	if o.Center == (geo.Point{}) {
		o.Center = DefaultCenter
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Snapshot is a copy of the synchronizer's visible state.
type Snapshot struct {
	Loaded   bool      `json:"loaded"`
	Static   []Segment `json:"static"`
	Replayed []Segment `json:"replayed"`
	Position *Position `json:"position,omitempty"`
	Cursor   Cursor    `json:"cursor"`
}

// Synchronizer drives one renderer from one source. A single goroutine does
// all the work; Start and Reset stop it before returning.
type Synchronizer struct {
	source   SampleSource
	renderer Renderer
	opts     Options
	logger   *slog.Logger

	// runMu serialises Start and Reset.
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	loaded   bool
	static   []Segment
	replayed []Segment
	position *Position
	cursor   Cursor
	// anchor is the sample the next pair starts from. It is matched by value
	// on catch-up since the source may drop its head between reads.
	anchor pipeline.Sample
}

func New(source SampleSource, renderer Renderer, opts Options) *Synchronizer {
	opts.setDefaults()
	return &Synchronizer{
		source:   source,
		renderer: renderer,
		opts:     opts,
		logger:   opts.Logger.With("component", "playback"),
		cursor:   Cursor{LastProcessedIndex: -1},
	}
}

// Start launches the playback loop, stopping any previous one first.
func (s *Synchronizer) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.run(ctx, done)
}

// Reset stops the loop and waits for it to exit, clears all playback state
// and recentres the renderer. No renderer call from the stopped loop can
// happen after Reset returns.
func (s *Synchronizer) Reset() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stopLocked()

	s.mu.Lock()
	s.loaded = false
	s.static = nil
	s.replayed = nil
	s.position = nil
	s.cursor = Cursor{LastProcessedIndex: -1}
	s.anchor = pipeline.Sample{}
	s.mu.Unlock()

	s.renderer.Recenter(s.opts.Center.Lat, s.opts.Center.Lon)
}

func (s *Synchronizer) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

// Running reports whether a playback loop is active.
func (s *Synchronizer) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Loaded:   s.loaded,
		Static:   slices.Clone(s.static),
		Replayed: slices.Clone(s.replayed),
		Cursor: Cursor{
			LastProcessedIndex: s.cursor.LastProcessedIndex,
			Pending:            slices.Clone(s.cursor.Pending),
			AnimationStarted:   s.cursor.AnimationStarted,
		},
	}
	if s.position != nil {
		p := *s.position
		snap.Position = &p
	}
	return snap
}

func (s *Synchronizer) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for !s.isLoaded() {
		if samples := s.read(ctx); len(samples) > 0 {
			s.load(samples)
			break
		}
		if !s.sleep(ctx, s.opts.SegmentDuration) {
			return
		}
	}

	for {
		if !s.animatePending(ctx) {
			return
		}
		if s.catchUp(ctx) {
			continue
		}
		if !s.sleep(ctx, s.opts.SegmentDuration) {
			return
		}
	}
}

func (s *Synchronizer) isLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// read returns the current source snapshot; a failed read counts as empty.
func (s *Synchronizer) read(ctx context.Context) []pipeline.Sample {
	samples, err := s.source.CurrentSamples(ctx)
	if err != nil {
		if ctx.Err() == nil {
			observability.SourceReadErrors.Inc()
			s.logger.Warn("playback: source read failed", "err", err)
		}
		return nil
	}
	return samples
}

// load splits the first snapshot into a static prefix, drawn immediately, and
// a recent window queued for animation.
func (s *Synchronizer) load(samples []pipeline.Sample) {
	split := max(len(samples)-s.opts.Window, 0)
	prefix := Segments(samples[:split])

	s.mu.Lock()
	s.loaded = true
	s.static = prefix
	s.cursor.LastProcessedIndex = split - 1
	s.cursor.Pending = slices.Clone(samples[split:])
	s.anchor = samples[split]
	s.mu.Unlock()

	s.logger.Debug("playback: loaded", "samples", len(samples), "static", len(prefix))
	if len(prefix) > 0 {
		s.renderer.DrawStatic(slices.Clone(prefix))
	}
	// Centre on where the animation starts.
	s.renderer.Recenter(samples[split].Lat, samples[split].Lon)
}

// catchUp queues samples that arrived after the end of the last completed
// pair. It reports whether there is at least one new pair to animate.
//
// The queue starts at the anchor sample wherever it now sits in the source,
// and LastProcessedIndex is rebased to match. When the anchor has been
// trimmed away the queue starts with the anchor itself followed by every
// newer sample.
func (s *Synchronizer) catchUp(ctx context.Context) bool {
	samples := s.read(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := lastIndexOf(samples, s.anchor); i >= 0 {
		if len(samples)-i < 2 {
			return false
		}
		s.cursor.LastProcessedIndex = i - 1
		s.cursor.Pending = slices.Clone(samples[i:])
		return true
	}

	from := firstAfter(samples, s.anchor.TimestampMillis)
	if from == len(samples) {
		return false
	}
	// The anchor counts as sitting just before from.
	s.cursor.LastProcessedIndex = from - 2
	s.cursor.Pending = append([]pipeline.Sample{s.anchor}, samples[from:]...)
	return true
}

// lastIndexOf finds the last sample with the same time and coordinates as
// want, or -1.
func lastIndexOf(samples []pipeline.Sample, want pipeline.Sample) int {
	for i := len(samples) - 1; i >= 0; i-- {
		got := samples[i]
		if got.TimestampMillis == want.TimestampMillis && got.Lat == want.Lat && got.Lon == want.Lon {
			return i
		}
	}
	return -1
}

// firstAfter returns the index of the first sample newer than ts, or
// len(samples).
func firstAfter(samples []pipeline.Sample, ts int64) int {
	for i, smp := range samples {
		if smp.TimestampMillis > ts {
			return i
		}
	}
	return len(samples)
}

// animatePending animates each consecutive pair in the pending queue. It
// returns false when ctx ends.
func (s *Synchronizer) animatePending(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if len(s.cursor.Pending) < 2 {
			s.cursor.Pending = nil
			s.mu.Unlock()
			return true
		}
		seg := NewSegment(s.cursor.Pending[0], s.cursor.Pending[1])
		s.mu.Unlock()

		if !s.animate(ctx, seg) {
			return false
		}

		s.mu.Lock()
		s.cursor.Pending = s.cursor.Pending[1:]
		s.cursor.LastProcessedIndex++
		s.cursor.AnimationStarted = time.Time{}
		s.anchor = seg.To
		s.replayed = append(s.replayed, seg)
		s.mu.Unlock()

		observability.SegmentsReplayed.Inc()
		s.renderer.DrawSegment(seg)
	}
}

// animate interpolates the marker along seg over one segment duration.
func (s *Synchronizer) animate(ctx context.Context, seg Segment) bool {
	clock := s.opts.Clock
	start := clock.Now()
	bearing := seg.Bearing()

	s.mu.Lock()
	s.cursor.AnimationStarted = start
	s.mu.Unlock()

	frames := clock.NewTicker(s.opts.FrameInterval)
	defer frames.Stop()

	for {
		frac := float64(clock.Since(start)) / float64(s.opts.SegmentDuration)
		if frac >= 1 {
			break
		}
		s.move(geo.Lerp(seg.From.Point(), seg.To.Point(), frac), bearing)

		select {
		case <-ctx.Done():
			return false
		case <-frames.C():
		}
	}
	if ctx.Err() != nil {
		return false
	}
	s.move(seg.To.Point(), bearing)
	return true
}

func (s *Synchronizer) move(p geo.Point, bearing float64) {
	pos := Position{Lat: p.Lat, Lon: p.Lon, BearingDeg: bearing}
	s.mu.Lock()
	s.position = &pos
	s.mu.Unlock()
	s.renderer.MoveMarker(pos)
}

func (s *Synchronizer) sleep(ctx context.Context, d time.Duration) bool {
	t := s.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
