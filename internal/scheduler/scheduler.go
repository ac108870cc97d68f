// Package scheduler buffers position samples per device and uplinks them as
// encoded cycles on a fixed cadence. Failed deliveries are pushed back to the
// head of the buffer and retried on a later tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"trail-svr/internal/cycle"
	"trail-svr/internal/observability"
	"trail-svr/internal/pipeline"
	"trail-svr/internal/timeutil"
)

const (
	// DefaultTickPeriod is how often the flush decision runs, whatever the interval.
	DefaultTickPeriod = time.Second
	// DefaultInterval is the dispatch interval in seconds.
	DefaultInterval = 10
)

// ErrInvalidInterval is returned by SetInterval for non-positive intervals.
var ErrInvalidInterval = errors.New("interval must be at least one second")

// Uplink delivers one cycle upstream. Any error counts as a failed delivery.
type Uplink interface {
	Send(ctx context.Context, c *cycle.Cycle) error
}

// UplinkFunc adapts a function to Uplink.
type UplinkFunc func(ctx context.Context, c *cycle.Cycle) error

func (f UplinkFunc) Send(ctx context.Context, c *cycle.Cycle) error { return f(ctx, c) }

type Options struct {
	Identity        cycle.Identity
	IntervalSeconds int
	TickPeriod      time.Duration
	// SendTimeout bounds one uplink call; zero means no timeout.
	SendTimeout time.Duration
	Clock       timeutil.Clock
	Logger      *slog.Logger
}

// State is a point-in-time view of a scheduler.
type State struct {
	IntervalSeconds  int       `json:"intervalSeconds"`
	LastDispatch     time.Time `json:"lastDispatch"`
	Running          bool      `json:"running"`
	Buffered         int       `json:"buffered"`
	TotalEntriesSent uint64    `json:"totalEntriesSent"`
	TotalCyclesSent  uint64    `json:"totalCyclesSent"`
}

// Scheduler owns the sample buffer of one device.
type Scheduler struct {
	identity    cycle.Identity
	uplink      Uplink
	clock       timeutil.Clock
	logger      *slog.Logger
	tickPeriod  time.Duration
	sendTimeout time.Duration

	mu           sync.Mutex
	interval     int
	buf          []pipeline.Sample
	lastDispatch time.Time
	running      bool
	totalEntries uint64
	totalCycles  uint64

	ticker     timeutil.Ticker
	stop       chan struct{}
	loopDone   chan struct{}
	sendCtx    context.Context
	sendCancel context.CancelFunc
	inflight   sync.WaitGroup
}

func New(uplink Uplink, opts Options) *Scheduler {
	if opts.IntervalSeconds <= 0 {
		opts.IntervalSeconds = DefaultInterval
	}
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = DefaultTickPeriod
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		identity:    opts.Identity,
		uplink:      uplink,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "scheduler", "device", opts.Identity.DeviceID),
		tickPeriod:  opts.TickPeriod,
		sendTimeout: opts.SendTimeout,
		interval:    opts.IntervalSeconds,
	}
}

// AddSample buffers s. Invalid samples are logged and dropped.
func (s *Scheduler) AddSample(sample pipeline.Sample) {
	if err := pipeline.Validate(sample); err != nil {
		observability.InvalidSamples.WithLabelValues("scheduler").Inc()
		s.logger.Warn("scheduler: skipping sample", "ts", sample.TimestampMillis, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, sample)
	observability.BufferedSamples.WithLabelValues(s.identity.DeviceID).Set(float64(len(s.buf)))
	if !s.running {
		s.armLocked()
	}
}

// armLocked starts the tick loop. Caller holds s.mu.
func (s *Scheduler) armLocked() {
	s.running = true
	if s.lastDispatch.IsZero() {
		s.lastDispatch = s.clock.Now()
	}
	s.sendCtx, s.sendCancel = context.WithCancel(context.Background())
	s.ticker = s.clock.NewTicker(s.tickPeriod)
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(s.sendCtx, s.ticker, s.stop, s.loopDone)
	s.logger.Debug("scheduler: armed", "interval", s.interval)
}

func (s *Scheduler) loop(ctx context.Context, t timeutil.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			batch := s.drain()
			if len(batch) == 0 {
				continue
			}
			// Delivery runs off the tick goroutine so a slow uplink never
			// delays the next decision.
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				_ = s.deliver(ctx, batch, true)
			}()
		}
	}
}

// Tick runs one flush decision and, when it yields samples, delivers them
// before returning. The returned error is the uplink failure, if any; the
// samples have already been requeued by then.
func (s *Scheduler) Tick(ctx context.Context) error {
	batch := s.drain()
	if len(batch) == 0 {
		return nil
	}
	return s.deliver(ctx, batch, true)
}

// drain takes the next batch off the head of the buffer once the interval has
// elapsed. The dispatch clock advances even when nothing is drained.
func (s *Scheduler) drain() []pipeline.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	now := s.clock.Now()
	if now.Sub(s.lastDispatch) < time.Duration(s.interval)*time.Second {
		return nil
	}
	s.lastDispatch = now

	n := len(s.buf)
	if n > s.interval {
		n = s.interval
	}
	if n == 0 {
		return nil
	}
	batch := slices.Clone(s.buf[:n])
	s.buf = slices.Delete(s.buf, 0, n)
	observability.BufferedSamples.WithLabelValues(s.identity.DeviceID).Set(float64(len(s.buf)))
	return batch
}

// deliver encodes and sends batch. With requeue set, a failed batch goes back
// to the head of the buffer in its original order.
func (s *Scheduler) deliver(ctx context.Context, batch []pipeline.Sample, requeue bool) error {
	c := cycle.Build(s.identity, batch, s.clock.Now())
	cycleID := uuid.NewString()

	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.uplink.Send(ctx, c)
	observability.ObserveUplinkLatency(start)
	if err != nil {
		observability.UplinkFailures.WithLabelValues(s.identity.DeviceID).Inc()
		if requeue {
			s.requeue(batch)
		}
		s.logger.Warn("scheduler: uplink failed", "cycle_id", cycleID, "entries", len(batch), "requeued", requeue, "err", err)
		return fmt.Errorf("send cycle %s: %w", cycleID, err)
	}

	s.mu.Lock()
	s.totalCycles++
	s.totalEntries += uint64(len(c.Entries))
	s.mu.Unlock()
	observability.CyclesSent.WithLabelValues(s.identity.DeviceID).Inc()
	observability.EntriesSent.WithLabelValues(s.identity.DeviceID).Add(float64(len(c.Entries)))
	s.logger.Debug("scheduler: cycle sent", "cycle_id", cycleID, "entries", len(c.Entries), "emitted_at", c.EmittedAt)
	return nil
}

func (s *Scheduler) requeue(batch []pipeline.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(slices.Clone(batch), s.buf...)
	observability.RequeuedSamples.WithLabelValues(s.identity.DeviceID).Add(float64(len(batch)))
	observability.BufferedSamples.WithLabelValues(s.identity.DeviceID).Set(float64(len(s.buf)))
}

// SetInterval changes the dispatch interval immediately. The last dispatch
// time is kept as is; the tick cadence does not change.
func (s *Scheduler) SetInterval(seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, seconds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = seconds
	if s.running {
		s.ticker.Reset(s.tickPeriod)
	}
	s.logger.Info("scheduler: interval changed", "interval", seconds)
	return nil
}

// Reset stops the tick loop, waits for in-flight deliveries and clears the
// buffer. With flushRemaining set, whatever is still buffered is sent once,
// unsliced, before clearing. Lifetime totals and the interval survive.
func (s *Scheduler) Reset(ctx context.Context, flushRemaining bool) {
	s.mu.Lock()
	stop, done, ticker, cancel := s.stop, s.loopDone, s.ticker, s.sendCancel
	s.stop, s.loopDone, s.ticker, s.sendCancel = nil, nil, nil, nil
	s.running = false
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		ticker.Stop()
		<-done
	}
	if cancel != nil {
		cancel()
	}
	// Cancelled deliveries requeue before Done, so they are part of the final flush.
	s.inflight.Wait()

	s.mu.Lock()
	remaining := s.buf
	s.buf = nil
	s.lastDispatch = time.Time{}
	s.mu.Unlock()
	observability.BufferedSamples.WithLabelValues(s.identity.DeviceID).Set(0)

	if flushRemaining && len(remaining) > 0 {
		if err := s.deliver(ctx, remaining, false); err != nil {
			s.logger.Warn("scheduler: final flush dropped samples", "count", len(remaining), "err", err)
		}
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		IntervalSeconds:  s.interval,
		LastDispatch:     s.lastDispatch,
		Running:          s.running,
		Buffered:         len(s.buf),
		TotalEntriesSent: s.totalEntries,
		TotalCyclesSent:  s.totalCycles,
	}
}

// Pending returns a copy of the buffered samples, oldest first.
func (s *Scheduler) Pending() []pipeline.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.buf)
}

func (s *Scheduler) Identity() cycle.Identity {
	return s.identity
}
