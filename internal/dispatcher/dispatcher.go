// Package dispatcher keeps one dispatch session per device: a scheduler
// feeding the uplink plus the live sample feed read by playback.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"trail-svr/internal/cycle"
	"trail-svr/internal/link"
	"trail-svr/internal/observability"
	"trail-svr/internal/pipeline"
	"trail-svr/internal/scheduler"
	"trail-svr/internal/timeutil"
)

// ErrUnknownDevice is returned for operations on a device without a session.
var ErrUnknownDevice = errors.New("unknown device")

// Feed stores the live sample list of each device.
type Feed interface {
	Append(ctx context.Context, deviceID string, samples ...pipeline.Sample) error
	Clear(ctx context.Context, deviceID string) error
}

// EventSink is told when sessions start and end.
type EventSink interface {
	SendDeviceEvent(ctx context.Context, info link.DeviceInfo)
}

type Options struct {
	// Identity is the template stamped on cycles; DeviceID is set per session.
	Identity        cycle.Identity
	IntervalSeconds int
	SendTimeout     time.Duration
	// ClearFeedOnEnd drops the device's live feed when its session ends.
	ClearFeedOnEnd bool
	Clock          timeutil.Clock
	Logger         *slog.Logger
	Events         EventSink
}

// Session is one device's dispatch state.
type Session struct {
	DeviceID   string
	RemoteAddr string
	Started    time.Time
	Scheduler  *scheduler.Scheduler

	// mu orders AddSample against the final Reset; no sample is added once
	// ended is set.
	mu    sync.Mutex
	ended bool
}

// add hands samples to the scheduler unless the session has ended.
func (s *Session) add(samples []pipeline.Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	for _, smp := range samples {
		s.Scheduler.AddSample(smp)
	}
	return true
}

func (s *Session) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

type Dispatcher struct {
	uplink scheduler.Uplink
	feed   Feed
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a dispatcher; feed may be nil when no live feed is kept.
func New(uplink scheduler.Uplink, feed Feed, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		uplink:   uplink,
		feed:     feed,
		opts:     opts,
		logger:   opts.Logger.With("component", "dispatcher"),
		sessions: make(map[string]*Session),
	}
}

// OpenSession makes sure deviceID has a session. remote is the device's
// network address, empty for HTTP clients.
func (d *Dispatcher) OpenSession(ctx context.Context, deviceID, remote string) {
	d.open(ctx, deviceID, remote)
}

// open returns the device's session, creating it if needed. A new session
// with a remote address is announced to the event sink.
func (d *Dispatcher) open(ctx context.Context, deviceID, remote string) *Session {
	d.mu.Lock()
	sess, ok := d.sessions[deviceID]
	if !ok {
		id := d.opts.Identity
		id.DeviceID = deviceID
		sess = &Session{
			DeviceID:   deviceID,
			RemoteAddr: remote,
			Started:    d.opts.Clock.Now(),
			Scheduler: scheduler.New(d.uplink, scheduler.Options{
				Identity:        id,
				IntervalSeconds: d.opts.IntervalSeconds,
				SendTimeout:     d.opts.SendTimeout,
				Clock:           d.opts.Clock,
				Logger:          d.opts.Logger,
			}),
		}
		d.sessions[deviceID] = sess
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Info("dispatcher: session opened", "device", deviceID, "remote", remote)
		if d.opts.Events != nil && remote != "" {
			ip, port := splitAddr(remote)
			d.opts.Events.SendDeviceEvent(ctx, link.DeviceInfo{
				IMEI:       deviceID,
				RemoteIP:   ip,
				RemotePort: port,
				State:      link.DeviceStateConnect,
			})
		}
	}
	return sess
}

// Ingest validates samples and hands the valid ones to the device's
// scheduler and live feed. It returns how many were accepted.
func (d *Dispatcher) Ingest(ctx context.Context, deviceID string, samples ...pipeline.Sample) int {
	valid := make([]pipeline.Sample, 0, len(samples))
	for _, s := range samples {
		if err := pipeline.Validate(s); err != nil {
			observability.InvalidSamples.WithLabelValues("ingest").Inc()
			d.logger.Warn("dispatcher: skipping sample", "device", deviceID, "err", err)
			continue
		}
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return 0
	}

	// A session ended between open and add is gone from the map, so the
	// retry opens a fresh one.
	for {
		if d.open(ctx, deviceID, "").add(valid) {
			break
		}
	}
	if d.feed != nil {
		if err := d.feed.Append(ctx, deviceID, valid...); err != nil {
			d.logger.Warn("dispatcher: feed append failed", "device", deviceID, "err", err)
		}
	}
	return len(valid)
}

func (d *Dispatcher) lookup(deviceID string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return sess, nil
}

func (d *Dispatcher) State(deviceID string) (scheduler.State, error) {
	sess, err := d.lookup(deviceID)
	if err != nil {
		return scheduler.State{}, err
	}
	return sess.Scheduler.State(), nil
}

func (d *Dispatcher) SetInterval(deviceID string, seconds int) error {
	sess, err := d.lookup(deviceID)
	if err != nil {
		return err
	}
	return sess.Scheduler.SetInterval(seconds)
}

// End closes the device's session: buffered samples are flushed once and
// the scheduler is reset.
func (d *Dispatcher) End(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	sess, ok := d.sessions[deviceID]
	delete(d.sessions, deviceID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	sess.end()
	sess.Scheduler.Reset(ctx, true)
	st := sess.Scheduler.State()
	observability.ForgetDevice(deviceID)
	d.logger.Info("dispatcher: session ended", "device", deviceID,
		"cycles", st.TotalCyclesSent, "entries", st.TotalEntriesSent)

	if d.feed != nil && d.opts.ClearFeedOnEnd {
		if err := d.feed.Clear(ctx, deviceID); err != nil {
			d.logger.Warn("dispatcher: feed clear failed", "device", deviceID, "err", err)
		}
	}
	if d.opts.Events != nil && sess.RemoteAddr != "" {
		ip, port := splitAddr(sess.RemoteAddr)
		d.opts.Events.SendDeviceEvent(ctx, link.DeviceInfo{
			IMEI:        deviceID,
			RemoteIP:    ip,
			RemotePort:  port,
			State:       link.DeviceStateDisconnect,
			CyclesSent:  st.TotalCyclesSent,
			EntriesSent: st.TotalEntriesSent,
		})
	}
	return nil
}

// Devices lists devices with an open session, sorted.
func (d *Dispatcher) Devices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown ends every session.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	for _, id := range d.Devices() {
		_ = d.End(ctx, id)
	}
}

// HandleCommand applies a command received over the link.
func (d *Dispatcher) HandleCommand(cmd link.Command) {
	ctx := context.Background()
	var err error
	switch cmd.Type {
	case link.CommandSetInterval:
		err = d.SetInterval(cmd.DeviceID, cmd.Seconds)
	case link.CommandEndSession:
		err = d.End(ctx, cmd.DeviceID)
	}
	if err != nil {
		d.logger.Warn("dispatcher: command failed", "type", cmd.Type, "device", cmd.DeviceID, "err", err)
	}
}
