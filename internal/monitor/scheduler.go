// Package monitor drives periodic capture and owns every region tracker of a
// monitoring session. All tracker mutation happens on the goroutine running
// Scheduler.Run; other callers submit commands.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/capturer/internal/capture"
	"github.com/mikeyg42/capturer/internal/metrics"
	"github.com/mikeyg42/capturer/internal/monitorlog"
	"github.com/mikeyg42/capturer/internal/region"
	"github.com/mikeyg42/capturer/internal/tracker"
)

var (
	ErrNotRunning     = errors.New("monitoring session is not running")
	ErrAlreadyRunning = errors.New("monitoring session already running")
	ErrUnknownRegion  = errors.New("unknown region")
)

// Config holds the scheduler settings.
type Config struct {
	Interval         time.Duration
	Tolerance        uint8
	ThresholdPercent float64
	// MaxParallel bounds concurrent crop+compare work in one tick.
	MaxParallel int

	Logger monitorlog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is a point-in-time view of the session.
type Status struct {
	Running  bool      `json:"running"`
	Paused   bool      `json:"paused"`
	Ticks    uint64    `json:"ticks"`
	LastTick time.Time `json:"last_tick"`
	Regions  int       `json:"regions"`
}

// Scheduler is one monitoring session.
type Scheduler struct {
	source capture.Source
	cfg    Config
	logger monitorlog.Logger

	// owned by the Run goroutine
	regions  []region.Region
	trackers *tracker.Set

	listenersMu sync.RWMutex
	listeners   []Listener

	cmds    chan func()
	started atomic.Bool
	stopped chan struct{}

	paused      atomic.Bool
	ticks       atomic.Uint64
	lastTick    atomic.Int64
	regionCount atomic.Int32
}

// New validates the region set against the source's frame and builds the
// trackers. Bounds are checked here once, not per tick.
func New(source capture.Source, regions []region.Region, cfg Config) (*Scheduler, error) {
	if source == nil {
		return nil, errors.New("capture source is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = monitorlog.L()
	}

	frame := source.Bounds()
	now := cfg.Now()
	s := &Scheduler{
		source:   source,
		cfg:      cfg,
		logger:   cfg.Logger.Named("scheduler"),
		trackers: tracker.NewSet(),
		cmds:     make(chan func()),
		stopped:  make(chan struct{}),
	}
	for _, r := range regions {
		if _, dup := s.trackers.Get(r.Name); dup {
			return nil, fmt.Errorf("duplicate region name %q", r.Name)
		}
		if r.Enabled {
			if err := region.CheckBounds(r, frame); err != nil {
				return nil, err
			}
		}
		s.regions = append(s.regions, r)
		s.trackers.Ensure(r.Name, cfg.Tolerance, cfg.ThresholdPercent, now)
	}
	s.regionCount.Store(int32(len(s.regions)))
	return s, nil
}

// Subscribe adds a listener. Safe to call at any time.
func (s *Scheduler) Subscribe(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Run ticks at the configured interval until ctx is done. It may be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	tickC := ticker.C

	s.logger.Info("monitoring started",
		monitorlog.Duration("interval", s.cfg.Interval),
		monitorlog.Int("regions", len(s.regions)))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("monitoring stopped", monitorlog.Uint64("ticks", s.ticks.Load()))
			return nil

		case cmd := <-s.cmds:
			cmd()
			// pause and resume only flip the flag; the ticker follows it here
			switch {
			case s.paused.Load() && tickC != nil:
				ticker.Stop()
				tickC = nil
			case !s.paused.Load() && tickC == nil:
				ticker.Reset(s.cfg.Interval)
				tickC = ticker.C
			}

		case <-tickC:
			s.tick(ctx, s.cfg.Now())
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	cmd := func() {
		fn()
		close(done)
	}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops scheduling ticks. A tick in progress completes. Trackers are kept.
func (s *Scheduler) Pause(ctx context.Context) error {
	return s.do(ctx, func() {
		if !s.paused.Swap(true) {
			metrics.Paused.Set(1)
			s.logger.Info("monitoring paused")
		}
	})
}

// Resume restarts ticking after Pause.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.do(ctx, func() {
		if s.paused.Swap(false) {
			metrics.Paused.Set(0)
			s.logger.Info("monitoring resumed")
		}
	})
}

// Reset zeroes the named region's statistics, or every region when name is empty.
func (s *Scheduler) Reset(ctx context.Context, name string) error {
	var err error
	if cerr := s.do(ctx, func() { err = s.reset(name, s.cfg.Now()) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Scheduler) reset(name string, now time.Time) error {
	if name == "" {
		s.trackers.ResetAll(now)
		s.logger.Info("statistics reset")
		return nil
	}
	t, ok := s.trackers.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, name)
	}
	t.Reset(now)
	s.logger.Info("region statistics reset", monitorlog.String("region", name))
	return nil
}

// UpdateRegion adds a region or replaces the bounds of an existing one. A
// changed region loses its baseline and statistics and is enabled again.
func (s *Scheduler) UpdateRegion(ctx context.Context, r region.Region) error {
	var err error
	if cerr := s.do(ctx, func() { err = s.updateRegion(r, s.cfg.Now()) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Scheduler) updateRegion(r region.Region, now time.Time) error {
	if r.Name == "" {
		return errors.New("region name is required")
	}
	if r.Enabled {
		if err := region.CheckBounds(r, s.source.Bounds()); err != nil {
			return err
		}
	}

	for i := range s.regions {
		if s.regions[i].Name != r.Name {
			continue
		}
		moved := !s.regions[i].Bounds.Eq(r.Bounds)
		s.regions[i] = r
		t, _ := s.trackers.Get(r.Name)
		if t.Stats().Disabled {
			t.SetDisabled(false)
			metrics.RegionsDisabled.Dec()
		}
		// same bounds keep the baseline and the session counters
		if moved {
			t.Reset(now)
		}
		s.logger.Info("region updated",
			monitorlog.String("region", r.Name),
			monitorlog.Any("bounds", r.Bounds),
			monitorlog.Bool("enabled", r.Enabled),
			monitorlog.Bool("reset", moved))
		return nil
	}

	s.regions = append(s.regions, r)
	s.regionCount.Store(int32(len(s.regions)))
	s.trackers.Ensure(r.Name, s.cfg.Tolerance, s.cfg.ThresholdPercent, now)
	s.logger.Info("region added", monitorlog.String("region", r.Name), monitorlog.Any("bounds", r.Bounds))
	return nil
}

// SetDetection changes tolerance and threshold for subsequent comparisons.
func (s *Scheduler) SetDetection(ctx context.Context, tolerance uint8, thresholdPercent float64) error {
	if thresholdPercent < 0 || thresholdPercent > 100 {
		return fmt.Errorf("threshold must be within 0..100, got %v", thresholdPercent)
	}
	return s.do(ctx, func() {
		s.cfg.Tolerance = tolerance
		s.cfg.ThresholdPercent = thresholdPercent
		s.trackers.SetDetection(tolerance, thresholdPercent)
	})
}

// Snapshot returns a copy of every region's statistics in region order.
func (s *Scheduler) Snapshot(ctx context.Context) ([]tracker.Stats, error) {
	var out []tracker.Stats
	if err := s.do(ctx, func() { out = s.trackers.Snapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Regions returns a copy of the current region definitions.
func (s *Scheduler) Regions(ctx context.Context) ([]region.Region, error) {
	var out []region.Region
	if err := s.do(ctx, func() { out = append(out, s.regions...) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Status can be called from any goroutine.
func (s *Scheduler) Status() Status {
	st := Status{
		Running: s.started.Load() && !s.isStopped(),
		Paused:  s.paused.Load(),
		Ticks:   s.ticks.Load(),
		Regions: int(s.regionCount.Load()),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		st.LastTick = time.Unix(0, ns)
	}
	return st
}

func (s *Scheduler) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

type regionWork struct {
	region  region.Region
	tracker *tracker.Tracker
	outcome tracker.Outcome
	err     error
}

// tick runs one capture+compare cycle. Evaluation is parallel; all writes and
// events happen afterwards in region order.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	metrics.Ticks.Inc()
	s.ticks.Add(1)
	s.lastTick.Store(now.UnixNano())
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	frame, err := s.source.Capture(ctx)
	if err != nil {
		metrics.CaptureFailures.Inc()
		s.logger.Warn("capture failed, skipping tick", monitorlog.Error(err))
		s.emit(Event{Type: CaptureFailed, At: now, Err: err, Message: "screen capture failed"})
		return
	}

	var work []*regionWork
	for _, r := range s.regions {
		t, _ := s.trackers.Get(r.Name)
		if !r.Enabled || t.Stats().Disabled {
			continue
		}
		work = append(work, &regionWork{region: r, tracker: t})
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallel)
	for _, w := range work {
		g.Go(func() error {
			sample, err := region.Crop(frame, w.region)
			if err != nil {
				w.err = err
				return nil
			}
			w.outcome = w.tracker.Evaluate(sample)
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range work {
		name := w.region.Name
		if w.err != nil {
			w.tracker.SetDisabled(true)
			metrics.RegionsDisabled.Inc()
			s.logger.Error("region no longer fits the frame, disabled for this session",
				monitorlog.String("region", name), monitorlog.Error(w.err))
			s.emit(Event{Type: RegionDisabled, At: now, Region: name, Stats: w.tracker.Stats(),
				Err: w.err, Message: "region bounds are outside the captured frame"})
			continue
		}

		w.tracker.Apply(w.outcome, now)
		if !w.outcome.Compared {
			continue
		}
		res := w.outcome.Result
		metrics.Comparisons.WithLabelValues(name).Inc()
		metrics.ChangePercentage.WithLabelValues(name).Set(res.ChangePercentage)
		if res.HasActivity {
			metrics.Activities.WithLabelValues(name).Inc()
		}
		s.emit(Event{Type: ActivityChanged, At: now, Region: name, Result: res, Stats: w.tracker.Stats()})
	}
}

func (s *Scheduler) emit(e Event) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l.HandleEvent(e)
	}
}
