package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/capturer/internal/capture"
	"github.com/mikeyg42/capturer/internal/metrics"
	"github.com/mikeyg42/capturer/internal/monitorlog"
	"github.com/mikeyg42/capturer/internal/region"
)

var frameSize = image.Rect(0, 0, 100, 100)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// frameSeq serves queued results in order and repeats the last frame.
type frameSeq struct {
	mu     sync.Mutex
	frames []image.Image
	errs   []error
	last   image.Image
}

func (f *frameSeq) push(img image.Image) { f.add(img, nil) }
func (f *frameSeq) fail(err error)       { f.add(nil, err) }

func (f *frameSeq) add(img image.Image, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, img)
	f.errs = append(f.errs, err)
}

func (f *frameSeq) source() capture.Source {
	return capture.FuncSource{Size: frameSize, Fn: func(context.Context) (image.Image, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.frames) == 0 {
			if f.last == nil {
				return nil, errors.New("no frame")
			}
			return f.last, nil
		}
		img, err := f.frames[0], f.errs[0]
		f.frames, f.errs = f.frames[1:], f.errs[1:]
		if img != nil {
			f.last = img
		}
		return img, err
	}}
}

func solidFrame(c uint8) *image.RGBA {
	img := image.NewRGBA(frameSize)
	for i := range img.Pix {
		img.Pix[i] = c
	}
	return img
}

// paint changes n pixels of the 10x10 block at (x0, y0) well beyond any tolerance.
func paint(src *image.RGBA, x0, y0, n int) *image.RGBA {
	img := image.NewRGBA(src.Rect)
	copy(img.Pix, src.Pix)
	for i := 0; i < n; i++ {
		img.Set(x0+i%10, y0+i/10, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	}
	return img
}

func newTestScheduler(t *testing.T, src capture.Source, regions ...region.Region) (*Scheduler, *recorder) {
	t.Helper()
	s, err := New(src, regions, Config{
		Interval:         time.Hour,
		Tolerance:        10,
		ThresholdPercent: 2,
		Logger:           monitorlog.Nop(),
	})
	require.NoError(t, err)
	rec := &recorder{}
	s.Subscribe(rec)
	return s, rec
}

func TestDeskScenario(t *testing.T) {
	frames := &frameSeq{}
	base := solidFrame(0)
	frames.push(base)
	frames.push(base)
	frames.push(paint(base, 0, 0, 5))

	s, rec := newTestScheduler(t, frames.source(), region.New("Desk", 0, 0, 10, 10, true))
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	s.tick(ctx, now)
	assert.Empty(t, rec.take(), "first sample only sets the baseline")
	st := s.trackers.Snapshot()[0]
	assert.Equal(t, uint64(0), st.TotalComparisons)
	assert.True(t, st.HasBaseline)

	s.tick(ctx, now.Add(time.Second))
	ev := rec.take()
	require.Len(t, ev, 1)
	assert.Equal(t, ActivityChanged, ev[0].Type)
	assert.Equal(t, "Desk", ev[0].Region)
	assert.Equal(t, 0.0, ev[0].Result.ChangePercentage)
	assert.False(t, ev[0].Result.HasActivity)
	assert.Equal(t, uint64(1), ev[0].Stats.TotalComparisons)
	assert.Equal(t, uint64(0), ev[0].Stats.ActivityCount)

	at := now.Add(2 * time.Second)
	s.tick(ctx, at)
	ev = rec.take()
	require.Len(t, ev, 1)
	assert.InDelta(t, 5.0, ev[0].Result.ChangePercentage, 1e-9)
	assert.True(t, ev[0].Result.HasActivity)
	assert.Equal(t, uint64(2), ev[0].Stats.TotalComparisons)
	assert.Equal(t, uint64(1), ev[0].Stats.ActivityCount)
	assert.Equal(t, at, ev[0].Stats.LastActivityTime)
}

func TestCaptureFailureSkipsTick(t *testing.T) {
	frames := &frameSeq{}
	frames.push(solidFrame(0))
	frames.fail(errors.New("display asleep"))
	frames.push(solidFrame(0))

	s, rec := newTestScheduler(t, frames.source(), region.New("Desk", 0, 0, 10, 10, true))
	ctx := context.Background()
	now := time.Now()

	s.tick(ctx, now)
	s.tick(ctx, now)
	ev := rec.take()
	require.Len(t, ev, 1)
	assert.Equal(t, CaptureFailed, ev[0].Type)
	assert.ErrorIs(t, ev[0].Err, capture.ErrCaptureFailed)
	assert.Equal(t, uint64(0), s.trackers.Snapshot()[0].TotalComparisons)

	s.tick(ctx, now)
	ev = rec.take()
	require.Len(t, ev, 1)
	assert.Equal(t, ActivityChanged, ev[0].Type)
	assert.Equal(t, uint64(3), s.Status().Ticks)
}

func TestCropFailureDisablesRegionOnce(t *testing.T) {
	frames := &frameSeq{}
	// frame shrank below the configured region
	small := image.NewRGBA(image.Rect(0, 0, 50, 50))
	frames.push(small)
	frames.push(small)

	s, rec := newTestScheduler(t, frames.source(),
		region.New("Desk", 0, 0, 10, 10, true),
		region.New("Corner", 80, 80, 10, 10, true),
	)
	ctx := context.Background()

	s.tick(ctx, time.Now())
	ev := rec.take()
	require.Len(t, ev, 1)
	assert.Equal(t, RegionDisabled, ev[0].Type)
	assert.Equal(t, "Corner", ev[0].Region)
	assert.ErrorIs(t, ev[0].Err, region.ErrBoundsInvalid)
	assert.True(t, ev[0].Stats.Disabled)

	s.tick(ctx, time.Now())
	ev = rec.take()
	require.Len(t, ev, 1, "disabled region is not reported again")
	assert.Equal(t, "Desk", ev[0].Region)
}

func TestEventsFollowRegionOrder(t *testing.T) {
	frames := &frameSeq{}
	frames.push(solidFrame(0))
	frames.push(solidFrame(200))

	var regions []region.Region
	var want []string
	for i := 9; i >= 0; i-- {
		name := fmt.Sprintf("r%d", i)
		regions = append(regions, region.New(name, i*10, 0, 10, 10, true))
		want = append(want, name)
	}
	regions = append(regions, region.New("off", 0, 50, 10, 10, false))

	s, rec := newTestScheduler(t, frames.source(), regions...)
	s.cfg.MaxParallel = 3

	s.tick(context.Background(), time.Now())
	s.tick(context.Background(), time.Now())

	var got []string
	for _, e := range rec.take() {
		assert.True(t, e.Result.HasActivity)
		got = append(got, e.Region)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(0), s.trackers.Snapshot()[10].TotalComparisons, "disabled region is skipped")
}

func TestBoundsChangeStartsFreshBaseline(t *testing.T) {
	frames := &frameSeq{}
	base := solidFrame(0)
	frames.push(base)
	frames.push(base)
	frames.push(paint(base, 0, 0, 100))

	s, rec := newTestScheduler(t, frames.source(), region.New("Desk", 0, 0, 10, 10, true))
	now := time.Now()
	s.tick(context.Background(), now)
	s.tick(context.Background(), now)
	require.Len(t, rec.take(), 1)

	require.NoError(t, s.updateRegion(region.New("Desk", 0, 0, 20, 20, true), now))
	st := s.trackers.Snapshot()[0]
	assert.Equal(t, uint64(0), st.TotalComparisons)
	assert.False(t, st.HasBaseline)

	s.tick(context.Background(), now)
	assert.Empty(t, rec.take(), "changed region is a fresh baseline, not 100% activity")
	assert.Equal(t, uint64(0), s.trackers.Snapshot()[0].TotalComparisons)
}

func TestUpdateWithSameBoundsKeepsStats(t *testing.T) {
	frames := &frameSeq{}
	base := solidFrame(0)
	frames.push(base)
	frames.push(paint(base, 0, 0, 100))

	s, rec := newTestScheduler(t, frames.source(), region.New("Desk", 0, 0, 10, 10, true))
	now := time.Now()
	s.tick(context.Background(), now)
	s.tick(context.Background(), now)
	require.Len(t, rec.take(), 1)
	before := s.trackers.Snapshot()[0]
	require.Equal(t, uint64(1), before.TotalComparisons)
	require.Equal(t, uint64(1), before.ActivityCount)

	require.NoError(t, s.updateRegion(region.New("Desk", 0, 0, 10, 10, true), now.Add(time.Minute)))
	after := s.trackers.Snapshot()[0]
	assert.Equal(t, before, after, "re-sending a region leaves its statistics alone")
	assert.True(t, after.HasBaseline)

	require.NoError(t, s.updateRegion(region.New("Desk", 0, 0, 10, 10, false), now.Add(time.Minute)))
	assert.False(t, s.regions[0].Enabled)
	assert.Equal(t, before, s.trackers.Snapshot()[0], "toggling enabled leaves its statistics alone")
}

func TestReenablingRegionClearsDisabledGauge(t *testing.T) {
	frames := &frameSeq{}
	small := image.NewRGBA(image.Rect(0, 0, 50, 50))
	frames.push(small)

	s, rec := newTestScheduler(t, frames.source(), region.New("Corner", 80, 80, 10, 10, true))
	start := testutil.ToFloat64(metrics.RegionsDisabled)

	s.tick(context.Background(), time.Now())
	require.Len(t, rec.take(), 1)
	assert.Equal(t, start+1, testutil.ToFloat64(metrics.RegionsDisabled))

	s.tick(context.Background(), time.Now())
	assert.Equal(t, start+1, testutil.ToFloat64(metrics.RegionsDisabled), "counted once per region")

	require.NoError(t, s.updateRegion(region.New("Corner", 80, 80, 10, 10, true), time.Now()))
	assert.False(t, s.trackers.Snapshot()[0].Disabled)
	assert.Equal(t, start, testutil.ToFloat64(metrics.RegionsDisabled))

	// updating a region that was never disabled leaves the gauge alone
	require.NoError(t, s.updateRegion(region.New("Corner", 80, 80, 10, 10, true), time.Now()))
	assert.Equal(t, start, testutil.ToFloat64(metrics.RegionsDisabled))
}

func TestNewValidatesRegions(t *testing.T) {
	src := capture.FuncSource{Size: frameSize, Fn: func(context.Context) (image.Image, error) { return solidFrame(0), nil }}

	_, err := New(src, []region.Region{region.New("Big", 50, 50, 60, 60, true)}, Config{Interval: time.Second})
	assert.ErrorIs(t, err, region.ErrBoundsInvalid)

	// disabled regions are not checked
	_, err = New(src, []region.Region{region.New("Big", 50, 50, 60, 60, false)}, Config{Interval: time.Second})
	assert.NoError(t, err)

	_, err = New(src, []region.Region{region.New("A", 0, 0, 5, 5, true), region.New("A", 5, 5, 5, 5, true)}, Config{Interval: time.Second})
	assert.Error(t, err)

	_, err = New(src, nil, Config{})
	assert.Error(t, err)
}

func TestCommandsRequireRunningSession(t *testing.T) {
	frames := &frameSeq{}
	s, _ := newTestScheduler(t, frames.source(), region.New("Desk", 0, 0, 10, 10, true))

	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, s.Pause(context.Background()), ErrNotRunning)
}

func runScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Status().Running }, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return cancel
}

func TestRunCommands(t *testing.T) {
	frames := &frameSeq{}
	frames.push(solidFrame(0))
	s, _ := newTestScheduler(t, frames.source(),
		region.New("Desk", 0, 0, 10, 10, true),
		region.New("Door", 10, 0, 10, 10, true),
	)
	runScheduler(t, s)
	ctx := context.Background()

	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)

	stats, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "Desk", stats[0].RegionName)

	require.NoError(t, s.Pause(ctx))
	assert.True(t, s.Status().Paused)
	require.NoError(t, s.Resume(ctx))
	assert.False(t, s.Status().Paused)

	assert.NoError(t, s.Reset(ctx, "Door"))
	assert.NoError(t, s.Reset(ctx, ""))
	assert.ErrorIs(t, s.Reset(ctx, "Window"), ErrUnknownRegion)

	require.NoError(t, s.UpdateRegion(ctx, region.New("Window", 50, 50, 10, 10, true)))
	assert.ErrorIs(t, s.UpdateRegion(ctx, region.New("Huge", 90, 90, 20, 20, true)), region.ErrBoundsInvalid)
	regions, err := s.Regions(ctx)
	require.NoError(t, err)
	assert.Len(t, regions, 3)
	assert.Equal(t, 3, s.Status().Regions)

	require.NoError(t, s.SetDetection(ctx, 30, 50))
	assert.Error(t, s.SetDetection(ctx, 30, 150))
}

func TestRunTicksAndPauses(t *testing.T) {
	frames := &frameSeq{}
	frames.push(solidFrame(0))
	s, err := New(frames.source(), []region.Region{region.New("Desk", 0, 0, 10, 10, true)}, Config{
		Interval: 5 * time.Millisecond,
		Logger:   monitorlog.Nop(),
	})
	require.NoError(t, err)
	rec := &recorder{}
	s.Subscribe(rec)
	runScheduler(t, s)
	ctx := context.Background()

	require.Eventually(t, func() bool { return s.Status().Ticks >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, s.Pause(ctx))
	paused := s.Status().Ticks
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, s.Status().Ticks, "no ticks while paused")

	stats, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats[0].TotalComparisons, "pause keeps statistics")

	require.NoError(t, s.Resume(ctx))
	require.Eventually(t, func() bool { return s.Status().Ticks > paused }, time.Second, time.Millisecond)
}
