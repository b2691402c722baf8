package api

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/capturer/internal/capture"
	"github.com/mikeyg42/capturer/internal/dispatch"
	"github.com/mikeyg42/capturer/internal/monitor"
	"github.com/mikeyg42/capturer/internal/monitorlog"
	"github.com/mikeyg42/capturer/internal/region"
	"github.com/mikeyg42/capturer/internal/storage"
)

var frameSize = image.Rect(0, 0, 64, 64)

// flickerSource alternates black and white frames so every tick is activity.
func flickerSource() capture.Source {
	var n atomic.Int64
	return capture.FuncSource{Size: frameSize, Fn: func(context.Context) (image.Image, error) {
		img := image.NewRGBA(frameSize)
		if n.Add(1)%2 == 0 {
			for i := range img.Pix {
				img.Pix[i] = 0xff
			}
		} else {
			for y := 0; y < 64; y++ {
				for x := 0; x < 64; x++ {
					img.SetRGBA(x, y, color.RGBA{A: 0xff})
				}
			}
		}
		return img, nil
	}}
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	sched *monitor.Scheduler
	hist  storage.HistoryStore
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	sched, err := monitor.New(flickerSource(), []region.Region{
		region.New("Desk", 0, 0, 32, 32, true),
		region.New("Door", 32, 32, 32, 32, true),
	}, monitor.Config{Interval: 5 * time.Millisecond, Tolerance: 10, ThresholdPercent: 5, Logger: monitorlog.Nop()})
	require.NoError(t, err)

	hist, err := storage.NewHistoryStore(storage.HistoryConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{Monitor: sched, History: hist, SystemName: "Office", Logger: monitorlog.Nop()}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(ctx, opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	require.Eventually(t, func() bool { return sched.Status().Running }, time.Second, time.Millisecond)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
		cancel()
		<-done
	})
	return &fixture{srv: srv, http: ts, sched: sched, hist: hist}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestNewServerRequiresMonitor(t *testing.T) {
	_, err := NewServer(context.Background(), Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["history"])

	resp, _ = f.do(t, http.MethodPost, "/api/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatsAndOnDemandReport(t *testing.T) {
	f := newFixture(t, nil)
	require.Eventually(t, func() bool { return f.sched.Status().Ticks >= 3 }, time.Second, time.Millisecond)

	resp, body := f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	regions, ok := body["regions"].([]any)
	require.True(t, ok)
	require.Len(t, regions, 2)
	assert.Equal(t, "Desk", regions[0].(map[string]any)["region_name"])

	resp, body = f.do(t, http.MethodGet, "/api/report", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["total_regions"])

	resp, _ = f.do(t, http.MethodGet, "/api/report?format=csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".csv")

	resp, _ = f.do(t, http.MethodGet, "/api/report?format=html", "")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp, _ = f.do(t, http.MethodGet, "/api/report?format=zip", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegionsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.Get(f.http.URL + "/api/regions")
	require.NoError(t, err)
	var regions []regionBody
	require.NoError(t, json.NewDecoder(req.Body).Decode(&regions))
	req.Body.Close()
	require.Len(t, regions, 2)
	assert.Equal(t, "Door", regions[1].Name)
	assert.Equal(t, 32, regions[1].Width)

	resp, _ := f.do(t, http.MethodPost, "/api/regions", `{"name":"Window","x":0,"y":32,"width":16,"height":16}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, f.sched.Status().Regions)

	resp, body := f.do(t, http.MethodPost, "/api/regions", `{"name":"Wall","x":60,"y":60,"width":16,"height":16}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, _ = f.do(t, http.MethodPost, "/api/regions", `{"name":"","width":1,"height":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/regions", `{"name":"X","width":1,"height":1,"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestPauseResumeReset(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["paused"])

	resp, body = f.do(t, http.MethodPost, "/api/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["paused"])

	resp, _ = f.do(t, http.MethodGet, "/api/pause", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/reset?region=Desk", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Desk", body["region"])

	resp, _ = f.do(t, http.MethodPost, "/api/reset?region=Nowhere", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDetectionEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/detection", `{"pixel_tolerance":20,"activity_threshold_percent":2.5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/detection", `{"pixel_tolerance":300,"activity_threshold_percent":2.5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/detection", `{"pixel_tolerance":20}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlEndpointsAreRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ControlRatePerMinute = 2 })

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, http.MethodPost, "/api/resume", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.do(t, http.MethodPost, "/api/resume", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	resp, _ = f.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

func TestReportHistoryEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	require.NoError(t, f.hist.SaveReport(context.Background(), &storage.ReportRecord{
		ID: "r1", Period: "daily", Format: "html",
		WindowStart: now.Add(-time.Hour), WindowEnd: now, GeneratedAt: now,
		TotalRegions: 2, TotalActivities: 7, BusiestRegion: "Desk",
	}))

	resp, err := http.Get(f.http.URL + "/api/reports?period=daily&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []storage.ReportRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "Desk", recs[0].BusiestRegion)

	r2, _ := f.do(t, http.MethodGet, "/api/reports?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)
	r2, _ = f.do(t, http.MethodGet, "/api/reports?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)
}

type lastFunc func() *dispatch.Result

func (f lastFunc) Last() *dispatch.Result { return f() }

func TestLastDispatchEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/api/dispatch/last", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no dispatcher configured")

	var last *dispatch.Result
	f = newFixture(t, func(o *Options) { o.Dispatch = lastFunc(func() *dispatch.Result { return last }) })
	resp, _ = f.do(t, http.MethodGet, "/api/dispatch/last", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	last = &dispatch.Result{ReportID: "r1", Outcome: "sent"}
	resp, body := f.do(t, http.MethodGet, "/api/dispatch/last", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sent", body["outcome"])
}

func TestWebsocketStreamsEvents(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.Hub().Clients() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e struct {
		Type   string `json:"type"`
		Region string `json:"region"`
	}
	for e.Type != "activity_changed" {
		require.NoError(t, conn.ReadJSON(&e))
	}
	assert.Contains(t, []string{"Desk", "Door"}, e.Region)
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLocalOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://capturer.lan:8080/ws", nil)
	assert.True(t, localOrigin(r))

	r.Header.Set("Origin", "http://capturer.lan:8080")
	assert.True(t, localOrigin(r))
	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, localOrigin(r))
	r.Header.Set("Origin", "http://other.lan")
	assert.False(t, localOrigin(r))
}

func TestRateLimiterRefills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, time.Minute)
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "limits are per client")

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestMaskIP(t *testing.T) {
	assert.Equal(t, "192.168.*.*", maskIP("192.168.1.100"))
	assert.Equal(t, "2001:db8:*", maskIP("2001:db8::1"))
	assert.Equal(t, "unknown", maskIP("not-an-ip"))
}
