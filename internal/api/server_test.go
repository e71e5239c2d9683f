package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/engine"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/protocol"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/solver"
	"github.com/banshee-data/position.report/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testAnchors = map[uint16]solver.Point{
	0x0a01: {X: 0, Y: 0, Z: 2.5},
	0x0a02: {X: 10, Y: 0, Z: 2.5},
	0x0a03: {X: 0, Y: 8, Z: 2.5},
	0x0a04: {X: 10, Y: 8, Z: 2.5},
}

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	cfg := engine.Config{
		Anchors: testAnchors,
		Solver: solver.Params{
			Dimensions:             2,
			Height:                 1,
			MinAnchors:             3,
			OutlierMultiplier:      3,
			OutlierFloor:           0.05,
			MaxIterations:          50,
			Tolerance:              1e-6,
			ConditionThreshold:     0.01,
			HighConfidenceResidual: 0.1,
			MinWeight:              0.05,
		},
		RangeMaxAge:   500 * time.Millisecond,
		StaleHorizon:  2 * time.Second,
		SolveInterval: 100 * time.Millisecond,
		QueueSize:     16,
		MaxTags:       4,
	}
	e, err := engine.New(cfg, append([]engine.Option{engine.WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return e, clock
}

// locate feeds exact ranges for tag at pos and solves once.
func locate(t *testing.T, e *engine.Engine, tag uint16, pos solver.Point, seq uint32) protocol.PositionFix {
	t.Helper()
	for id, a := range testAnchors {
		require.NoError(t, e.Ingest(protocol.DistanceReport{
			TagID: tag, AnchorID: id, Seq: seq, Distance: pos.Dist(a), Quality: 1, Timestamp: t0,
		}))
	}
	fix, err := e.SolveNow(tag)
	require.NoError(t, err)
	return fix
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestListAnchorsSorted(t *testing.T) {
	e, _ := newTestEngine(t)
	mux := NewServer(e).ServeMux()

	w := get(t, mux, "/api/anchors")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]AnchorJSON](t, w)
	want := []AnchorJSON{
		{ID: 0x0a01, Position: solver.Point{X: 0, Y: 0, Z: 2.5}},
		{ID: 0x0a02, Position: solver.Point{X: 10, Y: 0, Z: 2.5}},
		{ID: 0x0a03, Position: solver.Point{X: 0, Y: 8, Z: 2.5}},
		{ID: 0x0a04, Position: solver.Point{X: 10, Y: 8, Z: 2.5}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("anchors mismatch (-want +got):\n%s", diff)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/anchors", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTagsEndpoints(t *testing.T) {
	e, _ := newTestEngine(t)
	mux := NewServer(e).ServeMux()

	w := get(t, mux, "/api/tags")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	locate(t, e, 7, solver.Point{X: 3, Y: 4, Z: 1}, 1)

	tags := decode[[]TagJSON](t, get(t, mux, "/api/tags"))
	require.Len(t, tags, 1)
	assert.Equal(t, uint16(7), tags[0].ID)
	assert.Equal(t, "high", tags[0].LastFix.Confidence)
	assert.InDelta(t, 3, tags[0].LastFix.X, 1e-5)

	// Hex ids are accepted.
	tag := decode[TagJSON](t, get(t, mux, "/api/tags/0x7"))
	assert.Equal(t, uint64(1), tag.Fixes)
	assert.False(t, tag.Lost)
	assert.Len(t, tag.LastFix.Anchors, 4)

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/tags/8").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/tags/70000").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/tags/abc").Code)
}

func TestRangesEndpoint(t *testing.T) {
	e, clock := newTestEngine(t)
	mux := NewServer(e, WithClock(clock)).ServeMux()

	locate(t, e, 3, solver.Point{X: 5, Y: 5, Z: 1}, 1)
	clock.Advance(250 * time.Millisecond)

	ranges := decode[[]RangeJSON](t, get(t, mux, "/api/tags/3/ranges"))
	require.Len(t, ranges, 4)
	for _, r := range ranges {
		assert.Equal(t, int64(250), r.AgeMillis)
		assert.Equal(t, uint32(1), r.Seq)
	}

	// The live view ignores range age.
	clock.Advance(time.Hour)
	assert.Len(t, decode[[]RangeJSON](t, get(t, mux, "/api/tags/3/ranges")), 4)

	assert.JSONEq(t, "[]", get(t, mux, "/api/tags/9/ranges").Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/api/tags/3/ranges?history=5").Code)
}

func setupHistory(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHistoryEndpoints(t *testing.T) {
	store := setupHistory(t)
	e, _ := newTestEngine(t, engine.WithRecorder(store))
	mux := NewServer(e, WithHistory(store)).ServeMux()

	locate(t, e, 1, solver.Point{X: 2, Y: 2, Z: 1}, 1)
	locate(t, e, 1, solver.Point{X: 2, Y: 2, Z: 1}, 2)

	fixes := decode[[]FixJSON](t, get(t, mux, "/api/tags/1/fixes"))
	require.Len(t, fixes, 2)
	assert.Equal(t, "high", fixes[0].Confidence)
	assert.True(t, fixes[0].Timestamp.Equal(t0))

	assert.Len(t, decode[[]FixJSON](t, get(t, mux, "/api/tags/1/fixes?limit=1")), 1)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/tags/1/fixes?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/tags/1/fixes?limit=99999").Code)
	assert.JSONEq(t, "[]", get(t, mux, "/api/tags/2/fixes").Body.String())

	ranges := decode[[]RangeJSON](t, get(t, mux, "/api/tags/1/ranges?history=3"))
	assert.Len(t, ranges, 3)
}

type failingHistory struct{}

func (failingHistory) RecentFixes(context.Context, uint16, int) ([]protocol.PositionFix, error) {
	return nil, errors.New("disk on fire")
}

func (failingHistory) RecentReports(context.Context, uint16, int) ([]protocol.DistanceReport, error) {
	return nil, errors.New("disk on fire")
}

func TestHistoryErrors(t *testing.T) {
	e, _ := newTestEngine(t)

	mux := NewServer(e).ServeMux()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/api/tags/1/fixes").Code)

	mux = NewServer(e, WithHistory(failingHistory{})).ServeMux()
	w := get(t, mux, "/api/tags/1/fixes")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "disk on fire")
	assert.Equal(t, http.StatusInternalServerError, get(t, mux, "/api/tags/1/ranges?history=1").Code)
}

func TestStatsEndpoint(t *testing.T) {
	e, _ := newTestEngine(t)
	mux := NewServer(e).ServeMux()

	locate(t, e, 1, solver.Point{X: 2, Y: 6, Z: 1}, 1)
	require.NoError(t, e.Ingest(protocol.DistanceReport{TagID: 1, AnchorID: 0x0bad, Seq: 2, Distance: 1, Quality: 1, Timestamp: t0}))
	_, _ = e.SolveNow(1)

	stats := decode[map[string]any](t, get(t, mux, "/api/stats"))
	assert.Equal(t, float64(1), stats["tags"])
	assert.Equal(t, float64(0), stats["lost"])
	assert.Equal(t, float64(4), stats["anchors"])
	reports := stats["reports"].(map[string]any)
	assert.Equal(t, float64(4), reports["accepted"])
}

type recordingMux struct {
	*serialmux.DisabledSerialMux
	sent []string
	err  error
}

func (m *recordingMux) SendCommand(cmd string) error {
	m.sent = append(m.sent, cmd)
	return m.err
}

func TestSendCommandHandler(t *testing.T) {
	e, _ := newTestEngine(t)
	serial := &recordingMux{DisabledSerialMux: serialmux.NewDisabledSerialMux()}
	mux := NewServer(e, WithSerial(serial, nil)).ServeMux()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	w := post("command=OI")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"OI"}, serial.sent)

	assert.Equal(t, http.StatusBadRequest, post("").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, mux, "/command").Code)

	serial.err = errors.New("port gone")
	assert.Equal(t, http.StatusInternalServerError, post("command=OI").Code)
}

func TestGatewayEndpoint(t *testing.T) {
	e, _ := newTestEngine(t)

	// Without a serial mux the route is absent.
	assert.Equal(t, http.StatusNotFound, get(t, NewServer(e).ServeMux(), "/api/gateway").Code)

	gw := serialmux.NewGateway(e, "serial")
	require.NoError(t, gw.HandleEvent(`{"channel": 5}`))
	require.NoError(t, gw.HandleEvent("E: antenna delay unset"))

	mux := NewServer(e, WithSerial(serialmux.NewDisabledSerialMux(), gw)).ServeMux()
	out := decode[map[string]any](t, get(t, mux, "/api/gateway"))
	assert.Equal(t, "antenna delay unset", out["last_error"])
	assert.Equal(t, map[string]any{"channel": float64(5)}, out["state"])
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := monitoring.NewMetrics(reg)
	require.NoError(t, err)
	e, _ := newTestEngine(t, engine.WithMetrics(m))
	mux := NewServer(e, WithMetrics(m.Handler())).ServeMux()

	require.Error(t, e.IngestFrame("udp", []byte{0x00}))
	w := get(t, mux, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "uwb_frames_dropped_total")

	assert.Equal(t, http.StatusNotFound, get(t, NewServer(e).ServeMux(), "/metrics").Code)
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		query   string
		want    []uint16
		wantErr bool
	}{
		{"", nil, false},
		{"tag=1", []uint16{1}, false},
		{"tag=1,2&tag=0x10", []uint16{1, 2, 16}, false},
		{"tag=1,,2", []uint16{1, 2}, false},
		{"tag=x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/stream?"+tt.query, nil)
			got, err := parseTags(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type sseEvent struct {
	name string
	data string
}

// readEvent returns the next event, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, query string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": subscribed"), line)
	return br
}

func TestStreamDeliversFilteredEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	srv := httptest.NewServer(NewServer(e).ServeMux())
	defer srv.Close()

	br := openStream(t, srv, "?tag=2")

	locate(t, e, 1, solver.Point{X: 1, Y: 1, Z: 1}, 1)
	locate(t, e, 2, solver.Point{X: 6, Y: 3, Z: 1}, 1)

	ev := readEvent(t, br)
	assert.Equal(t, "fix", ev.name)
	var fix FixJSON
	require.NoError(t, json.Unmarshal([]byte(ev.data), &fix))
	assert.Equal(t, uint16(2), fix.TagID)
	assert.InDelta(t, 6, fix.X, 1e-5)
}

func TestStreamFrameFormat(t *testing.T) {
	e, _ := newTestEngine(t)
	srv := httptest.NewServer(NewServer(e).ServeMux())
	defer srv.Close()

	br := openStream(t, srv, "?format=frame")
	want := locate(t, e, 4, solver.Point{X: 8, Y: 2, Z: 1}, 1)

	ev := readEvent(t, br)
	require.Equal(t, "fix", ev.name)
	frame, err := hex.DecodeString(ev.data)
	require.NoError(t, err)
	got, err := protocol.DecodePositionFix(frame)
	require.NoError(t, err)
	assert.Equal(t, want.TagID, got.TagID)
	assert.InDelta(t, want.X, got.X, 0.001)
	assert.Equal(t, want.Confidence, got.Confidence)
}

func TestStreamHeartbeatAndClose(t *testing.T) {
	e, _ := newTestEngine(t)
	clock := timeutil.NewMockClock(t0)
	srv := httptest.NewServer(NewServer(e, WithClock(clock), WithHeartbeat(time.Second)).ServeMux())
	defer srv.Close()

	br := openStream(t, srv, "")
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Second)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": heartbeat\n", line)

	// Closing the stream ends the response.
	e.Stream().Close()
	for {
		if _, err := br.ReadString('\n'); err != nil {
			break
		}
	}
}

func TestStreamRejectsBadQuery(t *testing.T) {
	e, _ := newTestEngine(t)
	mux := NewServer(e).ServeMux()
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/stream?tag=zz").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/stream?format=xml").Code)

	e.Stream().Close()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/api/stream").Code)
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(500), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}

func TestVersionEndpoint(t *testing.T) {
	e, _ := newTestEngine(t)
	out := decode[map[string]string](t, get(t, NewServer(e).ServeMux(), "/api/version"))
	assert.Equal(t, "dev", out["version"])
	assert.Contains(t, out, "git_sha")
}

func TestFloorChart(t *testing.T) {
	store := setupHistory(t)
	e, _ := newTestEngine(t, engine.WithRecorder(store))
	mux := NewServer(e, WithHistory(store)).ServeMux()
	locate(t, e, 5, solver.Point{X: 4, Y: 4, Z: 1}, 1)

	w := get(t, mux, "/charts/floor")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "tag 5")
	assert.Contains(t, w.Body.String(), "anchors")

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/charts/floor?track=-1").Code)
}

func TestResidualPlot(t *testing.T) {
	store := setupHistory(t)
	e, clock := newTestEngine(t, engine.WithRecorder(store))
	mux := NewServer(e, WithHistory(store)).ServeMux()

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/charts/tags/5/residuals.png").Code)

	locate(t, e, 5, solver.Point{X: 4, Y: 4, Z: 1}, 1)
	clock.Advance(100 * time.Millisecond)
	locate(t, e, 5, solver.Point{X: 4, Y: 4.1, Z: 1}, 2)

	w := get(t, mux, "/charts/tags/5/residuals.png")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	assert.Equal(t, http.StatusServiceUnavailable, get(t, NewServer(e).ServeMux(), "/charts/tags/5/residuals.png").Code)
}

func TestTagSpeedUnits(t *testing.T) {
	e, clock := newTestEngine(t)
	mux := NewServer(e).ServeMux()

	move := func(pos solver.Point, seq uint32) {
		for id, a := range testAnchors {
			require.NoError(t, e.Ingest(protocol.DistanceReport{
				TagID: 1, AnchorID: id, Seq: seq, Distance: pos.Dist(a), Quality: 1, Timestamp: clock.Now(),
			}))
		}
		_, err := e.SolveNow(1)
		require.NoError(t, err)
	}
	move(solver.Point{X: 2, Y: 2, Z: 1}, 1)
	clock.Advance(time.Second)
	move(solver.Point{X: 5, Y: 6, Z: 1}, 2)

	tag := decode[TagJSON](t, get(t, mux, "/api/tags/1"))
	assert.Equal(t, "mps", tag.Units)
	assert.InDelta(t, 5, tag.Speed, 1e-3)

	tag = decode[TagJSON](t, get(t, mux, "/api/tags/1?units=kmph"))
	assert.InDelta(t, 18, tag.Speed, 1e-2)

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/tags/1?units=furlongs").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/tags?units=furlongs").Code)
}
