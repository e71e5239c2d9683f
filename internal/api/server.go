package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/position.report/internal/engine"
	"github.com/banshee-data/position.report/internal/httputil"
	"github.com/banshee-data/position.report/internal/protocol"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/solver"
	"github.com/banshee-data/position.report/internal/stream"
	"github.com/banshee-data/position.report/internal/timeutil"
	"github.com/banshee-data/position.report/internal/units"
	"github.com/banshee-data/position.report/internal/version"
)

// ANSI escape codes for access logs
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 5000
)

// History is the persisted fix and range history. db.DB satisfies it.
type History interface {
	RecentFixes(ctx context.Context, tag uint16, limit int) ([]protocol.PositionFix, error)
	RecentReports(ctx context.Context, tag uint16, limit int) ([]protocol.DistanceReport, error)
}

type Server struct {
	engine    *engine.Engine
	history   History
	serial    serialmux.SerialMuxInterface
	gateway   *serialmux.Gateway
	metrics   http.Handler
	clock     timeutil.Clock
	heartbeat time.Duration
}

type Option func(*Server)

// WithHistory enables the history endpoints.
func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

// WithSerial enables /command and /api/gateway.
func WithSerial(m serialmux.SerialMuxInterface, g *serialmux.Gateway) Option {
	return func(s *Server) { s.serial, s.gateway = m, g }
}

func WithMetrics(h http.Handler) Option    { return func(s *Server) { s.metrics = h } }
func WithClock(c timeutil.Clock) Option    { return func(s *Server) { s.clock = c } }
func WithHeartbeat(d time.Duration) Option { return func(s *Server) { s.heartbeat = d } }

func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:    e,
		clock:     timeutil.RealClock{},
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/anchors", s.listAnchors)
	mux.HandleFunc("/api/tags", s.listTags)
	mux.HandleFunc("/api/tags/{id}", s.showTag)
	mux.HandleFunc("/api/tags/{id}/fixes", s.listFixes)
	mux.HandleFunc("/api/tags/{id}/ranges", s.listRanges)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/stream", s.streamEvents)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/charts/floor", s.floorChart)
	mux.HandleFunc("/charts/tags/{id}/residuals.png", s.residualPlot)
	if s.serial != nil {
		mux.HandleFunc("/command", s.sendCommandHandler)
		mux.HandleFunc("/api/gateway", s.showGateway)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// FixJSON is the JSON form of a position fix.
type FixJSON struct {
	TagID      uint16    `json:"tag_id"`
	Timestamp  time.Time `json:"timestamp"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Z          float64   `json:"z"`
	Residual   float64   `json:"residual"`
	Confidence string    `json:"confidence"`
	Stale      bool      `json:"stale"`
	Anchors    []uint16  `json:"anchors"`
}

func fixToJSON(f protocol.PositionFix) FixJSON {
	anchors := f.Anchors
	if anchors == nil {
		anchors = []uint16{}
	}
	return FixJSON{
		TagID:      f.TagID,
		Timestamp:  f.Timestamp,
		X:          f.X,
		Y:          f.Y,
		Z:          f.Z,
		Residual:   f.Residual,
		Confidence: f.Confidence.String(),
		Stale:      f.Stale,
		Anchors:    anchors,
	}
}

type AnchorJSON struct {
	ID       uint16       `json:"id"`
	Position solver.Point `json:"position"`
}

type TagJSON struct {
	ID       uint16       `json:"id"`
	LastFix  FixJSON      `json:"last_fix"`
	Velocity solver.Point `json:"velocity"`
	Speed    float64      `json:"speed"`
	Units    string       `json:"units"`
	LastSeen time.Time    `json:"last_seen"`
	Lost     bool         `json:"lost"`
	Fixes    uint64       `json:"fixes"`
}

func tagToJSON(t stream.Tag, unit string) TagJSON {
	return TagJSON{
		ID:       t.ID,
		LastFix:  fixToJSON(t.LastFix),
		Velocity: t.Velocity,
		Speed:    units.Speed(t.Velocity, unit),
		Units:    unit,
		LastSeen: t.LastSeen,
		Lost:     t.Lost,
		Fixes:    t.Fixes,
	}
}

type RangeJSON struct {
	AnchorID  uint16    `json:"anchor_id"`
	Seq       uint32    `json:"seq"`
	Distance  float64   `json:"distance"`
	Quality   float64   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
	AgeMillis int64     `json:"age_ms"`
}

func (s *Server) listAnchors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	anchors := s.engine.Anchors()
	out := make([]AnchorJSON, 0, len(anchors))
	for id, p := range anchors {
		out = append(out, AnchorJSON{ID: id, Position: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	unit, err := units.Parse(r.URL.Query().Get("units"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	tags := s.engine.Stream().Tags()
	out := make([]TagJSON, 0, len(tags))
	for _, t := range tags {
		out = append(out, tagToJSON(t, unit))
	}
	httputil.WriteJSONOK(w, out)
}

// tagID parses the {id} path segment, writing a 400 when it is invalid.
func tagID(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	id, err := httputil.ParseID(r.PathValue("id"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return 0, false
	}
	return id, true
}

func (s *Server) showTag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := tagID(w, r)
	if !ok {
		return
	}
	unit, err := units.Parse(r.URL.Query().Get("units"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	t, found := s.engine.Stream().Tag(id)
	if !found {
		httputil.NotFound(w, "unknown tag")
		return
	}
	httputil.WriteJSONOK(w, tagToJSON(t, unit))
}

func (s *Server) listFixes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := tagID(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "fix history is not being recorded")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	fixes, err := s.history.RecentFixes(r.Context(), id, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve fixes: "+err.Error())
		return
	}
	out := make([]FixJSON, 0, len(fixes))
	for _, f := range fixes {
		out = append(out, fixToJSON(f))
	}
	httputil.WriteJSONOK(w, out)
}

// listRanges returns the collector's current ranges for a tag, or with
// ?history=N the last N accepted reports from the database.
func (s *Server) listRanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := tagID(w, r)
	if !ok {
		return
	}
	now := s.clock.Now()

	var reports []protocol.DistanceReport
	if r.URL.Query().Has("history") {
		if s.history == nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, "range history is not being recorded")
			return
		}
		limit, err := httputil.QueryInt(r, "history", defaultHistoryLimit, maxHistoryLimit)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if reports, err = s.history.RecentReports(r.Context(), id, limit); err != nil {
			httputil.InternalServerError(w, "failed to retrieve ranges: "+err.Error())
			return
		}
	} else {
		reports = s.engine.Collector().Snapshot(id, now, 0)
	}

	out := make([]RangeJSON, 0, len(reports))
	for _, rep := range reports {
		out = append(out, RangeJSON{
			AnchorID:  rep.AnchorID,
			Seq:       rep.Seq,
			Distance:  rep.Distance,
			Quality:   rep.Quality,
			Timestamp: rep.Timestamp,
			AgeMillis: now.Sub(rep.Timestamp).Milliseconds(),
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	reports := make(map[string]uint64)
	for result, n := range s.engine.Collector().Counts() {
		reports[result.String()] = n
	}
	tracked, lost := 0, 0
	for _, t := range s.engine.Stream().Tags() {
		tracked++
		if t.Lost {
			lost++
		}
	}
	httputil.WriteJSONOK(w, map[string]any{
		"reports": reports,
		"tags":    tracked,
		"lost":    lost,
		"anchors": len(s.engine.Anchors()),
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := s.serial.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) showGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out := map[string]any{"state": map[string]any{}, "last_error": ""}
	if s.gateway != nil {
		out["state"] = s.gateway.State()
		out["last_error"] = s.gateway.LastError()
	}
	httputil.WriteJSONOK(w, out)
}
