package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/position.report/internal/httputil"
)

const (
	defaultTrackLength = 200
	maxTrackLength     = 5000
)

// floorChart renders anchors and tag positions on the site plan. With a
// history store each tag's recent track is drawn too.
func (s *Server) floorChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	track, err := httputil.QueryInt(r, "track", defaultTrackLength, maxTrackLength)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	anchors := s.engine.Anchors()
	ids := make([]uint16, 0, len(anchors))
	for id := range anchors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	anchorPts := make([]opts.ScatterData, 0, len(ids))
	for _, id := range ids {
		p := anchors[id]
		anchorPts = append(anchorPts, opts.ScatterData{Name: fmt.Sprintf("anchor %d", id), Value: []any{p.X, p.Y}})
	}

	tags := s.engine.Stream().Tags()
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Site Plan", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Site Plan", Subtitle: fmt.Sprintf("anchors=%d tags=%d", len(anchorPts), len(tags))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("anchors", anchorPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	for _, t := range tags {
		pts := []opts.ScatterData{{Name: t.LastFix.Confidence.String(), Value: []any{t.LastFix.X, t.LastFix.Y}}}
		if s.history != nil {
			fixes, err := s.history.RecentFixes(r.Context(), t.ID, track)
			if err != nil {
				httputil.InternalServerError(w, "failed to retrieve fixes: "+err.Error())
				return
			}
			for _, f := range fixes {
				pts = append(pts, opts.ScatterData{Name: f.Confidence.String(), Value: []any{f.X, f.Y}})
			}
		}
		scatter.AddSeries(fmt.Sprintf("tag %d", t.ID), pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// residualPlot renders a PNG of a tag's fix residuals from history.
func (s *Server) residualPlot(w http.ResponseWriter, r *http.Request) {
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
	limit, err := httputil.QueryInt(r, "limit", defaultTrackLength, maxTrackLength)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	fixes, err := s.history.RecentFixes(r.Context(), id, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve fixes: "+err.Error())
		return
	}
	if len(fixes) == 0 {
		httputil.NotFound(w, "no fixes recorded for tag")
		return
	}

	// Fixes arrive newest first.
	origin := fixes[len(fixes)-1].Timestamp
	pts := make(plotter.XYs, 0, len(fixes))
	for i := len(fixes) - 1; i >= 0; i-- {
		pts = append(pts, plotter.XY{X: fixes[i].Timestamp.Sub(origin).Seconds(), Y: fixes[i].Residual})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tag %d - Fix Residual", id)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Residual RMS (m)"
	line, err := plotter.NewLine(pts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	p.Add(line, plotter.NewGrid())

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
