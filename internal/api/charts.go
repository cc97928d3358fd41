package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/biostate.report/internal/classifier"
	"github.com/banshee-data/biostate.report/internal/db"
	"github.com/banshee-data/biostate.report/internal/features"
	"github.com/banshee-data/biostate.report/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ten minutes of ticks at the default 500ms interval
const defaultChartTicks = 1200

// timelineChart renders the stored ticks of a session as an HTML page:
// the EEG ratios and other unitless features, heart and blink rates, and
// the persistent and tentative state levels.
func (s *Server) timelineChart(w http.ResponseWriter, r *http.Request) {
	session, tr, ok := s.historyQuery(w, r, defaultChartTicks)
	if !ok {
		return
	}
	ticks, err := s.history.Ticks(session, tr)
	if err != nil {
		s.historyError(w, err)
		return
	}
	if len(ticks) == 0 {
		httputil.NotFound(w, "no ticks recorded for session")
		return
	}

	page := timelinePage(session, ticks)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func timelinePage(session string, ticks []db.TickRecord) *components.Page {
	x := make([]string, len(ticks))
	for i, t := range ticks {
		x[i] = t.At.Local().Format("15:04:05.0")
	}
	subtitle := fmt.Sprintf("session=%s ticks=%d %s .. %s", session, len(ticks),
		ticks[0].At.Local().Format("2006-01-02 15:04:05"), ticks[len(ticks)-1].At.Local().Format("15:04:05"))

	unitless := newTimeline("Features", subtitle, "ratio / score", x)
	for _, m := range []features.Metric{features.AlphaBetaRatio, features.ThetaBetaRatio, features.Movement, features.Expression} {
		unitless.AddSeries(m.String(), metricSeries(ticks, m))
	}

	rates := newTimeline("Rates", "", "per minute", x)
	for _, m := range []features.Metric{features.HeartRate, features.BlinkRate} {
		rates.AddSeries(m.String(), metricSeries(ticks, m))
	}

	var names []string
	for i, st := range classifier.States() {
		names = append(names, fmt.Sprintf("%d=%s", i, st))
	}
	states := newTimeline("State", strings.Join(names, "  "), "level", x)
	states.AddSeries("persistent", stateSeries(ticks, func(t db.TickRecord) classifier.State { return t.Persistent }))
	states.AddSeries("tentative", stateSeries(ticks, func(t db.TickRecord) classifier.State { return t.Tentative }))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.PageTitle = "biostate timeline"
	page.AddCharts(unitless, rates, states)
	return page
}

func newTimeline(title, subtitle, yName string, x []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x)
	return line
}

// metricSeries uses "-" for unavailable values, which echarts draws as a
// gap.
func metricSeries(ticks []db.TickRecord, m features.Metric) []opts.LineData {
	out := make([]opts.LineData, len(ticks))
	for i, t := range ticks {
		if v, ok := t.Features.Get(m).Get(); ok {
			out[i] = opts.LineData{Value: v}
		} else {
			out[i] = opts.LineData{Value: "-"}
		}
	}
	return out
}

func stateSeries(ticks []db.TickRecord, pick func(db.TickRecord) classifier.State) []opts.LineData {
	out := make([]opts.LineData, len(ticks))
	for i, t := range ticks {
		if lvl := pick(t).Level(); lvl >= 0 {
			out[i] = opts.LineData{Value: lvl}
		} else {
			out[i] = opts.LineData{Value: "-"}
		}
	}
	return out
}
