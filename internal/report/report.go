// Package report renders a stored session as PNG plots: one per feature
// with the baseline band drawn behind it, and a state timeline.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"sort"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/classifier"
	"github.com/banshee-data/biostate.report/internal/db"
	"github.com/banshee-data/biostate.report/internal/features"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/security"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrNoTicks means the session has nothing recorded in the requested range.
var ErrNoTicks = errors.New("no ticks recorded")

// Options controls a report run.
type Options struct {
	OutputDir string
	Width     vg.Length // default: 14in
	Height    vg.Length // default: 5in
	// K returns the band half-width in standard deviations for a
	// metric, normally the classifier's threshold multiplier. nil means
	// 1.5 for every metric.
	K func(features.Metric) float64
	// Location formats the time axis (default: time.Local).
	Location *time.Location
}

// Result lists what Generate wrote.
type Result struct {
	SessionID   string
	Ticks       int
	Transitions int
	Start, End  time.Time
	Files       []string
	// TimeInState sums tick intervals by persistent state.
	TimeInState map[classifier.State]time.Duration
}

// Generate reads a session from src and writes its plots into
// opts.OutputDir, creating it if needed. A missing baseline only drops
// the bands.
func Generate(src Source, sessionID string, tr db.TimeRange, opts Options) (*Result, error) {
	logf := monitoring.Component("report")
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("no output directory configured")
	}
	if opts.Width == 0 {
		opts.Width = 14 * vg.Inch
	}
	if opts.Height == 0 {
		opts.Height = 5 * vg.Inch
	}
	if opts.K == nil {
		opts.K = func(features.Metric) float64 { return 1.5 }
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	ticks, err := src.Ticks(sessionID, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to read ticks: %w", err)
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNoTicks, sessionID)
	}
	transitions, err := src.Transitions(sessionID, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to read transitions: %w", err)
	}
	var profile *baseline.Profile
	if rec, err := src.LatestBaseline(sessionID); err == nil {
		p := rec.Profile()
		profile = &p
	} else if errors.Is(err, db.ErrNotFound) {
		logf("session %s has no baseline, plotting without bands", sessionID)
	} else {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}

	res := &Result{
		SessionID:   sessionID,
		Ticks:       len(ticks),
		Transitions: len(transitions),
		Start:       ticks[0].At,
		End:         ticks[len(ticks)-1].At,
		TimeInState: TimeInState(ticks),
	}
	colors := generateColors(int(features.NumMetrics))

	for i, m := range features.AllMetrics() {
		p, ok, err := metricPlot(ticks, m, profile, opts, colors[i])
		if err != nil {
			return res, fmt.Errorf("%s: %w", m, err)
		}
		if !ok {
			continue
		}
		path, err := save(p, opts, sessionID+"_"+m.String()+".png")
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, path)
	}

	p, err := statePlot(ticks, transitions, opts)
	if err != nil {
		return res, fmt.Errorf("state timeline: %w", err)
	}
	path, err := save(p, opts, sessionID+"_state.png")
	if err != nil {
		return res, err
	}
	res.Files = append(res.Files, path)

	logf("session %s: %d ticks, %d transitions, %d plots in %s",
		sessionID, res.Ticks, res.Transitions, len(res.Files), opts.OutputDir)
	return res, nil
}

func save(p *plot.Plot, opts Options, name string) (string, error) {
	path, err := security.OutputPath(opts.OutputDir, name)
	if err != nil {
		return "", err
	}
	if err := p.Save(opts.Width, opts.Height, path); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return path, nil
}

func newTimePlot(title, yLabel string, loc *time.Location) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time"
	p.Y.Label.Text = yLabel
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05", Time: plot.UnixTimeIn(loc)}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// metricPlot draws one metric; ok is false when the metric never had a
// value in ticks.
func metricPlot(ticks []db.TickRecord, m features.Metric, profile *baseline.Profile, opts Options, c color.Color) (*plot.Plot, bool, error) {
	segs := segments(ticks, m)
	if len(segs) == 0 {
		return nil, false, nil
	}
	p := newTimePlot(m.String(), metricUnit(m), opts.Location)
	x0, x1 := unixSeconds(ticks[0].At), unixSeconds(ticks[len(ticks)-1].At)

	if profile != nil {
		if st := profile.Get(m); st.Valid {
			k := opts.K(m)
			lo, hi := st.Median-k*st.StdDev, st.Median+k*st.StdDev
			band, err := plotter.NewPolygon(plotter.XYs{{X: x0, Y: lo}, {X: x1, Y: lo}, {X: x1, Y: hi}, {X: x0, Y: hi}})
			if err != nil {
				return nil, false, err
			}
			band.Color = color.RGBA{R: 200, G: 200, B: 200, A: 110}
			band.LineStyle.Width = 0
			median, err := plotter.NewLine(plotter.XYs{{X: x0, Y: st.Median}, {X: x1, Y: st.Median}})
			if err != nil {
				return nil, false, err
			}
			median.Color = color.Gray{Y: 90}
			median.Width = vg.Points(1)
			median.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
			p.Add(band, median)
			p.Legend.Add(fmt.Sprintf("baseline ±%.1fσ", k), band)
		}
	}

	for i, seg := range segs {
		line, err := plotter.NewLine(seg)
		if err != nil {
			return nil, false, err
		}
		line.Color = c
		line.Width = vg.Points(1)
		p.Add(line)
		if i == 0 {
			p.Legend.Add(m.String(), line)
		}
	}
	return p, true, nil
}

// segments splits a metric's trace at unavailable ticks so gaps are not
// bridged.
func segments(ticks []db.TickRecord, m features.Metric) []plotter.XYs {
	var out []plotter.XYs
	var cur plotter.XYs
	for _, t := range ticks {
		v, ok := t.Features.Get(m).Get()
		if !ok {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, plotter.XY{X: unixSeconds(t.At), Y: v})
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func metricUnit(m features.Metric) string {
	switch m {
	case features.HeartRate:
		return "bpm"
	case features.BlinkRate:
		return "blinks/min"
	case features.Expression:
		return "score"
	case features.Movement:
		return "g (std)"
	default:
		return "ratio"
	}
}

// statePlot draws the persistent state as a step trace with the tentative
// state as dots and transitions as markers.
func statePlot(ticks []db.TickRecord, transitions []db.TransitionRecord, opts Options) (*plot.Plot, error) {
	p := newTimePlot("State", "", opts.Location)
	states := classifier.States()
	var marks []plot.Tick
	for i, st := range states {
		marks = append(marks, plot.Tick{Value: float64(i), Label: string(st)})
	}
	p.Y.Tick.Marker = plot.ConstantTicks(marks)
	p.Y.Min = -0.5
	p.Y.Max = float64(len(states)) - 0.5

	var persistent, tentative plotter.XYs
	for _, t := range ticks {
		x := unixSeconds(t.At)
		if lvl := t.Persistent.Level(); lvl >= 0 {
			persistent = append(persistent, plotter.XY{X: x, Y: float64(lvl)})
		}
		if lvl := t.Tentative.Level(); lvl >= 0 {
			tentative = append(tentative, plotter.XY{X: x, Y: float64(lvl)})
		}
	}

	if len(tentative) > 0 {
		sc, err := plotter.NewScatter(tentative)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = color.RGBA{R: 120, G: 160, B: 220, A: 255}
		sc.GlyphStyle.Radius = vg.Points(1.2)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(sc)
		p.Legend.Add("tentative", sc)
	}
	if len(persistent) > 0 {
		line, err := plotter.NewLine(persistent)
		if err != nil {
			return nil, err
		}
		line.StepStyle = plotter.PreStep
		line.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("persistent", line)
	}

	var changes plotter.XYs
	for _, tr := range transitions {
		if lvl := tr.To.Level(); lvl >= 0 {
			changes = append(changes, plotter.XY{X: unixSeconds(tr.At), Y: float64(lvl)})
		}
	}
	if len(changes) > 0 {
		sc, err := plotter.NewScatter(changes)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = color.Black
		sc.GlyphStyle.Radius = vg.Points(3)
		sc.GlyphStyle.Shape = draw.RingGlyph{}
		p.Add(sc)
		p.Legend.Add("transition", sc)
	}
	return p, nil
}

// TimeInState credits each tick interval to the persistent state at its
// start. The last tick has no interval.
func TimeInState(ticks []db.TickRecord) map[classifier.State]time.Duration {
	out := make(map[classifier.State]time.Duration)
	for i := 0; i+1 < len(ticks); i++ {
		if d := ticks[i+1].At.Sub(ticks[i].At); d > 0 {
			out[ticks[i].Persistent] += d
		}
	}
	return out
}

// SortedStates returns the keys of a TimeInState result in States order.
func SortedStates(m map[classifier.State]time.Duration) []classifier.State {
	out := make([]classifier.State, 0, len(m))
	for st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].Level(), out[j].Level()
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}
