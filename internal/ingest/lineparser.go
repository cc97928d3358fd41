package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/monitoring"
)

// ErrMalformedLine is returned for serial lines that do not follow the
// "<kind>,<unix_seconds>,<values...>" format.
var ErrMalformedLine = errors.New("malformed sensor line")

// LineParser decodes the comma separated sensor protocol spoken by the
// serial bridge:
//
//	eeg,<unix_s>,v1,v2,v3,v4
//	ppg,<unix_s>,v
//	acc,<unix_s>,x,y,z
//	expr,<unix_s>,label,score
//
// A timestamp of 0 means "use the arrival time".
type LineParser struct {
	sink       Sink
	expression ExpressionSink
	logf       func(string, ...interface{})

	// lines and errors are only touched from the goroutine calling
	// HandleLine or Consume.
	lines  uint64
	errors uint64
}

// NewLineParser creates a parser pushing into sink. expression may be nil.
func NewLineParser(sink Sink, expression ExpressionSink) *LineParser {
	return &LineParser{
		sink:       sink,
		expression: expression,
		logf:       monitoring.Component("serial"),
	}
}

// HandleLine parses and dispatches one line received at arrival. Blank
// lines and lines starting with '#' are ignored.
func (p *LineParser) HandleLine(line string, arrival time.Time) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	p.lines++

	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return fmt.Errorf("%w: %q has %d fields", ErrMalformedLine, line, len(fields))
	}
	kind := strings.ToLower(strings.TrimSpace(fields[0]))
	ts, err := parseTimestamp(fields[1], arrival)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedLine, line, err)
	}
	args := fields[2:]

	switch kind {
	case "expr", "expression":
		if len(args) != 2 {
			return fmt.Errorf("%w: %q: want label,score", ErrMalformedLine, line)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(args[1]), 64)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrMalformedLine, line, err)
		}
		if p.expression != nil {
			p.expression.Update(strings.TrimSpace(args[0]), score, ts)
		}
		return nil
	case "eeg", "ppg", "acc":
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedLine, kind)
	}

	vals := make([]float64, len(args))
	for i, a := range args {
		// "nan" parses; the buffer rejects it and counts the drop.
		if vals[i], err = strconv.ParseFloat(strings.TrimSpace(a), 64); err != nil {
			return fmt.Errorf("%w: %q: value %d: %v", ErrMalformedLine, line, i, err)
		}
	}
	err = p.sink.Push(buffer.Channel(kind), ts, vals...)
	if errors.Is(err, buffer.ErrInvalidSample) {
		return nil
	}
	return err
}

// Consume reads lines from a serial mux subscription until the channel is
// closed or ctx is done. Parse errors are logged at most once per
// logEvery failures and never stop the loop.
func (p *LineParser) Consume(ctx context.Context, lines <-chan string, now func() time.Time) error {
	const logEvery = 100
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := p.HandleLine(line, now()); err != nil {
				p.errors++
				if p.errors%logEvery == 1 {
					p.logf("dropping line (%d errors so far): %v", p.errors, err)
				}
			}
		}
	}
}

// Counts returns the number of non-blank lines seen and how many failed.
// It must be called from the goroutine driving the parser or after
// Consume has returned.
func (p *LineParser) Counts() (lines, failed uint64) {
	return p.lines, p.errors
}

func parseTimestamp(field string, arrival time.Time) (time.Time, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return time.Time{}, err
	}
	if secs == 0 {
		return arrival, nil
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("bad timestamp %v", secs)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), nil
}

// FormatLine renders one sample in the serial line protocol.
func FormatLine(ch buffer.Channel, ts time.Time, values ...float64) string {
	var b strings.Builder
	b.WriteString(string(ch))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(float64(ts.UnixNano())/1e9, 'f', 6, 64))
	for _, v := range values {
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

// LineWriter encodes pushed samples as protocol lines. It satisfies Sink
// and ExpressionSink, so a synthetic feeder can stand in for the serial
// bridge. W may be swapped between calls from the same goroutine.
type LineWriter struct {
	W io.Writer
}

func (lw *LineWriter) Push(ch buffer.Channel, ts time.Time, values ...float64) error {
	_, err := io.WriteString(lw.W, FormatLine(ch, ts, values...)+"\n")
	return err
}

func (lw *LineWriter) Update(label string, score float64, at time.Time) {
	fmt.Fprintf(lw.W, "expr,%s,%s,%s\n",
		strconv.FormatFloat(float64(at.UnixNano())/1e9, 'f', 6, 64),
		label, strconv.FormatFloat(score, 'g', -1, 64))
}
