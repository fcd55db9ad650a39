// Package report assembles aggregation results into a self-contained
// document and renders it as text, JSON or HTML.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/aggregate"
	"github.com/LordPrinz/dzajtcper/internal/alerter"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/detect"
	"github.com/LordPrinz/dzajtcper/internal/filter"
	"github.com/LordPrinz/dzajtcper/internal/loader"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/LordPrinz/dzajtcper/internal/snapshot"
	"github.com/google/uuid"
)

// Chart is a rendering-agnostic chart specification. The HTML renderer
// draws it as inline SVG; external tools may draw it from the JSON form.
type Chart struct {
	Kind        string             `json:"kind"`
	Title       string             `json:"title"`
	XLabel      string             `json:"x_label"`
	YLabel      string             `json:"y_label"`
	BucketWidth time.Duration      `json:"bucket_width_ns"`
	Origin      time.Time          `json:"origin"`
	Series      []aggregate.Series `json:"series"`
}

// SessionRef identifies the analysed session.
type SessionRef struct {
	ID        string        `json:"id"`
	State     session.State `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
}

// Report is one assembled analysis.
type Report struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	GeneratedAt time.Time            `json:"generated_at"`
	Session     SessionRef           `json:"session"`
	Load        loader.Info          `json:"load"`
	Filters     []string             `json:"filters"`
	Summary     aggregate.Summary    `json:"summary"`
	BucketWidth time.Duration        `json:"bucket_width_ns"`
	Buckets     []aggregate.Bucket   `json:"buckets"`
	Groupings   []aggregate.Grouping `json:"groupings,omitempty"`
	Charts      []Chart              `json:"charts"`
	Detections  []detect.Detection   `json:"detections,omitempty"`
	Alerts      []alerter.Alert      `json:"alerts,omitempty"`
}

// FilterText describes the applied filters, "none" when unfiltered.
func (r *Report) FilterText() string {
	if len(r.Filters) == 0 {
		return "none"
	}
	return strings.Join(r.Filters, " AND ")
}

// Options configure an Assembler.
type Options struct {
	Title       string
	BucketWidth time.Duration
	// TopN is the number of connections drawn in the timeline chart.
	TopN      int
	Groupings []config.GroupingDef
	Detector  *detect.Detector
	Alerter   *alerter.Alerter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Assembler builds reports from loaded records.
type Assembler struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewAssembler creates an Assembler, filling unset options with defaults.
func NewAssembler(opts Options) *Assembler {
	if opts.Title == "" {
		opts.Title = "TCP congestion window report"
	}
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = time.Second
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{opts: opts, logger: logger.With("component", "report"), now: time.Now}
}

// Assemble filters records with preds and aggregates what remains. A filter
// that removes every record yields a valid empty report.
func (a *Assembler) Assemble(ctx context.Context, sess *session.Session, info loader.Info, records []model.EventRecord, preds ...filter.Predicate) (*Report, error) {
	return a.AssembleSelected(ctx, sess, info, records, filter.Selection{}, preds...)
}

// AssembleSelected is Assemble with sel applied to the filtered records.
func (a *Assembler) AssembleSelected(ctx context.Context, sess *session.Session, info loader.Info, records []model.EventRecord, sel filter.Selection, preds ...filter.Predicate) (*Report, error) {
	selected := sel.Apply(filter.Apply(records, preds...))

	rep := &Report{
		ID:          uuid.NewString(),
		Title:       a.opts.Title,
		GeneratedAt: a.now().UTC(),
		Session:     SessionRef{ID: sess.ID, State: sess.State, CreatedAt: sess.CreatedAt},
		Load:        info,
		Filters:     make([]string, 0, len(preds)),
		Summary:     aggregate.Summarize(selected),
		BucketWidth: a.opts.BucketWidth,
	}
	for _, p := range preds {
		rep.Filters = append(rep.Filters, p.String())
	}
	rep.Filters = append(rep.Filters, sel.Strings()...)

	var err error
	rep.Buckets, err = aggregate.Bucketize(selected, a.opts.BucketWidth)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, a.opts.TopN)
	for _, c := range rep.Summary.ByConnection {
		if len(keys) == a.opts.TopN {
			break
		}
		keys = append(keys, c.Key)
	}
	series, err := aggregate.SeriesByConnection(selected, keys, a.opts.BucketWidth)
	if err != nil {
		return nil, err
	}
	rep.Charts = []Chart{{
		Kind:        "timeline",
		Title:       "Congestion window over time",
		XLabel:      "time",
		YLabel:      "cwnd (segments)",
		BucketWidth: a.opts.BucketWidth,
		Origin:      rep.Summary.Totals.First,
		Series:      series,
	}}

	for _, g := range a.opts.Groupings {
		grouping, err := aggregate.GroupBy(g.Name, selected, g.KeyFields)
		if err != nil {
			return nil, fmt.Errorf("failed to build grouping '%s': %w", g.Name, err)
		}
		rep.Groupings = append(rep.Groupings, grouping)
	}

	if a.opts.Detector != nil && a.opts.Detector.Len() > 0 {
		rep.Detections, err = a.opts.Detector.Evaluate(ctx, selected)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate detection rules: %w", err)
		}
	}
	if a.opts.Alerter != nil {
		rep.Alerts = a.opts.Alerter.Evaluate(rep.Summary)
	}

	a.logger.Info("report assembled",
		"session", sess.ID, "records", rep.Summary.Totals.Records, "filters", rep.FilterText(),
		"detections", len(rep.Detections), "alerts", len(rep.Alerts))
	return rep, nil
}

// Save renders rep once per format into the session directory. Artifact
// names carry the report's analysis timestamp; existing files are never
// overwritten.
func (a *Assembler) Save(rep *Report, dir string, formats ...Format) ([]*snapshot.Artifact, error) {
	w := snapshot.NewWriter(dir)
	var artifacts []*snapshot.Artifact
	for _, f := range formats {
		art, err := w.Write("report", f.Ext(), rep.GeneratedAt, func(out io.Writer) error {
			return rep.Render(out, f)
		})
		if err != nil {
			return artifacts, err
		}
		a.opts.Metrics.ReportWritten(string(f))
		a.logger.Info("report written", "session", rep.Session.ID, "format", f, "path", art.Path, "bytes", art.Bytes)
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}
