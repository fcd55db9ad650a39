package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Format selects a report rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// ParseFormat accepts "text" (or "txt"), "json" and "html".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown report format '%s'", s)
}

// Ext is the file extension used for artifacts of this format.
func (f Format) Ext() string {
	if f == FormatText {
		return "txt"
	}
	return string(f)
}

// ContentType is the HTTP media type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatHTML:
		return "text/html; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// Render writes the report in format f.
func (r *Report) Render(w io.Writer, f Format) error {
	switch f {
	case FormatText:
		return r.renderText(w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatHTML:
		return r.renderHTML(w)
	}
	return fmt.Errorf("unknown report format '%s'", f)
}

const rule = "============================================================"

func (r *Report) renderText(out io.Writer) error {
	w := &errWriter{w: out}
	s := r.Summary

	w.printf("%s\n%s\n%s\n", rule, strings.ToUpper(r.Title), rule)
	w.printf("Session:    %s (%s)\n", r.Session.ID, r.Session.State)
	w.printf("Generated:  %s\n", r.GeneratedAt.Format(time.RFC3339))
	w.printf("Report ID:  %s\n", r.ID)
	w.printf("Filters:    %s\n", r.FilterText())
	if r.Load.Skipped > 0 {
		w.printf("Skipped:    %d invalid log lines\n", r.Load.Skipped)
	}
	w.printf("\n")

	w.printf("GENERAL STATISTICS:\n--------------------\n")
	w.printf("Total Records:      %d\n", s.Totals.Records)
	w.printf("Unique Connections: %d\n", s.Totals.Connections)
	w.printf("Unique PIDs:        %d\n", s.Totals.PIDs)
	if s.Empty() {
		w.printf("\nNo records match the applied filters.\n%s\n", rule)
		return w.err
	}
	w.printf("Time Range:         %s to %s\n", s.Totals.First.Format(time.RFC3339Nano), s.Totals.Last.Format(time.RFC3339Nano))
	w.printf("Duration:           %s\n\n", s.Totals.Span)

	o := s.Overall
	w.printf("CWND ANALYSIS:\n--------------\n")
	w.printf("Mean CWND:          %.2f segments\n", o.Mean)
	w.printf("Median CWND:        %.2f segments\n", o.Median)
	w.printf("Standard Deviation: %.2f\n", o.StdDev)
	w.printf("Range:              %d - %d segments\n", o.Min, o.Max)
	w.printf("Percentiles:        p25 %.2f  p75 %.2f  p90 %.2f  p95 %.2f\n\n", o.P25, o.P75, o.P90, o.P95)

	w.printf("CONNECTIONS:\n------------\n")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTION\tCOUNT\tMEAN\tMEDIAN\tSTDDEV\tMIN\tMAX\tUP\tDOWN")
	for _, c := range s.ByConnection {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%.2f\t%d\t%d\t%d\t%d\n",
			c.Key, c.Stats.Count, c.Stats.Mean, c.Stats.Median, c.Stats.StdDev, c.Stats.Min, c.Stats.Max,
			c.Dynamics.Increases, c.Dynamics.Decreases)
	}
	tw.Flush()
	w.printf("\n")

	w.printf("PROCESSES:\n----------\n")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tCONNECTIONS\tCOUNT\tMEAN\tMEDIAN\tSTDDEV\tMIN\tMAX")
	for _, p := range s.ByPID {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.2f\t%.2f\t%.2f\t%d\t%d\n",
			p.PID, p.Connections, p.Stats.Count, p.Stats.Mean, p.Stats.Median, p.Stats.StdDev, p.Stats.Min, p.Stats.Max)
	}
	tw.Flush()

	for _, g := range r.Groupings {
		w.printf("\nGROUPING %s (%s):\n", g.Name, strings.Join(g.Fields, ", "))
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tCOUNT\tMEAN\tMIN\tMAX")
		for _, grp := range g.Groups {
			fmt.Fprintf(tw, "%s\t%d\t%.2f\t%d\t%d\n", grp.Key, grp.Stats.Count, grp.Stats.Mean, grp.Stats.Min, grp.Stats.Max)
		}
		tw.Flush()
	}

	w.printf("\nTIMELINE (%s buckets):\n", r.BucketWidth)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tCOUNT\tMEAN\tMIN\tMAX")
	for _, b := range r.Buckets {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%d\t%d\n", b.Start.Format(time.RFC3339Nano), b.Count, b.MeanCwnd, b.MinCwnd, b.MaxCwnd)
	}
	tw.Flush()

	if len(r.Detections) > 0 {
		w.printf("\nDETECTIONS:\n-----------\n")
		for _, d := range r.Detections {
			w.printf("[%s] %s (%s): %d matches, e.g. %s\n", d.Level, d.Title, d.RuleID, d.Matches, strings.Join(d.Connections, ", "))
		}
	}
	if len(r.Alerts) > 0 {
		w.printf("\nALERTS:\n-------\n")
		for _, a := range r.Alerts {
			w.printf("%s\n", a)
		}
	}

	w.printf("%s\n", rule)
	return w.err
}

// errWriter remembers the first write error so rendering code can stay linear.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

func (e *errWriter) printf(format string, args ...interface{}) {
	fmt.Fprintf(e, format, args...)
}
