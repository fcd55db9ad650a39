// cwnd-analyze summarises, reports on and exports recorded sessions.
//
// Usage:
//
//	cwnd-analyze --list
//	cwnd-analyze --clean
//	cwnd-analyze [--session ID|latest] [filters] [--top-pids N] [--report txt,json,html] [--export sqlite,clickhouse]
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/alerter"
	"github.com/LordPrinz/dzajtcper/internal/cli"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/detect"
	_ "github.com/LordPrinz/dzajtcper/internal/export"
	"github.com/LordPrinz/dzajtcper/internal/factory"
	"github.com/LordPrinz/dzajtcper/internal/filter"
	"github.com/LordPrinz/dzajtcper/internal/loader"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/notification"
	"github.com/LordPrinz/dzajtcper/internal/report"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		cli.Exit("cwnd-analyze", err)
	}
}

type options struct {
	cli.Common
	session string
	list    bool
	clean   bool
	tail    int
	reports []string
	exports []string
	bucket  string
	top     int
	title   string
	notify  bool
}

func run(args []string) error {
	var opts options
	fs := pflag.NewFlagSet("cwnd-analyze", pflag.ContinueOnError)
	opts.AddFlags(fs)
	fs.StringVarP(&opts.session, "session", "s", session.AliasLatest, "session id or 'latest'")
	fs.BoolVar(&opts.list, "list", false, "list sessions and exit")
	fs.BoolVar(&opts.clean, "clean", false, "remove empty sessions and exit")
	fs.IntVar(&opts.tail, "tail", 0, "analyse only the last N records")
	fs.StringSliceVar(&opts.reports, "report", nil, "write report artifacts into the session: txt, json, html")
	fs.StringSliceVar(&opts.exports, "export", nil, "export the selected records: sqlite, clickhouse")
	fs.StringVar(&opts.bucket, "bucket", "", "timeline bucket width (overrides report.bucket_width)")
	fs.IntVar(&opts.top, "top", 0, "connections drawn in the timeline (overrides report.top_n)")
	fs.StringVar(&opts.title, "title", "", "report title")
	fs.BoolVar(&opts.notify, "notify", false, "email triggered alerts using the smtp settings")
	addFilterFlags(fs)
	if err := cli.Parse(fs, args); err != nil {
		return err
	}

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	logger, err := opts.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := session.NewStore(cfg.Storage.RootPath, logger)
	if err != nil {
		return err
	}

	switch {
	case opts.list:
		return listSessions(os.Stdout, store)
	case opts.clean:
		removed, err := store.Clean()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d empty session(s)\n", removed)
		return nil
	}

	if opts.bucket != "" {
		cfg.Report.BucketWidth = opts.bucket
	}
	if opts.top > 0 {
		cfg.Report.TopN = opts.top
	}
	if opts.title != "" {
		cfg.Report.Title = opts.title
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	query, err := filter.ParseQuery(func(key string) string { return filterFlag(fs, key) })
	if err != nil {
		return err
	}
	preds, err := query.Predicates()
	if err != nil {
		return err
	}
	sel, err := filter.ParseSelection(func(key string) string { return filterFlag(fs, key) })
	if err != nil {
		return err
	}
	formats := make([]report.Format, 0, len(opts.reports))
	for _, r := range opts.reports {
		f, err := report.ParseFormat(r)
		if err != nil {
			return err
		}
		formats = append(formats, f)
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	m := metrics.New()
	sess, err := store.Open(opts.session)
	if err != nil {
		return err
	}
	records, info, err := loader.New(logger, m).LoadWithInfo(sess, opts.tail)
	if err != nil {
		return err
	}

	assembler, alert, err := newAssembler(cfg, opts, m, logger)
	if err != nil {
		return err
	}
	rep, err := assembler.AssembleSelected(ctx, sess, info, records, sel, preds...)
	if err != nil {
		return err
	}

	if len(formats) == 0 {
		if err := rep.Render(os.Stdout, report.FormatText); err != nil {
			return err
		}
	} else {
		artifacts, err := assembler.Save(rep, sess.Dir, formats...)
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			fmt.Println(a.Path)
		}
	}

	if opts.notify && alert != nil {
		if _, err := alert.Notify(sess.ID, rep.Summary); err != nil {
			logger.Error("failed to notify", "session", sess.ID, "error", err)
		}
	}

	return export(ctx, cfg, opts.exports, model.ExportTarget{SessionID: sess.ID, SessionDir: sess.Dir, At: rep.GeneratedAt},
		sel.Apply(filter.Apply(records, preds...)), logger)
}

func newAssembler(cfg *config.Config, opts options, m *metrics.Metrics, logger *slog.Logger) (*report.Assembler, *alerter.Alerter, error) {
	ropts := report.Options{
		Title:       cfg.Report.Title,
		BucketWidth: config.MustDuration(cfg.Report.BucketWidth),
		TopN:        cfg.Report.TopN,
		Groupings:   cfg.Aggregator.Groupings,
		Metrics:     m,
		Logger:      logger,
	}

	if cfg.Detect.Enabled {
		d := detect.NewDetector(logger)
		n, err := d.LoadRules(cfg.Detect.RulesDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("detection rules loaded", "dir", cfg.Detect.RulesDir, "rules", n)
		ropts.Detector = d
	}

	var alert *alerter.Alerter
	if cfg.Alerter.Enabled {
		var notifier model.Notifier
		if opts.notify {
			var err error
			if notifier, err = notification.NewEmailNotifier(cfg.SMTP); err != nil {
				return nil, nil, fmt.Errorf("failed to set up notifications: %w", err)
			}
		}
		var err error
		if alert, err = alerter.NewAlerter(cfg.Alerter, notifier, logger); err != nil {
			return nil, nil, err
		}
		ropts.Alerter = alert
	}
	return report.NewAssembler(ropts), alert, nil
}

// export runs the requested exporters, or the enabled ones when none are
// requested.
func export(ctx context.Context, cfg *config.Config, names []string, target model.ExportTarget, records []model.EventRecord, logger *slog.Logger) error {
	exporters, err := factory.Create(cfg, logger, names...)
	if err != nil {
		return err
	}
	defer func() {
		for _, e := range exporters {
			e.Close()
		}
	}()

	for _, e := range exporters {
		start := time.Now()
		where, err := e.Export(ctx, target, records)
		if err != nil {
			return fmt.Errorf("exporter '%s' failed: %w", e.Name(), err)
		}
		logger.Info("export finished", "exporter", e.Name(), "records", len(records), "target", where, "took", time.Since(start))
		fmt.Println(where)
	}
	return nil
}

func listSessions(w io.Writer, store *session.Store) error {
	sessions, err := store.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tCREATED\tLOG BYTES")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.State, s.CreatedAt.Format(time.RFC3339), s.LogBytes)
	}
	return tw.Flush()
}

// Filter flags use the query keys with dashes, e.g. --cwnd-min.
func addFilterFlags(fs *pflag.FlagSet) {
	help := map[string]string{
		"pid":        "only this process id",
		"saddr":      "source address, exact, or with * at the start or end",
		"daddr":      "destination address, exact, or with * at the start or end",
		"sport":      "only this source port",
		"dport":      "only this destination port",
		"cwnd_min":   "minimum cwnd, inclusive",
		"cwnd_max":   "maximum cwnd, inclusive",
		"start":      "records at or after this RFC 3339 time",
		"end":        "records at or before this RFC 3339 time",
		"connection": "connection key, exact, or with * at the start or end",

		"top_connections": "keep only the N connections with the most samples",
		"top_pids":        "keep only the N processes with the most samples",
		"recent":          "keep only records within this duration of the newest one",
	}
	for _, key := range append(append([]string{}, filter.QueryKeys...), filter.SelectionKeys...) {
		fs.String(strings.ReplaceAll(key, "_", "-"), "", help[key])
	}
}

func filterFlag(fs *pflag.FlagSet, key string) string {
	f := fs.Lookup(strings.ReplaceAll(key, "_", "-"))
	if f == nil || !f.Changed {
		return ""
	}
	return f.Value.String()
}
