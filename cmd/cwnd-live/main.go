// cwnd-live follows a session log while it is being written, printing each
// new record and periodic rolling statistics.
//
// Usage:
//
//	cwnd-live [--session latest] [--interval 1s] [--duration 5m] [--quiet]
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/cli"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/filter"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/LordPrinz/dzajtcper/internal/tail"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		cli.Exit("cwnd-live", err)
	}
}

type options struct {
	cli.Common
	session    string
	interval   string
	duration   string
	statsEvery string
	window     int
	quiet      bool
	jsonOut    bool
	connection string
}

func run(args []string) error {
	var opts options
	fs := pflag.NewFlagSet("cwnd-live", pflag.ContinueOnError)
	opts.AddFlags(fs)
	fs.StringVarP(&opts.session, "session", "s", session.AliasLatest, "session id or 'latest'")
	fs.StringVar(&opts.interval, "interval", "", "poll interval (overrides live.poll_interval)")
	fs.StringVarP(&opts.duration, "duration", "d", "", "stop after this long (overrides live.duration)")
	fs.StringVar(&opts.statsEvery, "stats-every", "5s", "print rolling statistics this often; 0 disables")
	fs.IntVar(&opts.window, "window", 0, "records kept for rolling statistics (overrides live.max_records)")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "print statistics only")
	fs.BoolVar(&opts.jsonOut, "json", false, "print records and statistics as JSON lines")
	fs.StringVar(&opts.connection, "connection", "", "only records of matching connections")
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

	if opts.interval != "" {
		cfg.Live.PollInterval = opts.interval
	}
	if opts.duration != "" {
		cfg.Live.Duration = opts.duration
	}
	if opts.window > 0 {
		cfg.Live.MaxRecords = opts.window
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	statsEvery, err := config.ParseDuration(opts.statsEvery)
	if err != nil {
		return fmt.Errorf("invalid --stats-every: %w", err)
	}
	var preds []filter.Predicate
	if opts.connection != "" {
		p, err := filter.ByConnection(opts.connection)
		if err != nil {
			return err
		}
		preds = append(preds, p)
	}

	store, err := session.NewStore(cfg.Storage.RootPath, logger)
	if err != nil {
		return err
	}
	sess, err := store.Open(opts.session)
	if err != nil {
		return err
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	out := &printer{w: os.Stdout, json: opts.jsonOut}
	window := tail.NewWindow(cfg.Live.MaxRecords)
	mon := tail.NewMonitor(sess, tail.Options{
		PollInterval: config.MustDuration(cfg.Live.PollInterval),
		Logger:       logger,
		Metrics:      metrics.New(),
	})

	fmt.Fprintf(os.Stderr, "following %s (%s), press Ctrl+C to stop\n", sess.ID, sess.State)
	err = mon.Start(ctx, config.MustDuration(cfg.Live.Duration), func(batch []model.EventRecord) {
		batch = filter.Apply(batch, preds...)
		window.Add(batch)
		if !opts.quiet {
			for _, r := range batch {
				out.record(r)
			}
		}
	})
	if err != nil {
		return err
	}

	if statsEvery > 0 {
		ticker := time.NewTicker(statsEvery)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ticker.C:
				out.stats(window.Stats())
			case <-mon.Done():
				break loop
			}
		}
	}

	state := mon.Wait()
	out.stats(window.Stats())
	fmt.Fprintf(os.Stderr, "live tail %s after %d records\n", state, window.Total())
	return nil
}

// printer serialises output from the monitor goroutine and the stats ticker.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *printer) record(r model.EventRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		json.NewEncoder(p.w).Encode(map[string]interface{}{"record": r})
		return
	}
	fmt.Fprintf(p.w, "%s pid=%d %s cwnd=%d\n", r.Timestamp.Format(model.TimestampLayout), r.PID, r.ConnectionKey, r.Cwnd)
}

func (p *printer) stats(s tail.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		json.NewEncoder(p.w).Encode(map[string]interface{}{"stats": s})
		return
	}
	if s.Windowed == 0 {
		fmt.Fprintf(p.w, "-- %d records, none in window\n", s.Total)
		return
	}
	fmt.Fprintf(p.w, "-- %d records (%d in window) | %d connections | %d pids | cwnd avg %.2f min %d max %d\n",
		s.Total, s.Windowed, s.Connections, s.PIDs, s.MeanCwnd, s.MinCwnd, s.MaxCwnd)
}
