// cwnd-capture records TCP congestion window samples into a new session.
//
// Usage:
//
//	cwnd-capture [--source ebpf|nats|replay] [--replay FILE] [--duration 30s]
//	cwnd-capture --resume SESSION_ID [...]
//
// --resume appends to an existing session instead of creating one. It fails
// while another capture still owns that session.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/capture"
	"github.com/LordPrinz/dzajtcper/internal/cli"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/probe"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/LordPrinz/dzajtcper/internal/snapshot"
	"github.com/LordPrinz/dzajtcper/pkg/replay"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		cli.Exit("cwnd-capture", err)
	}
}

type options struct {
	cli.Common
	source      string
	replayPath  string
	realtime    bool
	speed       float64
	duration    string
	noFsync     bool
	republish   bool
	bufferSize  int
	metricsAddr string
	resume      string
}

func run(args []string) error {
	var opts options
	fs := pflag.NewFlagSet("cwnd-capture", pflag.ContinueOnError)
	opts.AddFlags(fs)
	fs.StringVar(&opts.source, "source", "", "tuple source: ebpf, nats or replay (overrides capture.source)")
	fs.StringVar(&opts.replayPath, "replay", "", "recording to replay; implies --source replay")
	fs.BoolVar(&opts.realtime, "realtime", false, "replay with the recorded pacing")
	fs.Float64Var(&opts.speed, "speed", 1, "pacing speed-up for --realtime")
	fs.StringVarP(&opts.duration, "duration", "d", "", "stop after this long, e.g. 30s (overrides capture.duration)")
	fs.BoolVar(&opts.noFsync, "no-fsync", false, "do not fsync after every record")
	fs.BoolVar(&opts.republish, "republish", false, "mirror accepted records to the NATS subject")
	fs.IntVar(&opts.bufferSize, "buffer", 10000, "tuples buffered between the probe and the writer")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while capturing")
	fs.StringVar(&opts.resume, "resume", "", "append to this existing session instead of creating a new one")
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

	if opts.replayPath != "" {
		cfg.Capture.Source, cfg.Capture.ReplayPath = "replay", opts.replayPath
	} else if opts.source != "" {
		cfg.Capture.Source = opts.source
	}
	if opts.duration != "" {
		cfg.Capture.Duration = opts.duration
	}
	if opts.noFsync {
		cfg.Capture.Fsync = false
	}
	if opts.republish {
		cfg.Capture.Republish = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	store, err := session.NewStore(cfg.Storage.RootPath, logger)
	if err != nil {
		return err
	}
	m := metrics.New()

	src, err := openSource(cfg, opts, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	var mirror capture.Mirror
	if cfg.Capture.Republish {
		pub, err := probe.NewPublisher(cfg.Probe, logger)
		if err != nil {
			return fmt.Errorf("failed to start republishing: %w", err)
		}
		defer pub.Close()
		mirror = pub
	}

	sess, lease, err := acquire(store, opts.resume)
	if err != nil {
		return err
	}
	logger.Info("capturing", "session", sess.ID, "dir", sess.Dir, "source", cfg.Capture.Source, "resumed", opts.resume != "")

	adapter := capture.NewAdapter(capture.Options{
		Fsync:            cfg.Capture.Fsync,
		Duration:         config.MustDuration(cfg.Capture.Duration),
		ProgressInterval: config.MustDuration(cfg.Capture.ProgressInterval),
		Mirror:           mirror,
		Metrics:          m,
		Logger:           logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	captureDone := make(chan struct{})
	var res *capture.Result
	g.Go(func() error {
		defer close(captureDone)
		var err error
		res, err = adapter.Run(gctx, sess, lease, src)
		return err
	})
	if opts.metricsAddr != "" {
		g.Go(func() error { return serveMetrics(opts.metricsAddr, m, captureDone, logger) })
	}
	runErr := g.Wait()

	if res != nil {
		m.SamplesLost(res.Lost)
		if rp, ok := src.(*replay.Reader); ok && rp.Skipped() > 0 {
			logger.Warn("replay lines could not be parsed", "skipped", rp.Skipped())
		}
		if res.State == session.StateCompleted {
			if a, err := snapshot.NewWriter(sess.Dir).WriteJSON("capture", time.Now(), res); err != nil {
				logger.Warn("failed to save capture result", "session", sess.ID, "error", err)
			} else {
				logger.Debug("capture result saved", "path", a.Path)
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return runErr
}

// acquire creates a new session, or claims the one named by resume.
func acquire(store *session.Store, resume string) (*session.Session, *session.Lease, error) {
	if resume == "" {
		return store.Create()
	}
	sess, err := store.Open(resume)
	if err != nil {
		return nil, nil, err
	}
	lease, err := store.Claim(sess)
	if err != nil {
		return nil, nil, err
	}
	return sess, lease, nil
}

func openSource(cfg *config.Config, opts options, logger *slog.Logger) (model.TupleSource, error) {
	switch cfg.Capture.Source {
	case "ebpf":
		return probe.NewKernelSource(cfg.Probe, opts.bufferSize, logger)
	case "nats":
		return probe.NewSubscriber(cfg.Probe, opts.bufferSize, logger)
	case "replay":
		if cfg.Capture.ReplayPath == "" {
			return nil, errors.New("replay source needs --replay or capture.replay_path")
		}
		return replay.Open(cfg.Capture.ReplayPath, replay.Options{Realtime: opts.realtime, Speed: opts.speed})
	}
	return nil, fmt.Errorf("unknown source '%s'", cfg.Capture.Source)
}

// serveMetrics runs until the capture finishes.
func serveMetrics(addr string, m *metrics.Metrics, done <-chan struct{}, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-done:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
