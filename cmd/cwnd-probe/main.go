// cwnd-probe bridges the kernel probe and NATS.
//
// In pub mode it attaches the tcp_probe program and publishes every sample
// to the probe subject, so captures can run on another host with
// `cwnd-capture --source nats`. In sub mode it prints what arrives on the
// subject.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/cli"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/probe"
	"github.com/LordPrinz/dzajtcper/pkg/replay"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		cli.Exit("cwnd-probe", err)
	}
}

func run(args []string) error {
	var common cli.Common
	var mode, replayPath, natsURL, subject string
	var realtime bool
	var bufferSize int
	fs := pflag.NewFlagSet("cwnd-probe", pflag.ContinueOnError)
	common.AddFlags(fs)
	fs.StringVar(&mode, "mode", "sub", "operating mode: 'pub' to capture and publish, 'sub' to subscribe and print")
	fs.StringVar(&replayPath, "replay", "", "in pub mode, publish a recording instead of kernel samples")
	fs.BoolVar(&realtime, "realtime", false, "replay with the recorded pacing")
	fs.StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides probe.nats_url)")
	fs.StringVar(&subject, "subject", "", "NATS subject (overrides probe.subject)")
	fs.IntVar(&bufferSize, "buffer", 10000, "tuples buffered between the probe and NATS")
	if err := cli.Parse(fs, args); err != nil {
		return err
	}

	cfg, err := common.Config()
	if err != nil {
		return err
	}
	logger, err := common.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if natsURL != "" {
		cfg.Probe.NATSURL = natsURL
	}
	if subject != "" {
		cfg.Probe.Subject = subject
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	switch mode {
	case "pub":
		var src model.TupleSource
		if replayPath != "" {
			src, err = replay.Open(replayPath, replay.Options{Realtime: realtime})
		} else {
			src, err = probe.NewKernelSource(cfg.Probe, bufferSize, logger)
		}
		if err != nil {
			return err
		}
		defer src.Close()

		pub, err := probe.NewPublisher(cfg.Probe, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer pub.Close()
		return publish(ctx, src, pub, logger)

	case "sub":
		sub, err := probe.NewSubscriber(cfg.Probe, bufferSize, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer sub.Close()
		return printTuples(ctx, sub, os.Stdout)
	}
	return fmt.Errorf("invalid mode: %s", mode)
}

func publish(ctx context.Context, src model.TupleSource, pub *probe.Publisher, logger *slog.Logger) error {
	warnings := rate.NewLimiter(rate.Every(time.Second), 5)
	var published uint64
	defer func() {
		lost := uint64(0)
		if lr, ok := src.(model.LossReporter); ok {
			lost = lr.Lost()
		}
		logger.Info("probe stopped", "published", published, "lost", lost)
	}()

	for {
		t, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}
		if err := pub.Publish(t); err != nil {
			if warnings.Allow() {
				logger.Warn("failed to publish tuple", "error", err)
			}
			continue
		}
		published++
	}
}

func printTuples(ctx context.Context, src model.TupleSource, w io.Writer) error {
	for {
		t, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "%s pid=%d %s:%d -> %s:%d cwnd=%d\n",
			t.Timestamp.UTC().Format(time.RFC3339Nano), t.PID, t.SAddr, t.SPort, t.DAddr, t.DPort, t.Cwnd)
	}
}
