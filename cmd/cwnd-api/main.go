// cwnd-api serves sessions, summaries, reports and live tails over HTTP and
// gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/alerter"
	"github.com/LordPrinz/dzajtcper/internal/api"
	"github.com/LordPrinz/dzajtcper/internal/cli"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/detect"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/report"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		cli.Exit("cwnd-api", err)
	}
}

func run(args []string) error {
	var common cli.Common
	var httpAddr, grpcAddr string
	fs := pflag.NewFlagSet("cwnd-api", pflag.ContinueOnError)
	common.AddFlags(fs)
	fs.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides api.http_listen_addr)")
	fs.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (overrides api.grpc_listen_addr)")
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
	if httpAddr != "" {
		cfg.API.HTTPListenAddr = httpAddr
	}
	if grpcAddr != "" {
		cfg.API.GRPCListenAddr = grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := session.NewStore(cfg.Storage.RootPath, logger)
	if err != nil {
		return err
	}
	m := metrics.New()
	assembler, err := newAssembler(cfg, m, logger)
	if err != nil {
		return err
	}
	server := api.NewServer(api.Options{
		Store:        store,
		Assembler:    assembler,
		Metrics:      m,
		Logger:       logger,
		BucketWidth:  config.MustDuration(cfg.Report.BucketWidth),
		PollInterval: config.MustDuration(cfg.Live.PollInterval),
	})

	ctx, stop := cli.SignalContext()
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	grpcServer := grpc.NewServer()
	health := server.RegisterGRPC(grpcServer)
	lis, err := net.Listen("tcp", cfg.API.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.API.GRPCListenAddr, err)
	}
	g.Go(func() error {
		logger.Info("gRPC API server starting", "addr", cfg.API.GRPCListenAddr)
		return grpcServer.Serve(lis)
	})

	httpServer := &http.Server{
		Addr:              cfg.API.HTTPListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("HTTP API server starting", "addr", cfg.API.HTTPListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("servers shutting down")
		health.SetServingStatus(api.AnalysisServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("all servers exited")
	return err
}

func newAssembler(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*report.Assembler, error) {
	opts := report.Options{
		Title:       cfg.Report.Title,
		BucketWidth: config.MustDuration(cfg.Report.BucketWidth),
		TopN:        cfg.Report.TopN,
		Groupings:   cfg.Aggregator.Groupings,
		Metrics:     m,
		Logger:      logger,
	}
	if cfg.Detect.Enabled {
		d := detect.NewDetector(logger)
		if _, err := d.LoadRules(cfg.Detect.RulesDir); err != nil {
			return nil, err
		}
		opts.Detector = d
	}
	if cfg.Alerter.Enabled {
		a, err := alerter.NewAlerter(cfg.Alerter, nil, logger)
		if err != nil {
			return nil, err
		}
		opts.Alerter = a
	}
	return report.NewAssembler(opts), nil
}
