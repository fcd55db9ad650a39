//go:build linux

package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/time/rate"
)

const (
	programName = "trace_tcp_probe"
	eventsMap   = "events"
)

// KernelSource attaches the compiled tcp_probe program and yields one tuple
// per perf sample. Samples the kernel could not deliver are counted by Lost.
type KernelSource struct {
	*queue
	coll     *ebpf.Collection
	tp       link.Link
	reader   *perf.Reader
	logger   *slog.Logger
	warnings *rate.Limiter
}

// NewKernelSource loads cfg.BPFObject and starts reading samples.
func NewKernelSource(cfg config.ProbeConfig, bufferSize int, logger *slog.Logger) (*KernelSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kernel-source")

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.BPFObject)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF object '%s': %w", cfg.BPFObject, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create BPF collection: %w", err)
	}

	prog, ok := coll.Programs[programName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("BPF object has no program '%s'", programName)
	}
	events, ok := coll.Maps[eventsMap]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("BPF object has no map '%s'", eventsMap)
	}

	pages := cfg.PerfBufferPages
	if pages <= 0 {
		pages = 8
	}
	reader, err := perf.NewReader(events, os.Getpagesize()*pages)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to create perf reader: %w", err)
	}

	tp, err := link.Tracepoint("tcp", "tcp_probe", prog, nil)
	if err != nil {
		reader.Close()
		coll.Close()
		return nil, fmt.Errorf("failed to attach tcp:tcp_probe tracepoint: %w", err)
	}

	s := &KernelSource{
		queue:    newQueue(bufferSize),
		coll:     coll,
		tp:       tp,
		reader:   reader,
		logger:   logger,
		warnings: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	go s.read()
	logger.Info("attached to tcp:tcp_probe", "object", cfg.BPFObject, "perf_pages", pages)
	return s, nil
}

func (s *KernelSource) read() {
	defer s.shutdown()
	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			if s.warnings.Allow() {
				s.logger.Warn("perf read failed", "error", err)
			}
			continue
		}
		if record.LostSamples > 0 {
			s.addLost(record.LostSamples)
			continue
		}
		t, err := DecodeSample(record.RawSample, time.Now())
		if err != nil {
			s.addLost(1)
			continue
		}
		s.enqueue(t)
	}
}

// Next implements model.TupleSource.
func (s *KernelSource) Next(ctx context.Context) (model.RawTuple, error) {
	return s.next(ctx)
}

// Close detaches the program and releases the kernel objects.
func (s *KernelSource) Close() error {
	err := s.tp.Close()
	if cerr := s.reader.Close(); err == nil {
		err = cerr
	}
	s.coll.Close()
	s.shutdown()
	return err
}
