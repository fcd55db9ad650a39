//go:build !linux

package probe

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
)

// KernelSource is only available on Linux.
type KernelSource struct{ *queue }

// NewKernelSource always fails outside Linux.
func NewKernelSource(cfg config.ProbeConfig, bufferSize int, logger *slog.Logger) (*KernelSource, error) {
	return nil, errors.New("the kernel tuple source requires Linux with eBPF support")
}

// Next implements model.TupleSource.
func (s *KernelSource) Next(ctx context.Context) (model.RawTuple, error) {
	return s.next(ctx)
}

// Close implements model.TupleSource.
func (s *KernelSource) Close() error { return nil }
