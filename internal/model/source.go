package model

import "context"

// TupleSource yields raw samples from a probe.
// This is the interface for the "ingest layer".
type TupleSource interface {
	// Next blocks until a tuple is available. It returns io.EOF once the
	// source is exhausted and ctx.Err() when ctx is done.
	Next(ctx context.Context) (RawTuple, error)

	// Close releases the source's resources.
	Close() error
}

// LossReporter is implemented by sources that can drop samples before they
// reach the reader, such as a kernel perf buffer.
type LossReporter interface {
	Lost() uint64
}
