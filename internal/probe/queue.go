// Package probe produces raw cwnd tuples: from the kernel's tcp_probe
// tracepoint, or from a NATS subject fed by a remote probe.
package probe

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// queue hands tuples from a producer goroutine (perf reader, NATS callback)
// to the consumer calling Next. A full queue drops the newest tuple.
type queue struct {
	ch     chan model.RawTuple
	done   chan struct{}
	once   sync.Once
	lost   atomic.Uint64
	closed atomic.Bool
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = 10000
	}
	return &queue{ch: make(chan model.RawTuple, size), done: make(chan struct{})}
}

// enqueue never blocks the producer.
func (q *queue) enqueue(t model.RawTuple) {
	if q.closed.Load() {
		return
	}
	select {
	case q.ch <- t:
	default:
		q.lost.Add(1)
	}
}

func (q *queue) addLost(n uint64) {
	q.lost.Add(n)
}

// next returns the next tuple, io.EOF once the queue is shut down and
// drained, or the context error.
func (q *queue) next(ctx context.Context) (model.RawTuple, error) {
	select {
	case t := <-q.ch:
		return t, nil
	default:
	}
	select {
	case t := <-q.ch:
		return t, nil
	case <-q.done:
		select {
		case t := <-q.ch:
			return t, nil
		default:
			return model.RawTuple{}, io.EOF
		}
	case <-ctx.Done():
		return model.RawTuple{}, ctx.Err()
	}
}

func (q *queue) shutdown() {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
}

// Lost implements model.LossReporter.
func (q *queue) Lost() uint64 {
	return q.lost.Load()
}
