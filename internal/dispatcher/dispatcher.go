// Package dispatcher fans queued work out to a fixed pool of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/queue/memory"
)

// Queue is the work source consumed by the pool.
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context) (T, error)
}

// Handler processes one item. Errors are the handler's to log.
type Handler[T any] func(ctx context.Context, item T)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher[T any] struct {
	queue   Queue[T]
	workers int
	handle  Handler[T]
	logger  *zap.Logger
}

// New creates a Dispatcher running workers copies of handle. At least one
// worker always runs.
func New[T any](queue Queue[T], workers int, handle Handler[T], logger *zap.Logger) *Dispatcher[T] {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{
		queue:   queue,
		workers: workers,
		handle:  handle,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes or the queue
// is closed and drained.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher[T]) loop(ctx context.Context) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		d.handle(ctx, item)
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher[T]) Enqueue(ctx context.Context, item T) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
