package mixgraph

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	defaultWorkers = 4
	taskBacklog    = 128
)

var ErrWorkersBusy = errors.New("worker queue is full")

type task func(ctx context.Context) error

// workerPool runs the loop's blocking work (helper spawns and terminations,
// state file writes) off the loop goroutine. Submitting never blocks.
type workerPool struct {
	logger *zap.SugaredLogger

	tasks chan task
	pool  *pool.ContextPool

	lock      sync.Mutex
	closed    bool
	drained   chan struct{}
	waitError error
}

func newWorkerPool(ctx context.Context, logger *zap.SugaredLogger, size int) *workerPool {
	logger = logger.Named("workers")

	if size <= 0 {
		size = defaultWorkers
	}

	w := &workerPool{
		logger:  logger,
		tasks:   make(chan task, taskBacklog),
		pool:    pool.New().WithMaxGoroutines(size).WithContext(ctx),
		drained: make(chan struct{}),
	}

	go w.dispatch()

	logger.Debugw("Created worker pool instance", "size", size)

	return w
}

func (w *workerPool) dispatch() {
	defer close(w.drained)

	for t := range w.tasks {
		t := t
		w.pool.Go(func(ctx context.Context) error {
			return t(ctx)
		})
	}

	w.waitError = w.pool.Wait()
}

// Go queues t. It fails instead of blocking when the queue is full or the
// pool is closed.
func (w *workerPool) Go(t task) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return ErrLoopStopped
	}

	select {
	case w.tasks <- t:
		return nil
	default:
		w.logger.Warn("Worker queue is full, dropping task")
		return ErrWorkersBusy
	}
}

// Close stops accepting tasks and waits for the queued ones. It returns
// whatever the tasks returned, combined.
func (w *workerPool) Close() error {
	w.lock.Lock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
	w.lock.Unlock()

	<-w.drained
	return w.waitError
}
