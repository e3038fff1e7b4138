package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("capability pool closed")

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Pool runs blocking hardware work on a fixed set of workers. The caller of
// Do waits for the result, so a guest blocked on hardware holds one worker
// and nothing else.
type Pool struct {
	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewPool starts workers goroutines. Non-positive counts use DefaultWorkers.
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Pool{
		jobs:   make(chan job),
		done:   make(chan struct{}),
		logger: logger.Named("pool"),
	}
	for i := range workers {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.worker(workerID)
		}(i)
	}
	return p
}

func (p *Pool) worker(workerID int) {
	p.logger.Debug("Worker started", zap.Int("worker", workerID))
	defer p.logger.Debug("Worker stopped", zap.Int("worker", workerID))

	for {
		select {
		case j := <-p.jobs:
			j.result <- p.run(j)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Capability job panicked", zap.Any("panic", r))
			err = fmt.Errorf("capability job panicked: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(j.ctx)
}

// Do runs fn on a worker and waits for it. It returns early with ctx's error
// if ctx is done first; fn still receives ctx and is expected to stop.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after in-flight jobs finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
