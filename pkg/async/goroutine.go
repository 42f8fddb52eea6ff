package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolShutDown is returned by Submit once the pool stopped accepting work.
var ErrPoolShutDown = errors.New("worker pool shut down")

// ErrNotRun marks batch items that never started because the batch context
// ended first.
var ErrNotRun = errors.New("task not run")

func orStandard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}

// SafeGo executes fn in a goroutine with its own timeout, recovering panics
// and logging errors instead of crashing the process.
//
// Example:
//
//	SafeGo(ctx, logger, 5*time.Second, "notify approvers", func(ctx context.Context) error {
//	    return notifier.Notify(ctx, msg)
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger = orStandard(logger).WithField("task", taskName)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("stack", string(debug.Stack())).Errorf("panic: %v", r)
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers, each task
// under its own timeout.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	logger       logrus.FieldLogger
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewWorkerPool starts a pool of workers.
//
//	pool := NewWorkerPool(ctx, logger, 4, "reminders", 10*time.Second)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, logger logrus.FieldLogger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   orStandard(logger).WithField("task", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task. It blocks while the queue is full and fails once the
// pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	select {
	case <-p.doneCh:
		return ErrPoolShutDown
	default:
	}

	// close(workCh) may race with the send below
	defer func() {
		if r := recover(); r != nil {
			err = ErrPoolShutDown
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return ErrPoolShutDown
	}
}

func (p *WorkerPool) closeWork() {
	p.closeOnce.Do(func() { close(p.workCh) })
}

// Wait stops accepting work and blocks until queued tasks are drained.
func (p *WorkerPool) Wait() {
	p.closeWork()
	<-p.doneCh
	p.cancel()
}

// Shutdown stops accepting work and waits up to timeout for workers to finish
// their current tasks before cancelling them.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		p.closeWork()
		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})
	return shutdownErr
}

// Errors returns a channel that receives task errors. Errors are dropped
// (and logged) when nobody drains it.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		p.logger.WithError(err).Warn("error channel full, dropping error")
	}
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"worker": id,
				"stack":  string(debug.Stack()),
			}).Errorf("panic: %v", r)
			p.report(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

// Batch runs fn over items on a bounded pool, each call under its own
// timeout. The returned slice is aligned with items: nil for success, the
// task's error otherwise, and ErrNotRun for items skipped because ctx ended.
//
//	errs := Batch(ctx, logger, due, 4, "reminders", 10*time.Second, send)
func Batch[T any](ctx context.Context, logger logrus.FieldLogger, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	results := make([]error, len(items))
	for i := range results {
		results[i] = ErrNotRun
	}
	if len(items) == 0 {
		return results
	}

	pool := NewWorkerPool(ctx, logger, workers, taskName, timeout)
	for i, item := range items {
		err := pool.Submit(func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					results[i] = err
				}
			}()
			results[i] = fn(ctx, item)
			return nil
		})
		if err != nil {
			break
		}
	}
	pool.Wait()
	return results
}
