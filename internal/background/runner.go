// Package background runs work that must finish after the response has been
// sent: cache writes and artifact persistence.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metrics"
)

// ErrClosed is returned for tasks submitted after Drain started.
var ErrClosed = errors.New("background: runner closed")

// Runner tracks detached tasks so shutdown can wait for them.
type Runner struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a runner whose tasks each get at most timeout.
func NewRunner(logger *zap.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Runner{logger: logging.OrNop(logger), timeout: timeout}
}

// Go runs fn in its own goroutine with a context detached from parent's
// cancellation. The returned channel receives fn's result exactly once.
func (r *Runner) Go(parent context.Context, name string, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		done <- ErrClosed
		return done
	}
	r.wg.Add(1)
	r.mu.Unlock()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)

	go func() {
		defer r.wg.Done()
		defer cancel()

		err := run(ctx, fn)
		if err != nil {
			metrics.BackgroundFailures.WithLabelValues(name).Inc()
			r.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
		done <- err
	}()

	return done
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Drain stops accepting tasks and waits for running ones or ctx.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain background tasks: %w", ctx.Err())
	}
}

// Wait blocks until every task submitted so far has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
