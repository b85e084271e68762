// Package shutdown implements two-stage cooperative cancellation: the first
// signal asks the walker to stop at the next page boundary, the second
// aborts in-flight work immediately.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Coordinator turns OS signals into two nested cancellation scopes. RunCtx
// is cancelled on the first signal and is only ever observed between whole
// pages, so committed state stays consistent. HardCtx is cancelled on the
// second signal and cuts the in-flight request; the last committed
// checkpoint remains authoritative.
type Coordinator struct {
	runCtx     context.Context
	cancelRun  context.CancelFunc
	hardCtx    context.Context
	cancelHard context.CancelFunc

	logger *zap.Logger
	stop   func()
	once   sync.Once
}

// New builds a Coordinator listening for SIGINT and SIGTERM.
func New(parent context.Context, logger *zap.Logger) *Coordinator {
	c := NewManual(parent, logger)

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	c.stop = func() { signal.Stop(ch) }

	go func() {
		select {
		case sig := <-ch:
			logger.Info("shutdown requested, finishing current page", zap.String("signal", sig.String()))
			c.cancelRun()
		case <-c.hardCtx.Done():
			return
		}
		select {
		case sig := <-ch:
			logger.Warn("second signal, aborting in-flight work", zap.String("signal", sig.String()))
			c.cancelHard()
		case <-c.hardCtx.Done():
		}
	}()

	return c
}

// NewManual builds a Coordinator without signal handlers; tests drive it
// through RequestStop and Abort.
func NewManual(parent context.Context, logger *zap.Logger) *Coordinator {
	hardCtx, cancelHard := context.WithCancel(parent)
	runCtx, cancelRun := context.WithCancel(hardCtx)
	return &Coordinator{
		runCtx:     runCtx,
		cancelRun:  cancelRun,
		hardCtx:    hardCtx,
		cancelHard: cancelHard,
		logger:     logger,
		stop:       func() {},
	}
}

// RunCtx is cancelled on the first shutdown request.
func (c *Coordinator) RunCtx() context.Context { return c.runCtx }

// HardCtx is cancelled on the second shutdown request. Blocking operations
// (fetches) run on this context so a graceful stop lets the in-flight page
// finish.
func (c *Coordinator) HardCtx() context.Context { return c.hardCtx }

// Cancelled reports whether a graceful stop has been requested. The walker
// polls this at page boundaries.
func (c *Coordinator) Cancelled() bool {
	return c.runCtx.Err() != nil
}

// RequestStop triggers the graceful stage, as the first signal would.
func (c *Coordinator) RequestStop() { c.cancelRun() }

// Abort triggers the hard stage, as the second signal would.
func (c *Coordinator) Abort() { c.cancelHard() }

// Close releases signal handlers and both contexts.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.stop()
		c.cancelHard()
		c.cancelRun()
	})
}
