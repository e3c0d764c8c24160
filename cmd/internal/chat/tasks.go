package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const maxConcurrentWriteBacks = 8

// taskGroup tracks the status write-backs of one open conversation.
// Failures are reported as they happen and collected for the next Wait.
//
// The errgroup only bounds concurrency. Completion is tracked by running/idle under mu,
// so Go, Wait and Stop may be called from any goroutine at any time.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	report func(error)

	g errgroup.Group

	mu      sync.Mutex
	stopped bool
	running int
	idle    chan struct{} // closed while running == 0
	errs    []error
}

func newTaskGroup(log *slog.Logger, report func(error)) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	t := &taskGroup{ctx: ctx, cancel: cancel, log: log, report: report, idle: make(chan struct{})}
	close(t.idle)
	t.g.SetLimit(maxConcurrentWriteBacks)
	return t
}

// Go runs f in the group. Once the group is stopped, f is not run.
func (t *taskGroup) Go(op string, f func(ctx context.Context) error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.running == 0 {
		t.idle = make(chan struct{})
	}
	t.running++
	t.mu.Unlock()

	t.g.Go(func() error {
		defer t.done()
		if t.ctx.Err() != nil {
			return nil
		}
		err := f(t.ctx)
		if err == nil || (errors.Is(err, context.Canceled) && t.ctx.Err() != nil) {
			return nil
		}
		t.log.Warn("chat.task.fail", "op", op, "err", err)
		t.mu.Lock()
		t.errs = append(t.errs, err)
		t.mu.Unlock()
		if t.report != nil {
			t.report(err)
		}
		return nil
	})
}

func (t *taskGroup) done() {
	t.mu.Lock()
	t.running--
	if t.running == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

// Wait blocks until the group is idle, or ctx is done.
// It returns the failures collected since the previous Wait.
func (t *taskGroup) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	errs := t.errs
	t.errs = nil
	t.mu.Unlock()
	return errors.Join(errs...)
}

// Stop refuses new tasks, cancels running ones and waits for them.
func (t *taskGroup) Stop() {
	t.mu.Lock()
	t.stopped = true
	idle := t.idle
	t.mu.Unlock()
	t.cancel()
	<-idle
}
