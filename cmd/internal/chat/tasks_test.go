package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskGroup_WaitCollectsFailures(t *testing.T) {
	t.Parallel()

	var reported atomic.Int32
	g := newTaskGroup(testLogger(), func(error) { reported.Add(1) })
	defer g.Stop()

	boom := errors.New("boom")
	g.Go("ok", func(context.Context) error { return nil })
	g.Go("fail", func(context.Context) error { return boom })

	if err := g.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom got=%v", err)
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("failures must be drained by the previous Wait, got=%v", err)
	}
	if reported.Load() != 1 {
		t.Fatalf("expected one report got=%d", reported.Load())
	}
}

func TestTaskGroup_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	g := newTaskGroup(testLogger(), nil)
	release := make(chan struct{})
	g.Go("block", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline got=%v", err)
	}
	close(release)
	g.Stop()
}

func TestTaskGroup_GoRacingStop(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		g := newTaskGroup(testLogger(), nil)
		var stopped atomic.Bool
		var late atomic.Int32

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < 20; n++ {
					g.Go("deliver", func(context.Context) error {
						if stopped.Load() {
							late.Add(1)
						}
						return nil
					})
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Wait(context.Background())
		}()

		g.Stop()
		stopped.Store(true)
		wg.Wait()

		// Accepted before Stop means finished before Stop returned; later calls are dropped.
		g.Go("after", func(context.Context) error {
			late.Add(1)
			return nil
		})
		if err := g.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
		if n := late.Load(); n != 0 {
			t.Fatalf("iteration %d: %d tasks ran after Stop returned", i, n)
		}
	}
}
