package clock

import (
	"testing"
	"time"
)

func TestFake_AfterFuncFiresOnAdvance(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0))
	fired := 0
	c.AfterFunc(10*time.Second, func() { fired++ })

	c.Advance(9 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early")
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired=%d want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired twice")
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0))
	timer := c.AfterFunc(time.Second, func() { t.Fatalf("stopped timer fired") })
	if !timer.Stop() {
		t.Fatalf("Stop()=false on pending timer")
	}
	if timer.Stop() {
		t.Fatalf("second Stop()=true")
	}
	c.Advance(time.Minute)
	if c.PendingCount() != 0 {
		t.Fatalf("pending=%d want 0", c.PendingCount())
	}
}

func TestFake_After(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0))
	ch := c.After(5 * time.Second)

	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("After channel did not fire")
	}
}
