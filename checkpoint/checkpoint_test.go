package checkpoint

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func waitForEvent(t *testing.T, events chan State, want State) {
	t.Helper()
	select {
	case got := <-events:
		if got != want {
			t.Fatalf("expected event %v, got %v", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event %v", want)
	}
}

func TestChapterClosedTriggersAtFrequency(t *testing.T) {
	var saveCalls int
	var mu sync.Mutex
	events := make(chan State, 4)

	c := New(3, func() error {
		mu.Lock()
		saveCalls++
		mu.Unlock()
		return nil
	}, nil)
	c.OnEvent(func(s State, err error) { events <- s })

	if c.ChapterClosed() {
		t.Fatal("expected no checkpoint before frequency reached")
	}
	if c.ChapterClosed() {
		t.Fatal("expected no checkpoint before frequency reached")
	}
	if !c.ChapterClosed() {
		t.Fatal("expected checkpoint to start on the 3rd chapter close")
	}

	waitForEvent(t, events, InProgress)
	waitForEvent(t, events, Idle)

	mu.Lock()
	defer mu.Unlock()
	if saveCalls != 1 {
		t.Fatalf("expected exactly 1 save call, got %d", saveCalls)
	}
}

func TestZeroFrequencyDisablesCheckpointing(t *testing.T) {
	c := New(0, func() error { return nil }, nil)
	for i := 0; i < 10; i++ {
		if c.ChapterClosed() {
			t.Fatal("expected checkpointing to stay disabled at frequency 0")
		}
	}
}

func TestSetFrequencyTakesEffectImmediately(t *testing.T) {
	c := New(100, func() error { return nil }, nil)
	c.SetFrequency(1)
	if !c.ChapterClosed() {
		t.Fatal("expected checkpoint to trigger immediately after lowering frequency to 1")
	}
}

func TestInProgressCheckpointSkipsOverlappingTrigger(t *testing.T) {
	release := make(chan struct{})
	events := make(chan State, 8)
	c := New(1, func() error {
		<-release
		return nil
	}, nil)
	c.OnEvent(func(s State, err error) { events <- s })

	if !c.ChapterClosed() {
		t.Fatal("expected first close to start a checkpoint")
	}
	waitForEvent(t, events, InProgress)

	if c.ChapterClosed() {
		t.Fatal("expected overlapping trigger to be skipped while a checkpoint is in flight")
	}

	close(release)
	waitForEvent(t, events, Idle)
}

func TestFailedSaveIsReportedAndStateReturnsToIdle(t *testing.T) {
	events := make(chan State, 4)
	errsSeen := make(chan error, 4)
	wantErr := errors.New("disk full")
	c := New(1, func() error { return wantErr }, nil)
	c.OnEvent(func(s State, err error) {
		errsSeen <- err
		events <- s
	})

	c.ChapterClosed()
	waitForEvent(t, events, InProgress)
	waitForEvent(t, events, Idle)

	<-errsSeen // the InProgress event carries no error
	if err := <-errsSeen; !errors.Is(err, wantErr) {
		t.Fatalf("expected the Idle event to report %v, got %v", wantErr, err)
	}

	if c.State() != Idle {
		t.Fatalf("expected idle state after failed save, got %v", c.State())
	}
}
