package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingHook struct {
	restarts atomic.Int32
	panics   atomic.Int32
}

func (h *countingHook) GoroutineRestarted(string) { h.restarts.Add(1) }
func (h *countingHook) GoroutinePanicked(string)  { h.panics.Add(1) }

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("bad", func(context.Context) error { return errors.New("boom") })
	s.Go("ok", func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("Wait = %v", err)
	}
}

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()
	h := &countingHook{}
	s := New(context.Background(), WithCancelOnError(true), WithHook(h))
	s.Go("panicky", func(context.Context) error { panic("nope") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || !strings.Contains(err.Error(), "panic in panicky") {
		t.Fatalf("Wait = %v", err)
	}
	if h.panics.Load() != 1 {
		t.Fatalf("panics = %d", h.panics.Load())
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	h := &countingHook{}
	s := New(context.Background(), WithHook(h))
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		n := runs.Add(1)
		switch n {
		case 1:
			return errors.New("first")
		case 2:
			panic("second")
		default:
			return nil
		}
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	if h.restarts.Load() != 2 || h.panics.Load() != 1 {
		t.Fatalf("restarts=%d panics=%d", h.restarts.Load(), h.panics.Load())
	}
	if got := s.Status().Restarts["flaky"]; got != 2 {
		t.Fatalf("status restarts = %d", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("doomed", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected final error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestStopCancelsLoops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	started := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	if names := s.Names(); len(names) != 1 || names[0] != "loop" {
		t.Fatalf("names = %v", names)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if len(s.Names()) != 0 {
		t.Fatalf("still running: %v", s.Names())
	}
}
