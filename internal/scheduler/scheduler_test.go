package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crmnotify/internal/eventbus"
	"crmnotify/internal/model"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	evs []model.Event
}

func (r *recorder) add(e model.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

func (r *recorder) events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.evs...)
}

func newService(t *testing.T, now time.Time, opts ...Option) (*Service, *recorder) {
	t.Helper()
	bus := eventbus.New()
	rec := &recorder{}
	bus.Subscribe(model.KindTaskReminder, rec.add)
	var n atomic.Int64
	ids := func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
	opts = append([]Option{WithClock(func() time.Time { return now }), WithIDs(ids)}, opts...)
	return New(Config{}, bus, logx.Nop(), opts...), rec
}

func reminder() model.Event {
	return model.Event{ID: "src", Kind: model.KindTaskReminder, Priority: model.PriorityHigh, Payload: map[string]any{"title": "Call Ada"}}
}

func TestFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	s, rec := newService(t, now)

	id, err := s.Schedule(context.Background(), reminder(), now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Tick(now); got != 0 {
		t.Fatalf("early tick fired %d", got)
	}
	if got := s.Tick(now.Add(time.Second)); got != 1 {
		t.Fatalf("tick fired %d", got)
	}
	if got := s.Tick(now.Add(2 * time.Second)); got != 0 {
		t.Fatalf("second tick refired %d", got)
	}

	evs := rec.events()
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
	ev := evs[0]
	if ev.ID == "src" || ev.Payload["scheduledId"] != id || ev.Payload["title"] != "Call Ada" || ev.Priority != model.PriorityHigh {
		t.Fatalf("event = %+v", ev)
	}
	sn, _ := s.Get(id)
	if sn.Status != model.StatusDelivered || sn.FiredAt == nil {
		t.Fatalf("entry = %+v", sn)
	}
}

func TestScheduleRejectsPast(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	s, _ := newService(t, now)
	for _, at := range []time.Time{now, now.Add(-time.Minute)} {
		if _, err := s.Schedule(context.Background(), reminder(), at); !errors.Is(err, ErrPastSchedule) {
			t.Fatalf("Schedule(%v) = %v", at, err)
		}
	}
	if _, err := s.Schedule(context.Background(), model.Event{}, now.Add(time.Hour)); !errors.Is(err, ErrNoKind) {
		t.Fatalf("no kind = %v", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	s, rec := newService(t, now)
	ctx := context.Background()

	fired, _ := s.Schedule(ctx, reminder(), now.Add(time.Second))
	kept, _ := s.Schedule(ctx, reminder(), now.Add(time.Hour))
	s.Tick(now.Add(time.Second))

	cases := []struct {
		name string
		id   string
		want CancelResult
		err  error
	}{
		{"after fire is a no-op", fired, AlreadyFired, nil},
		{"pending", kept, Cancelled, nil},
		{"twice", kept, AlreadyCancelled, nil},
		{"unknown", "nope", 0, ErrNotFound},
	}
	for _, tc := range cases {
		got, err := s.Cancel(ctx, tc.id)
		if got != tc.want || !errors.Is(err, tc.err) {
			t.Fatalf("%s: Cancel = %v, %v", tc.name, got, err)
		}
	}
	if got := s.Tick(now.Add(2 * time.Hour)); got != 0 {
		t.Fatalf("cancelled entry fired")
	}
	if len(rec.events()) != 1 {
		t.Fatalf("events = %d", len(rec.events()))
	}
	if sn, _ := s.Get(fired); sn.Status != model.StatusDelivered {
		t.Fatalf("fired entry status changed to %s", sn.Status)
	}
}

func TestCancelRacesTick(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		s, rec := newService(t, now)
		id, _ := s.Schedule(context.Background(), reminder(), now.Add(time.Millisecond))

		var (
			wg  sync.WaitGroup
			res CancelResult
		)
		wg.Add(2)
		go func() { defer wg.Done(); s.Tick(now.Add(time.Second)) }()
		go func() { defer wg.Done(); res, _ = s.Cancel(context.Background(), id) }()
		wg.Wait()

		published := len(rec.events())
		switch res {
		case Cancelled:
			if published != 0 {
				t.Fatalf("cancelled but published %d", published)
			}
		case AlreadyFired:
			if published != 1 {
				t.Fatalf("fired but published %d", published)
			}
		default:
			t.Fatalf("unexpected result %v", res)
		}
	}
}

func TestListOrdersBySchedule(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	s, _ := newService(t, now)
	late, _ := s.Schedule(context.Background(), reminder(), now.Add(2*time.Hour))
	early, _ := s.Schedule(context.Background(), reminder(), now.Add(time.Hour))
	got := s.List(model.StatusPending)
	if len(got) != 2 || got[0].ID != early || got[1].ID != late {
		t.Fatalf("list = %+v", got)
	}
	if len(s.List(model.StatusDelivered)) != 0 {
		t.Fatal("nothing delivered yet")
	}
}

type countingObserver struct {
	fired   atomic.Int32
	pending atomic.Int32
}

func (o *countingObserver) ScheduledFired(model.EventKind) { o.fired.Add(1) }
func (o *countingObserver) ScheduledPending(n int)         { o.pending.Store(int32(n)) }

func TestPersistAndRestore(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	st := storage.NewMemory(storage.Config{})
	obs := &countingObserver{}
	s, _ := newService(t, now, WithStore(st), WithObserver(obs))
	ctx := context.Background()

	a, _ := s.Schedule(ctx, reminder(), now.Add(time.Minute))
	b, _ := s.Schedule(ctx, reminder(), now.Add(time.Hour))
	_, _ = s.Cancel(ctx, b)
	s.Tick(now.Add(time.Minute))
	c, _ := s.Schedule(ctx, reminder(), now.Add(2*time.Hour))

	all, _ := st.ListScheduled(ctx, "")
	status := map[string]model.ScheduleStatus{}
	for _, sn := range all {
		status[sn.ID] = sn.Status
	}
	if status[a] != model.StatusDelivered || status[b] != model.StatusCancelled || status[c] != model.StatusPending {
		t.Fatalf("stored = %v", status)
	}
	if obs.fired.Load() != 1 || obs.pending.Load() != 1 {
		t.Fatalf("observer fired=%d pending=%d", obs.fired.Load(), obs.pending.Load())
	}

	restarted, rec := newService(t, now.Add(3*time.Hour), WithStore(st))
	n, err := restarted.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if got := restarted.Tick(now.Add(3 * time.Hour)); got != 1 {
		t.Fatalf("overdue restored entry fired %d", got)
	}
	if evs := rec.events(); len(evs) != 1 || evs[0].Payload["scheduledId"] != c {
		t.Fatalf("events = %+v", evs)
	}
}

func TestStartDrivesTick(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	got := make(chan model.Event, 4)
	bus.Subscribe(model.KindTaskReminder, func(e model.Event) { got <- e })
	s := New(Config{Tick: time.Second, Timezone: "UTC"}, bus, logx.Nop())
	if _, err := s.Schedule(context.Background(), reminder(), time.Now().Add(200*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())
	if s.NextTick().IsZero() {
		t.Fatal("no next tick while running")
	}

	select {
	case e := <-got:
		if e.Payload["scheduledId"] == nil {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled event never fired")
	}
}

func TestCancelResultString(t *testing.T) {
	t.Parallel()
	for r, want := range map[CancelResult]string{Cancelled: "cancelled", AlreadyFired: "already_fired", AlreadyCancelled: "already_cancelled"} {
		if r.String() != want {
			t.Fatalf("%d = %q", r, r.String())
		}
	}
}
