package eventbus

import (
	"reflect"
	"sync"
	"testing"

	"crmnotify/internal/model"
)

func ev(kind model.EventKind, id string) model.Event {
	return model.Event{ID: id, Kind: kind}
}

func TestPublishRegistrationOrderThenWildcard(t *testing.T) {
	t.Parallel()
	b := New()
	var got []string
	b.SubscribeAll(func(model.Event) { got = append(got, "all-1") })
	b.Subscribe(model.KindLeadUpdate, func(model.Event) { got = append(got, "lead-1") })
	b.Subscribe(model.KindLeadUpdate, func(model.Event) { got = append(got, "lead-2") })
	b.Subscribe(model.KindCallEvent, func(model.Event) { got = append(got, "call-1") })
	b.SubscribeAll(func(model.Event) { got = append(got, "all-2") })

	b.Publish(ev(model.KindLeadUpdate, "e1"))

	want := []string{"lead-1", "lead-2", "all-1", "all-2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestPublishExactlyOncePerSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	counts := make([]int, 3)
	for i := range counts {
		i := i
		b.Subscribe(model.KindTaskReminder, func(model.Event) { counts[i]++ })
	}
	b.Publish(ev(model.KindTaskReminder, "e1"))
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("subscriber %d called %d times, want 1", i, c)
		}
	}
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	t.Parallel()
	b := New()
	var got []string
	var unsubSelf, unsubNext func()

	b.Subscribe(model.KindSystemAlert, func(model.Event) { got = append(got, "a") })
	unsubSelf = b.Subscribe(model.KindSystemAlert, func(model.Event) {
		got = append(got, "b")
		unsubSelf()
	})
	b.Subscribe(model.KindSystemAlert, func(model.Event) { got = append(got, "c") })
	b.Subscribe(model.KindSystemAlert, func(model.Event) {
		got = append(got, "d")
		unsubNext()
	})
	unsubNext = b.Subscribe(model.KindSystemAlert, func(model.Event) { got = append(got, "e") })
	b.Subscribe(model.KindSystemAlert, func(model.Event) { got = append(got, "f") })

	b.Publish(ev(model.KindSystemAlert, "e1"))
	if want := []string{"a", "b", "c", "d", "f"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("first publish = %v, want %v", got, want)
	}

	got = nil
	b.Publish(ev(model.KindSystemAlert, "e2"))
	if want := []string{"a", "c", "d", "f"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("second publish = %v, want %v", got, want)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	calls := 0
	unsub := b.Subscribe(model.KindCallEvent, func(model.Event) { calls++ })
	unsub()
	unsub()
	b.Publish(ev(model.KindCallEvent, "e1"))
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}

type countingObserver struct {
	mu        sync.Mutex
	delivered map[model.EventKind]int
	panics    int
}

func (o *countingObserver) Dispatched(kind model.EventKind, n int) {
	o.mu.Lock()
	o.delivered[kind] += n
	o.mu.Unlock()
}

func (o *countingObserver) SubscriberPanicked(model.EventKind) {
	o.mu.Lock()
	o.panics++
	o.mu.Unlock()
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	t.Parallel()
	obs := &countingObserver{delivered: map[model.EventKind]int{}}
	b := New(WithObserver(obs))
	var after int
	b.Subscribe(model.KindMessageReceived, func(model.Event) { panic("boom") })
	b.Subscribe(model.KindMessageReceived, func(model.Event) { after++ })

	b.Publish(ev(model.KindMessageReceived, "e1"))
	b.Publish(ev(model.KindMessageReceived, "e2"))

	if after != 2 {
		t.Fatalf("later subscriber called %d times, want 2", after)
	}
	if obs.panics != 2 {
		t.Fatalf("panics = %d, want 2", obs.panics)
	}
	if obs.delivered[model.KindMessageReceived] != 4 {
		t.Fatalf("delivered = %d, want 4", obs.delivered[model.KindMessageReceived])
	}
}

func TestReentrantPublishKeepsOrder(t *testing.T) {
	t.Parallel()
	b := New()
	var got []string
	b.Subscribe(model.KindLeadUpdate, func(e model.Event) {
		got = append(got, "lead:"+e.ID)
		b.Publish(ev(model.KindNotification, "from-"+e.ID))
	})
	b.Subscribe(model.KindLeadUpdate, func(e model.Event) { got = append(got, "lead2:"+e.ID) })
	b.Subscribe(model.KindNotification, func(e model.Event) { got = append(got, "notif:"+e.ID) })

	b.Publish(ev(model.KindLeadUpdate, "1"))

	want := []string{"lead:1", "lead2:1", "notif:from-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	t.Parallel()
	b := New()
	b.Publish(ev(model.KindLeadUpdate, "lost"))

	var got []string
	b.Subscribe(model.KindLeadUpdate, func(e model.Event) { got = append(got, e.ID) })
	b.Publish(ev(model.KindLeadUpdate, "seen"))
	if !reflect.DeepEqual(got, []string{"seen"}) {
		t.Fatalf("got %v, want [seen]", got)
	}
}

func TestPublishFillsOccurredAt(t *testing.T) {
	t.Parallel()
	b := New()
	var got model.Event
	b.SubscribeAll(func(e model.Event) { got = e })
	b.Publish(model.Event{Kind: model.KindSystemAlert})
	if got.OccurredAt.IsZero() {
		t.Fatal("expected OccurredAt to be set")
	}
}

func TestConcurrentPublishDeliversEverything(t *testing.T) {
	t.Parallel()
	b := New()
	var mu sync.Mutex
	seen := 0
	b.SubscribeAll(func(model.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(ev(model.KindCallEvent, "x"))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen != 400 {
		t.Fatalf("seen = %d, want 400", seen)
	}
}
