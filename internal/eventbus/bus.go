package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"crmnotify/internal/model"
	logx "crmnotify/pkg/logx"
)

// Handler receives one event. Handlers run synchronously on the goroutine
// that drains the bus; long work should be handed off.
type Handler func(e model.Event)

// Bus is an in-memory publish/subscribe registry keyed by event kind.
//
// Contract:
//   - Subscribers of a kind run in registration order, then wildcard subscribers
//     in registration order.
//   - A panicking subscriber is recovered and reported; later subscribers still run.
//   - Events published during dispatch are queued, so delivery order equals
//     publish order.
//   - Nothing is retained: an event with no subscribers is dropped.
type Bus interface {
	Publish(e model.Event)
	Subscribe(kind model.EventKind, h Handler) (unsubscribe func())
	SubscribeAll(h Handler) (unsubscribe func())
}

// Observer receives dispatch statistics. Implementations must be cheap and
// must not call back into the bus.
type Observer interface {
	Dispatched(kind model.EventKind, delivered int)
	SubscriberPanicked(kind model.EventKind)
}

type Option func(*memBus)

func WithLogger(log logx.Logger) Option { return func(b *memBus) { b.log = log } }

func WithObserver(o Observer) Option { return func(b *memBus) { b.obs = o } }

// New returns an in-memory bus.
//
// It does not own any background goroutines: the publisher that finds the
// queue idle drains it.
func New(opts ...Option) Bus {
	b := &memBus{subs: map[model.EventKind][]*subscription{}}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

type subscription struct {
	id     uint64
	kind   model.EventKind // empty for wildcard
	h      Handler
	active atomic.Bool
}

type memBus struct {
	log logx.Logger
	obs Observer

	mu   sync.Mutex
	subs map[model.EventKind][]*subscription
	all  []*subscription
	seq  atomic.Uint64

	qmu      sync.Mutex
	queue    []model.Event
	draining bool
}

func (b *memBus) Publish(e model.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	b.qmu.Lock()
	b.queue = append(b.queue, e)
	if b.draining {
		// Whoever is draining will reach this event in order.
		b.qmu.Unlock()
		return
	}
	b.draining = true
	b.qmu.Unlock()

	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.queue = nil
			b.qmu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = model.Event{}
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.dispatch(next)
	}
}

func (b *memBus) dispatch(e model.Event) {
	// Snapshot both lists. Unsubscribe swaps in new slices, so the snapshot is
	// stable; the active flag makes removal visible mid-dispatch.
	b.mu.Lock()
	kindSubs := b.subs[e.Kind]
	all := b.all
	b.mu.Unlock()

	delivered := 0
	for _, s := range kindSubs {
		if b.invoke(s, e) {
			delivered++
		}
	}
	for _, s := range all {
		if b.invoke(s, e) {
			delivered++
		}
	}
	if b.obs != nil {
		b.obs.Dispatched(e.Kind, delivered)
	}
}

func (b *memBus) invoke(s *subscription, e model.Event) (called bool) {
	if !s.active.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				logx.String("kind", string(e.Kind)),
				logx.Int64("sub", int64(s.id)),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())),
			)
			if b.obs != nil {
				b.obs.SubscriberPanicked(e.Kind)
			}
		}
	}()
	called = true
	s.h(e)
	return called
}

func (b *memBus) Subscribe(kind model.EventKind, h Handler) func() {
	if h == nil {
		return func() {}
	}
	s := &subscription{id: b.seq.Add(1), kind: kind, h: h}
	s.active.Store(true)

	b.mu.Lock()
	b.subs[kind] = append(cloneSubs(b.subs[kind]), s)
	b.mu.Unlock()
	return b.unsubscriber(s)
}

func (b *memBus) SubscribeAll(h Handler) func() {
	if h == nil {
		return func() {}
	}
	s := &subscription{id: b.seq.Add(1), h: h}
	s.active.Store(true)

	b.mu.Lock()
	b.all = append(cloneSubs(b.all), s)
	b.mu.Unlock()
	return b.unsubscriber(s)
}

func (b *memBus) unsubscriber(s *subscription) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			b.mu.Lock()
			defer b.mu.Unlock()
			if s.kind == "" {
				b.all = without(b.all, s)
				return
			}
			rest := without(b.subs[s.kind], s)
			if len(rest) == 0 {
				delete(b.subs, s.kind)
				return
			}
			b.subs[s.kind] = rest
		})
	}
}

// cloneSubs copies so in-flight dispatch snapshots never observe appends.
func cloneSubs(in []*subscription) []*subscription {
	out := make([]*subscription, len(in), len(in)+1)
	copy(out, in)
	return out
}

func without(in []*subscription, s *subscription) []*subscription {
	out := make([]*subscription, 0, len(in))
	for _, x := range in {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
