package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"crmnotify/internal/eventbus"
	"crmnotify/internal/model"
	rtsup "crmnotify/internal/runtime/supervisor"
	logx "crmnotify/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

type DispatcherConfig struct {
	// Workers > 1 trades cross-event ordering for throughput.
	Workers   int
	QueueSize int
}

// DropObserver is told about events dropped because the queue was full.
type DropObserver interface {
	EventDropped(kind model.EventKind)
}

// Dispatcher moves engine work off the bus goroutine: a bus subscriber
// enqueues events and supervised workers run Engine.Handle. Slow channels
// (webhook retries) therefore never stall Publish.
type Dispatcher struct {
	mu sync.Mutex

	eng  *Engine
	log  logx.Logger
	cfg  DispatcherConfig
	drop DropObserver
	hook rtsup.Hook

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan model.Event
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
}

func NewDispatcher(eng *Engine, cfg DispatcherConfig, log logx.Logger, drop DropObserver, hook rtsup.Hook) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Dispatcher{eng: eng, log: log, cfg: cfg, drop: drop, hook: hook}
}

// Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan model.Event, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log), rtsup.WithHook(d.hook))
	sup, q := d.sup, d.queue
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		name := fmt.Sprintf("rules.worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("rules worker exited unexpectedly")
		})
	}
}

// Stop refuses new events and drains the queue until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		d.mu.Lock()
		d.queue, d.sup, d.stopDone = nil, nil, nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Enqueue hands ev to the workers without blocking.
func (d *Dispatcher) Enqueue(ev model.Event) error {
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- ev:
		return nil
	default:
		if d.drop != nil {
			d.drop.EventDropped(ev.Kind)
		}
		return ErrQueueFull
	}
}

// Attach subscribes the dispatcher to every kind except delivery outcomes,
// which would otherwise feed back into the engine.
func (d *Dispatcher) Attach(bus eventbus.Bus) (unsubscribe func()) {
	return bus.SubscribeAll(func(ev model.Event) {
		if strings.HasPrefix(string(ev.Kind), "delivery.") {
			return
		}
		if err := d.Enqueue(ev); err != nil {
			d.log.Warn("event not dispatched", logx.String("kind", string(ev.Kind)), logx.String("id", ev.ID), logx.Err(err))
		}
	})
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			d.eng.Handle(ctx, ev)
		}
	}
}
