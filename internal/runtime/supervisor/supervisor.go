package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "crmnotify/pkg/logx"
)

// Supervisor runs named goroutines tied to a shared context.
// - Panic recovery
// - Optional cancel-on-first-error
// - Restart loops with jittered exponential backoff
// - Timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	hook        Hook
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
	restart map[string]uint64
}

// Hook observes goroutine lifecycle. Implementations must not block.
type Hook interface {
	GoroutineRestarted(name string)
	GoroutinePanicked(name string)
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the supervisor context on the first non-nil error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func WithHook(h Hook) Option { return func(s *Supervisor) { s.hook = h } }

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
		running: map[string]int{},
		restart: map[string]uint64{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error, if any.
func (s *Supervisor) Err() error {
	if v, ok := s.firstErr.Load().(error); ok {
		return v
	}
	return nil
}

// Status is a point-in-time view used by health endpoints.
type Status struct {
	Running    map[string]int    `json:"running"`
	Restarts   map[string]uint64 `json:"restarts,omitempty"`
	FirstError string            `json:"first_error,omitempty"`
}

func (s *Supervisor) Status() Status {
	st := Status{Running: map[string]int{}, Restarts: map[string]uint64{}}
	s.mu.Lock()
	for k, v := range s.running {
		if v > 0 {
			st.Running[k] = v
		}
	}
	for k, v := range s.restart {
		st.Restarts[k] = v
	}
	s.mu.Unlock()
	if err := s.Err(); err != nil {
		st.FirstError = err.Error()
	}
	return st
}

// Names returns the running goroutine names, sorted.
func (s *Supervisor) Names() []string {
	st := s.Status()
	out := make([]string, 0, len(st.Running))
	for k := range st.Running {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) track(name string, delta int) {
	s.mu.Lock()
	s.running[name] += delta
	if s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
}

// Go runs fn once. A panic or non-cancel error is recorded as the first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.track(name, 1)
	go func() {
		defer s.wg.Done()
		defer s.track(name, -1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				if s.hook != nil {
					s.hook.GoroutinePanicked(name)
				}
				s.fail(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff sets the backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it on error or panic until the context is
// cancelled. A nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go(name, func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			startedAt := time.Now()
			err := s.runProtected(ctx, name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				return nil
			}

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				return err
			}
			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			s.mu.Lock()
			s.restart[name]++
			s.mu.Unlock()
			if s.hook != nil {
				s.hook.GoroutineRestarted(name)
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

func (s *Supervisor) runProtected(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			if s.hook != nil {
				s.hook.GoroutinePanicked(name)
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}
