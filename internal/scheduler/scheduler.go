// Package scheduler defers events. A scheduled entry moves from pending to
// delivered exactly once: Tick and Cancel take the same lock, so when they race
// exactly one wins. Due entries are published on the bus after the lock is
// released, with a fresh event id and the entry id in the payload.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"crmnotify/internal/eventbus"
	"crmnotify/internal/model"
	logx "crmnotify/pkg/logx"
)

var (
	ErrPastSchedule = errors.New("scheduled time is not in the future")
	ErrNotFound     = errors.New("scheduled notification not found")
	ErrNoKind       = errors.New("scheduled event has no kind")
)

// CancelResult reports what Cancel found.
type CancelResult int

const (
	Cancelled CancelResult = iota + 1
	AlreadyFired
	AlreadyCancelled
)

func (r CancelResult) String() string {
	switch r {
	case Cancelled:
		return "cancelled"
	case AlreadyFired:
		return "already_fired"
	case AlreadyCancelled:
		return "already_cancelled"
	default:
		return fmt.Sprintf("cancel_result(%d)", int(r))
	}
}

// Config controls the tick driver.
type Config struct {
	Tick     time.Duration // default 1s; cron rounds anything smaller up to 1s
	Timezone string        // IANA TZ for the cron location
}

// Store persists entries. storage.Store satisfies it.
type Store interface {
	PutScheduled(ctx context.Context, s model.ScheduledNotification) error
	ListScheduled(ctx context.Context, status model.ScheduleStatus) ([]model.ScheduledNotification, error)
}

// Observer receives scheduler statistics.
type Observer interface {
	ScheduledFired(kind model.EventKind)
	ScheduledPending(n int)
}

type Option func(*Service)

func WithStore(st Store) Option { return func(s *Service) { s.store = st } }

func WithObserver(o Observer) Option { return func(s *Service) { s.obs = o } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(next func() string) Option { return func(s *Service) { s.newID = next } }

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	bus   eventbus.Bus
	store Store
	obs   Observer
	now   func() time.Time
	newID func() string

	entries map[string]*model.ScheduledNotification

	c       *cron.Cron
	loc     *time.Location
	entryID cron.EntryID
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		now:     time.Now,
		newID:   uuid.NewString,
		entries: map[string]*model.ScheduledNotification{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Schedule stores ev for publication at at. at must be after now.
func (s *Service) Schedule(ctx context.Context, ev model.Event, at time.Time) (string, error) {
	if strings.TrimSpace(string(ev.Kind)) == "" {
		return "", ErrNoKind
	}
	now := s.now()
	if !at.After(now) {
		return "", fmt.Errorf("%w: %s", ErrPastSchedule, at.Format(time.RFC3339))
	}
	if ev.ID == "" {
		ev.ID = s.newID()
	}
	sn := model.ScheduledNotification{
		ID:           s.newID(),
		Event:        ev,
		ScheduledFor: at,
		Status:       model.StatusPending,
		CreatedAt:    now.UTC(),
	}
	s.mu.Lock()
	cp := sn
	s.entries[sn.ID] = &cp
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.persist(ctx, sn)
	s.reportPending(pending)
	s.log.Debug("scheduled", logx.String("id", sn.ID), logx.String("kind", string(ev.Kind)), logx.Time("at", at))
	return sn.ID, nil
}

// Cancel moves a pending entry to cancelled. Entries that already fired or
// were already cancelled are left alone and reported as such.
func (s *Service) Cancel(ctx context.Context, id string) (CancelResult, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch e.Status {
	case model.StatusDelivered:
		s.mu.Unlock()
		return AlreadyFired, nil
	case model.StatusCancelled:
		s.mu.Unlock()
		return AlreadyCancelled, nil
	}
	e.Status = model.StatusCancelled
	snap := *e
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.persist(ctx, snap)
	s.reportPending(pending)
	s.log.Debug("schedule cancelled", logx.String("id", id))
	return Cancelled, nil
}

// Tick fires every pending entry due at or before now and returns how many
// fired.
func (s *Service) Tick(now time.Time) int {
	s.mu.Lock()
	var due []model.ScheduledNotification
	for _, e := range s.entries {
		if e.Status != model.StatusPending || e.ScheduledFor.After(now) {
			continue
		}
		fired := now.UTC()
		e.Status = model.StatusDelivered
		e.FiredAt = &fired
		due = append(due, *e)
	}
	pending := s.pendingLocked()
	s.mu.Unlock()

	if len(due) == 0 {
		return 0
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	ctx := context.Background()
	for _, sn := range due {
		s.persist(ctx, sn)
		s.publish(sn, now)
	}
	s.reportPending(pending)
	return len(due)
}

func (s *Service) publish(sn model.ScheduledNotification, now time.Time) {
	payload := make(map[string]any, len(sn.Event.Payload)+1)
	for k, v := range sn.Event.Payload {
		payload[k] = v
	}
	payload["scheduledId"] = sn.ID
	ev := model.Event{
		ID:         s.newID(),
		Kind:       sn.Event.Kind,
		Payload:    payload,
		OccurredAt: now.UTC(),
		Priority:   sn.Event.Priority,
	}
	if s.obs != nil {
		s.obs.ScheduledFired(ev.Kind)
	}
	s.log.Info("scheduled event fired", logx.String("id", sn.ID), logx.String("event", ev.ID), logx.String("kind", string(ev.Kind)))
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
	s.bus.Publish(model.Event{
		ID:         s.newID(),
		Kind:       model.KindScheduledFired,
		OccurredAt: now.UTC(),
		Priority:   model.PriorityLow,
		Payload: map[string]any{
			"scheduledId": sn.ID,
			"eventId":     ev.ID,
			"kind":        string(ev.Kind),
		},
	})
}

// Get returns a copy of the entry.
func (s *Service) Get(id string) (model.ScheduledNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.ScheduledNotification{}, false
	}
	return *e, true
}

// List returns entries with status (all when empty), soonest first.
func (s *Service) List(status model.ScheduleStatus) []model.ScheduledNotification {
	s.mu.Lock()
	out := make([]model.ScheduledNotification, 0, len(s.entries))
	for _, e := range s.entries {
		if status == "" || e.Status == status {
			out = append(out, *e)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) pendingLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.Status == model.StatusPending {
			n++
		}
	}
	return n
}

func (s *Service) reportPending(n int) {
	if s.obs != nil {
		s.obs.ScheduledPending(n)
	}
}

func (s *Service) persist(ctx context.Context, sn model.ScheduledNotification) {
	if s.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.store.PutScheduled(ctx, sn); err != nil {
		s.log.Warn("persist scheduled entry failed", logx.String("id", sn.ID), logx.Err(err))
	}
}

// Restore loads pending entries from the store. Entries already known are
// kept as they are.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	list, err := s.store.ListScheduled(ctx, model.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("restore scheduled entries: %w", err)
	}
	s.mu.Lock()
	n := 0
	for _, sn := range list {
		if _, ok := s.entries[sn.ID]; ok {
			continue
		}
		cp := sn
		s.entries[sn.ID] = &cp
		n++
	}
	pending := s.pendingLocked()
	s.mu.Unlock()
	s.reportPending(pending)
	return n, nil
}

// Apply updates the tick and timezone, restarting the cron when running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.Tick != s.cfg.Tick || strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	old := s.c
	s.c = nil
	go func() { <-old.Stop().Done() }()
	if err := s.startCronLocked(); err != nil {
		s.log.Error("scheduler restart failed", logx.Err(err))
	}
}

// Start restores persisted entries and starts the cron tick.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := s.Restore(ctx)
	if err != nil {
		s.log.Warn("scheduler restore failed", logx.Err(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		return err
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Duration("tick", s.tickLocked()), logx.Int("restored", n))
	return nil
}

func (s *Service) tickLocked() time.Duration {
	if s.cfg.Tick <= 0 {
		return time.Second
	}
	return s.cfg.Tick
}

func (s *Service) startCronLocked() error {
	s.loc = s.loadLocationLocked()
	c := cron.New(cron.WithLocation(s.loc))
	id, err := c.AddFunc("@every "+s.tickLocked().String(), func() { s.Tick(s.now()) })
	if err != nil {
		return fmt.Errorf("register scheduler tick: %w", err)
	}
	s.entryID = id
	s.c = c
	c.Start()
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// NextTick reports when the cron will next call Tick; zero when stopped.
func (s *Service) NextTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entryID).Next
}

// Stop stops the cron tick. Entries stay in memory and in the store.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}
