package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"crmnotify/internal/model"
)

type inboxKey struct {
	recipient string
	id        string
}

type memStore struct {
	mu    sync.Mutex
	now   func() time.Time
	max   int
	limit int
	seq   uint64
	inbox map[inboxKey]*memEntry
	sched map[string]model.ScheduledNotification
	audit []DeliveryRecord
}

type memEntry struct {
	n   model.Notification
	seq uint64
}

// NewMemory returns a process-local store.
func NewMemory(cfg Config) Store {
	return &memStore{
		now:   time.Now,
		max:   cfg.maxDeliveries(),
		limit: cfg.maxInbox(),
		inbox: map[inboxKey]*memEntry{},
		sched: map[string]model.ScheduledNotification{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) SaveNotification(_ context.Context, n model.Notification, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := inboxKey{recipient: recipient, id: n.ID}
	if e, ok := s.inbox[k]; ok {
		readAt := e.n.ReadAt
		e.n = n
		if e.n.ReadAt == nil {
			e.n.ReadAt = readAt
		}
		return nil
	}
	s.seq++
	s.inbox[k] = &memEntry{n: n, seq: s.seq}
	if es := s.entries(recipient); len(es) > s.limit {
		for _, e := range es[s.limit:] {
			delete(s.inbox, inboxKey{recipient: recipient, id: e.n.ID})
		}
	}
	return nil
}

// entries returns the recipient's entries newest first.
func (s *memStore) entries(recipient string) []*memEntry {
	var out []*memEntry
	for k, e := range s.inbox {
		if k.recipient == recipient {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.n.CreatedAt.Equal(b.n.CreatedAt) {
			return a.n.CreatedAt.After(b.n.CreatedAt)
		}
		return a.seq > b.seq
	})
	return out
}

func (s *memStore) ListNotifications(_ context.Context, f model.ListFilter) (model.NotificationPage, error) {
	f = f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var since time.Time
	if f.Days > 0 {
		since = s.now().Add(-time.Duration(f.Days) * 24 * time.Hour)
	}
	var matched []model.Notification
	for _, e := range s.entries(f.RecipientID) {
		if f.UnreadOnly && e.n.IsRead() {
			continue
		}
		if f.Kind != "" && e.n.Kind != f.Kind {
			continue
		}
		if !since.IsZero() && e.n.CreatedAt.Before(since) {
			continue
		}
		matched = append(matched, e.n)
	}
	page := model.NotificationPage{Total: len(matched), Page: f.Page, Limit: f.Limit, Items: []model.Notification{}}
	start := (f.Page - 1) * f.Limit
	if start < len(matched) {
		end := start + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = append(page.Items, matched[start:end]...)
	}
	return page, nil
}

func (s *memStore) MarkRead(_ context.Context, recipient, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inbox[inboxKey{recipient: recipient, id: id}]
	if !ok {
		return ErrNotFound
	}
	if e.n.ReadAt == nil {
		at := s.now().UTC()
		e.n.ReadAt = &at
	}
	return nil
}

func (s *memStore) MarkAllRead(_ context.Context, recipient string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now().UTC()
	n := 0
	for k, e := range s.inbox {
		if k.recipient != recipient || e.n.ReadAt != nil {
			continue
		}
		t := at
		e.n.ReadAt = &t
		n++
	}
	return n, nil
}

func (s *memStore) DeleteNotification(_ context.Context, recipient, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := inboxKey{recipient: recipient, id: id}
	if _, ok := s.inbox[k]; !ok {
		return ErrNotFound
	}
	delete(s.inbox, k)
	return nil
}

func (s *memStore) ClearAll(_ context.Context, recipient string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.inbox {
		if k.recipient == recipient {
			delete(s.inbox, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Stats(_ context.Context, recipient string) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.Stats{ByKind: map[model.EventKind]int{}, ByPriority: map[model.Priority]int{}}
	for k, e := range s.inbox {
		if k.recipient != recipient {
			continue
		}
		st.Total++
		if !e.n.IsRead() {
			st.Unread++
		}
		st.ByKind[e.n.Kind]++
		st.ByPriority[e.n.Priority]++
	}
	for _, sn := range s.sched {
		if sn.Status == model.StatusPending {
			st.ScheduledPending++
		}
	}
	return st, nil
}

func (s *memStore) PutScheduled(_ context.Context, sn model.ScheduledNotification) error {
	s.mu.Lock()
	s.sched[sn.ID] = sn
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListScheduled(_ context.Context, status model.ScheduleStatus) ([]model.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledNotification, 0, len(s.sched))
	for _, sn := range s.sched {
		if status == "" || sn.Status == status {
			out = append(out, sn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, r)
	if over := len(s.audit) - s.max; over > 0 {
		s.audit = append(s.audit[:0:0], s.audit[over:]...)
	}
	return nil
}

func (s *memStore) RecentDeliveries(_ context.Context, limit int) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]DeliveryRecord, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}
