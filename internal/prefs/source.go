package prefs

import (
	"context"
	"sync"

	"crmnotify/internal/model"
)

// MemorySource keeps preferences in process. It backs the daemon when no
// external store is configured.
type MemorySource struct {
	mu    sync.RWMutex
	users map[string]model.UserPreferences
}

func NewMemorySource() *MemorySource {
	return &MemorySource{users: map[string]model.UserPreferences{}}
}

func (m *MemorySource) Preferences(_ context.Context, userID string) (model.UserPreferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[userID]
	if !ok {
		return model.UserPreferences{}, ErrNoPreferences
	}
	return p, nil
}

// Put stores p for p.UserID.
func (m *MemorySource) Put(p model.UserPreferences) {
	m.mu.Lock()
	m.users[p.UserID] = p
	m.mu.Unlock()
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, userID string) (model.UserPreferences, error)

func (f SourceFunc) Preferences(ctx context.Context, userID string) (model.UserPreferences, error) {
	return f(ctx, userID)
}
