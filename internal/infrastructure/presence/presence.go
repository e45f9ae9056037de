package presence

import (
	"context"
	"sync"
	"time"
)

// Tracker records which users currently hold at least one realtime
// connection.
type Tracker interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	Close() error
}

const keyPrefix = "presence:user:"

func Key(userID string) string {
	return keyPrefix + userID
}

type Noop struct{}

func (Noop) Online(context.Context, string) error           { return nil }
func (Noop) Offline(context.Context, string) error          { return nil }
func (Noop) IsOnline(context.Context, string) (bool, error) { return false, nil }
func (Noop) Close() error                                   { return nil }

// MemoryTracker keeps presence in process. Entries expire after ttl unless
// refreshed by another Online call.
type MemoryTracker struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemoryTracker(ttl time.Duration, now func() time.Time) *MemoryTracker {
	if now == nil {
		now = time.Now
	}
	return &MemoryTracker{ttl: ttl, now: now, expires: map[string]time.Time{}}
}

func (m *MemoryTracker) Online(_ context.Context, userID string) error {
	m.mu.Lock()
	m.expires[userID] = m.now().Add(m.ttl)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Offline(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.expires, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.expires[userID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.expires, userID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryTracker) Close() error { return nil }
