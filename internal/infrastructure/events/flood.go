package events

import (
	"sync"
	"time"
)

type FloodConfig struct {
	MaxMalformed int
	Window       time.Duration
}

// floodGuard counts malformed frames per connection over a sliding window.
type floodGuard struct {
	cfg FloodConfig

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newFloodGuard(cfg FloodConfig) *floodGuard {
	return &floodGuard{cfg: cfg, hits: map[string][]time.Time{}}
}

// record notes a malformed frame at now and reports whether the connection
// is over the limit.
func (f *floodGuard) record(connID string, now time.Time) bool {
	if f.cfg.MaxMalformed <= 0 || f.cfg.Window <= 0 {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-f.cfg.Window)
	hits := f.hits[connID]

	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	f.hits[connID] = kept

	return len(kept) > f.cfg.MaxMalformed
}

func (f *floodGuard) forget(connID string) {
	f.mu.Lock()
	delete(f.hits, connID)
	f.mu.Unlock()
}

func (f *floodGuard) tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hits)
}
