package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

// Delivery is the outcome of one channel for the latest dispatch.
type Delivery struct {
	Channel  string `json:"channel"`
	OK       bool   `json:"ok"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Incident is the last known dispatched state of one fingerprint.
type Incident struct {
	Event      types.AlertEvent `json:"event"`
	Rule       string           `json:"rule,omitempty"`
	Unrouted   bool             `json:"unrouted"`
	Deliveries []Delivery       `json:"deliveries,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Store is a thread-safe in-memory incident store, keyed by fingerprint.
// A background goroutine (Run) periodically evicts entries that have not
// been updated within the configured TTL.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Incident
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Incident),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put stores or replaces the incident for inc.Event.Fingerprint, stamping
// UpdatedAt. It returns the stored copy.
func (s *Store) Put(inc Incident) Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc.UpdatedAt = s.now()
	s.data[inc.Event.Fingerprint] = &inc
	return inc
}

// Get returns the incident for fingerprint. It may be stale if TTL has elapsed.
func (s *Store) Get(fingerprint string) (Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.data[fingerprint]
	if !ok {
		return Incident{}, false
	}
	return *inc, true
}

// List returns the incidents updated within the TTL, newest first. A non-empty
// status ("firing" or "resolved") filters the result.
func (s *Store) List(status string) []Incident {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Incident, 0, len(s.data))
	for _, inc := range s.data {
		if !inc.UpdatedAt.After(cutoff) {
			continue
		}
		if status != "" && inc.Event.Status() != status {
			continue
		}
		out = append(out, *inc)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Event.Fingerprint < out[j].Event.Fingerprint
	})
	return out
}

// Count returns the total number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for fp, inc := range s.data {
		if !inc.UpdatedAt.After(cutoff) {
			delete(s.data, fp)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// (minimum 1 second) and blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale incidents", "count", n)
			}
		}
	}
}
