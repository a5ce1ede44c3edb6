package config

import (
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable view of the active configuration.
type Snapshot struct {
	Config     *Config
	Generation uint64
}

// Holder publishes the active Config. Readers never block writers; a reader
// that loaded a Snapshot keeps using it even if a reload lands meanwhile.
type Holder struct {
	cur atomic.Pointer[Snapshot]
	mu  sync.Mutex // serialises writers
}

// NewHolder returns a Holder publishing cfg as generation 1.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.cur.Store(&Snapshot{Config: cfg, Generation: 1})
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot {
	return h.cur.Load()
}

// Swap publishes cfg as the next generation and returns it.
func (h *Holder) Swap(cfg *Config) *Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := &Snapshot{Config: cfg, Generation: h.cur.Load().Generation + 1}
	h.cur.Store(next)
	return next
}

// Apply offers cfg as the next generation to apply and publishes it only if
// apply succeeds. On error the current snapshot stays in place.
func (h *Holder) Apply(cfg *Config, apply func(*Snapshot) error) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := &Snapshot{Config: cfg, Generation: h.cur.Load().Generation + 1}
	if err := apply(next); err != nil {
		return nil, err
	}
	h.cur.Store(next)
	return next, nil
}
