package suppress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

// State is the lifecycle position of one fingerprint.
type State int

const (
	StateUnseen State = iota
	StateOpen
	StateSuppressed
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSuppressed:
		return "suppressed"
	case StateResolved:
		return "resolved"
	default:
		return "unseen"
	}
}

// Action is what the pipeline should do with a processed event.
type Action int

const (
	// ActionNotify forwards the event to routing.
	ActionNotify Action = iota
	// ActionDuplicate drops a redelivery of an already notified firing.
	ActionDuplicate
	// ActionSuppress drops a repeat firing inside the suppression window.
	ActionSuppress
)

func (a Action) String() string {
	switch a {
	case ActionDuplicate:
		return "duplicate"
	case ActionSuppress:
		return "suppressed"
	default:
		return "notify"
	}
}

// Decision is the outcome of Process. Event carries the updated occurrence count.
type Decision struct {
	Action Action
	Event  types.AlertEvent
}

// Forward reports whether the event should continue to routing.
func (d Decision) Forward() bool { return d.Action == ActionNotify }

// Record is the suppression state of one fingerprint.
type Record struct {
	Fingerprint       string    `json:"fingerprint"`
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	OccurrenceCount   int       `json:"occurrence_count"`
	MutedUntil        time.Time `json:"muted_until"`
	PendingSuppressed int       `json:"pending_suppressed"`

	startedAt time.Time
	last      types.AlertEvent
}

// Options are the tunables read from config.SuppressionConfig.
type Options struct {
	Window      time.Duration
	DedupWindow time.Duration
	Grace       time.Duration
	Digest      bool
}

// OptionsFrom extracts Options from the suppression config section.
func OptionsFrom(c config.SuppressionConfig) Options {
	return Options{Window: c.Window, DedupWindow: c.DedupWindow, Grace: c.Grace, Digest: c.Digest}
}

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// Engine holds the sharded suppression tables.
//
// All exported methods are safe for concurrent use. Events for one fingerprint
// always land in the same shard, so they are serialised by that shard's lock.
type Engine struct {
	shards []*shard
	opts   atomic.Pointer[Options]
}

// New returns an Engine with n shards.
func New(n int, opts Options) *Engine {
	if n <= 0 {
		n = 1
	}
	e := &Engine{shards: make([]*shard, n)}
	for i := range e.shards {
		e.shards[i] = &shard{records: make(map[string]*Record)}
	}
	e.opts.Store(&opts)
	return e
}

// SetOptions replaces the tunables. Existing windows keep their deadlines.
func (e *Engine) SetOptions(opts Options) {
	e.opts.Store(&opts)
}

func (e *Engine) shardFor(fp string) *shard {
	return e.shards[types.ShardOf(fp, len(e.shards))]
}

// Process applies the state machine to ev at time now.
func (e *Engine) Process(ev types.AlertEvent, now time.Time) Decision {
	opts := e.opts.Load()
	sh := e.shardFor(ev.Fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec := sh.records[ev.Fingerprint]

	if ev.Resolved() {
		if rec == nil {
			rec = &Record{Fingerprint: ev.Fingerprint, FirstSeen: now}
			sh.records[ev.Fingerprint] = rec
		}
		// A resolution also reports what the window swallowed.
		rec.OccurrenceCount = max(rec.OccurrenceCount, 1)
		rec.PendingSuppressed = 0
		rec.State = StateResolved
		rec.LastSeen = now
		rec.MutedUntil = now
		rec.last = ev
		ev.OccurrenceCount = rec.OccurrenceCount
		return Decision{Action: ActionNotify, Event: ev}
	}

	if rec == nil || rec.State == StateResolved {
		rec = &Record{
			Fingerprint:     ev.Fingerprint,
			State:           StateOpen,
			FirstSeen:       now,
			LastSeen:        now,
			OccurrenceCount: 1,
			MutedUntil:      now.Add(opts.Window),
			startedAt:       ev.StartedAt,
			last:            ev,
		}
		sh.records[ev.Fingerprint] = rec
		ev.OccurrenceCount = 1
		return Decision{Action: ActionNotify, Event: ev}
	}

	rec.OccurrenceCount++
	prevSeen := rec.LastSeen
	rec.LastSeen = now
	rec.last = ev

	// Redeliveries collapse before the window is consulted.
	if ev.StartedAt.Equal(rec.startedAt) && now.Sub(prevSeen) <= opts.DedupWindow {
		ev.OccurrenceCount = rec.OccurrenceCount
		return Decision{Action: ActionDuplicate, Event: ev}
	}

	if !now.Before(rec.MutedUntil) {
		// Window over: notify again with the cumulative count.
		rec.State = StateOpen
		rec.PendingSuppressed = 0
		rec.MutedUntil = now.Add(opts.Window)
		rec.startedAt = ev.StartedAt
		ev.OccurrenceCount = rec.OccurrenceCount
		return Decision{Action: ActionNotify, Event: ev}
	}

	rec.State = StateSuppressed
	rec.PendingSuppressed++
	ev.OccurrenceCount = rec.OccurrenceCount
	return Decision{Action: ActionSuppress, Event: ev}
}

// Sweep closes expired windows and purges stale records. It returns one digest
// event per window that ended with suppressed occurrences (when digests are
// enabled) and the number of records purged.
func (e *Engine) Sweep(now time.Time) (digests []types.AlertEvent, purged int) {
	opts := e.opts.Load()
	for _, sh := range e.shards {
		sh.mu.Lock()
		for fp, rec := range sh.records {
			if now.Before(rec.MutedUntil) {
				continue
			}
			if rec.PendingSuppressed > 0 && rec.State != StateResolved {
				if opts.Digest {
					digests = append(digests, digestOf(rec))
				}
				rec.PendingSuppressed = 0
				rec.State = StateOpen
				rec.MutedUntil = now.Add(opts.Window)
				continue
			}
			idle := rec.MutedUntil
			if rec.LastSeen.After(idle) {
				idle = rec.LastSeen
			}
			if !now.Before(idle.Add(opts.Grace)) {
				delete(sh.records, fp)
				purged++
			}
		}
		sh.mu.Unlock()
	}
	return digests, purged
}

// Flush emits digests for every record with pending suppressed occurrences,
// regardless of window position. Used on shutdown.
func (e *Engine) Flush() []types.AlertEvent {
	opts := e.opts.Load()
	var out []types.AlertEvent
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if rec.PendingSuppressed == 0 || rec.State == StateResolved {
				continue
			}
			if opts.Digest {
				out = append(out, digestOf(rec))
			}
			rec.PendingSuppressed = 0
		}
		sh.mu.Unlock()
	}
	return out
}

// Get returns a copy of the record for fp.
func (e *Engine) Get(fp string) (Record, bool) {
	sh := e.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[fp]
	if !ok {
		return Record{Fingerprint: fp, State: StateUnseen, StateName: StateUnseen.String()}, false
	}
	cp := *rec
	cp.StateName = rec.State.String()
	return cp, true
}

// Len returns the number of tracked fingerprints.
func (e *Engine) Len() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// digestOf must be called with the record's shard lock held.
func digestOf(rec *Record) types.AlertEvent {
	ev := rec.last
	ev.EventID = uuid.NewString()
	ev.Digest = true
	ev.ResolvedAt = nil
	ev.OccurrenceCount = rec.OccurrenceCount
	ev.Summary = fmt.Sprintf("%s (%d occurrences suppressed since last notification)",
		rec.last.Summary, rec.PendingSuppressed)
	return ev
}
