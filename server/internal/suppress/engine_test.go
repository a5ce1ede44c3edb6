package suppress

import (
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testOpts() Options {
	return Options{Window: 15 * time.Minute, DedupWindow: 5 * time.Minute, Grace: 5 * time.Minute, Digest: true}
}

func firing(identity string, started time.Time) types.AlertEvent {
	labels := types.Labels{"service": "payments"}
	return types.AlertEvent{
		Fingerprint: types.Fingerprint(identity, labels),
		Identity:    identity,
		Severity:    types.SeverityCritical,
		Summary:     identity + " firing",
		Labels:      labels,
		StartedAt:   started,
	}
}

func resolved(ev types.AlertEvent, at time.Time) types.AlertEvent {
	ev.ResolvedAt = &at
	return ev
}

func TestProcess_DuplicateWithinDedupWindow(t *testing.T) {
	e := New(4, testOpts())
	ev := firing("HighLatency", t0)

	var forwarded int
	for _, at := range []time.Time{t0, t0.Add(2 * time.Second)} {
		if d := e.Process(ev, at); d.Forward() {
			forwarded++
		}
	}
	if forwarded != 1 {
		t.Errorf("forwarded %d events, want 1", forwarded)
	}
	rec, ok := e.Get(ev.Fingerprint)
	if !ok {
		t.Fatal("record missing")
	}
	if rec.OccurrenceCount != 2 {
		t.Errorf("occurrence_count: got %d, want 2", rec.OccurrenceCount)
	}
	if rec.State != StateOpen {
		t.Errorf("state: got %s, want open", rec.State)
	}
}

func TestProcess_SuppressesRepeatFirings(t *testing.T) {
	e := New(4, testOpts())

	d := e.Process(firing("X", t0), t0)
	if d.Action != ActionNotify || d.Event.OccurrenceCount != 1 {
		t.Fatalf("first firing: got %v count=%d", d.Action, d.Event.OccurrenceCount)
	}
	// A new firing (different StartedAt) inside the window is suppressed.
	for i := 1; i <= 3; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		d = e.Process(firing("X", at), at)
		if d.Action != ActionSuppress {
			t.Fatalf("firing %d: got %v, want suppressed", i, d.Action)
		}
	}
	rec, _ := e.Get(d.Event.Fingerprint)
	if rec.State != StateSuppressed || rec.PendingSuppressed != 3 || rec.OccurrenceCount != 4 {
		t.Errorf("record: %+v", rec)
	}

	// After the window closes the next firing notifies with the cumulative count.
	at := t0.Add(16 * time.Minute)
	d = e.Process(firing("X", at), at)
	if d.Action != ActionNotify {
		t.Fatalf("post-window firing: got %v, want notify", d.Action)
	}
	if d.Event.OccurrenceCount != 5 {
		t.Errorf("count: got %d, want 5", d.Event.OccurrenceCount)
	}
}

func TestProcess_DuplicateOutsideDedupWindowIsSuppressed(t *testing.T) {
	e := New(1, testOpts())
	ev := firing("X", t0)
	e.Process(ev, t0)
	d := e.Process(ev, t0.Add(6*time.Minute))
	if d.Action != ActionSuppress {
		t.Errorf("got %v, want suppressed", d.Action)
	}
}

func TestProcess_RedeliveryAfterWindowIsStillDuplicate(t *testing.T) {
	e := New(1, testOpts())
	ev := firing("X", t0)
	e.Process(ev, t0)

	// Keep the record fresh so the redelivery below is within the dedup
	// window of the previous sighting.
	e.Process(ev, t0.Add(12*time.Minute))
	d := e.Process(ev, t0.Add(15*time.Minute+time.Second))
	if d.Action != ActionDuplicate {
		t.Fatalf("redelivery just after the window: got %v, want duplicate", d.Action)
	}

	// A new firing after the window still notifies.
	next := firing("X", t0.Add(16*time.Minute))
	if d := e.Process(next, t0.Add(16*time.Minute)); d.Action != ActionNotify {
		t.Errorf("new firing after the window: got %v, want notify", d.Action)
	}
}

func TestProcess_ResolutionNeverSuppressed(t *testing.T) {
	e := New(2, testOpts())
	ev := firing("X", t0)
	e.Process(ev, t0)
	e.Process(firing("X", t0.Add(time.Minute)), t0.Add(time.Minute))

	d := e.Process(resolved(ev, t0.Add(2*time.Minute)), t0.Add(2*time.Minute))
	if !d.Forward() {
		t.Fatalf("resolution: got %v, want notify", d.Action)
	}
	if d.Event.OccurrenceCount != 2 {
		t.Errorf("resolution count: got %d, want 2", d.Event.OccurrenceCount)
	}
	rec, _ := e.Get(ev.Fingerprint)
	if rec.State != StateResolved {
		t.Errorf("state: got %s, want resolved", rec.State)
	}

	// A resolution for a never-seen fingerprint still passes.
	other := resolved(firing("Y", t0), t0)
	if d := e.Process(other, t0); !d.Forward() {
		t.Error("unseen resolution must be forwarded")
	}

	// Firing again after resolution opens a fresh incident.
	again := firing("X", t0.Add(3*time.Minute))
	d = e.Process(again, t0.Add(3*time.Minute))
	if !d.Forward() || d.Event.OccurrenceCount != 1 {
		t.Errorf("reopen: got %v count=%d, want notify count=1", d.Action, d.Event.OccurrenceCount)
	}
}

func TestSweep_DigestAtWindowBoundary(t *testing.T) {
	e := New(4, testOpts())
	e.Process(firing("X", t0), t0)
	e.Process(firing("X", t0.Add(time.Minute)), t0.Add(time.Minute))
	e.Process(firing("X", t0.Add(2*time.Minute)), t0.Add(2*time.Minute))

	if digests, _ := e.Sweep(t0.Add(10 * time.Minute)); len(digests) != 0 {
		t.Fatalf("digest before window end: %d", len(digests))
	}

	digests, purged := e.Sweep(t0.Add(15 * time.Minute))
	if len(digests) != 1 || purged != 0 {
		t.Fatalf("got %d digests, %d purged; want 1, 0", len(digests), purged)
	}
	dg := digests[0]
	if !dg.Digest || dg.OccurrenceCount != 3 || dg.Resolved() {
		t.Errorf("digest: %+v", dg)
	}

	// Nothing pending any more; a second sweep emits nothing.
	if digests, _ := e.Sweep(t0.Add(16 * time.Minute)); len(digests) != 0 {
		t.Errorf("repeat digest: %d", len(digests))
	}
}

func TestSweep_DigestDisabled(t *testing.T) {
	opts := testOpts()
	opts.Digest = false
	e := New(1, opts)
	e.Process(firing("X", t0), t0)
	e.Process(firing("X", t0.Add(time.Minute)), t0.Add(time.Minute))
	if digests, _ := e.Sweep(t0.Add(20 * time.Minute)); len(digests) != 0 {
		t.Errorf("digests with digest disabled: %d", len(digests))
	}
}

func TestSweep_PurgesStaleRecords(t *testing.T) {
	e := New(4, testOpts())
	ev := firing("X", t0)
	e.Process(ev, t0)
	e.Process(resolved(firing("Y", t0), t0), t0)

	if _, purged := e.Sweep(t0.Add(4 * time.Minute)); purged != 0 {
		t.Errorf("purged %d before grace elapsed", purged)
	}
	if e.Len() != 2 {
		t.Fatalf("len: got %d, want 2", e.Len())
	}
	// Y (resolved at t0) expires after grace; X stays until window+grace.
	if _, purged := e.Sweep(t0.Add(5 * time.Minute)); purged != 1 {
		t.Errorf("purged: got %d, want 1", purged)
	}
	if _, purged := e.Sweep(t0.Add(20 * time.Minute)); purged != 1 {
		t.Errorf("purged: got %d, want 1", purged)
	}
	if e.Len() != 0 {
		t.Errorf("len: got %d, want 0", e.Len())
	}
	if rec, ok := e.Get(ev.Fingerprint); ok || rec.State != StateUnseen {
		t.Errorf("purged record should read as unseen, got %+v", rec)
	}
}

func TestFlush_EmitsPendingDigests(t *testing.T) {
	e := New(4, testOpts())
	e.Process(firing("X", t0), t0)
	e.Process(firing("X", t0.Add(time.Minute)), t0.Add(time.Minute))
	e.Process(firing("Y", t0), t0)

	out := e.Flush()
	if len(out) != 1 || out[0].Identity != "X" {
		t.Fatalf("flush: got %+v, want one digest for X", out)
	}
	if again := e.Flush(); len(again) != 0 {
		t.Errorf("second flush: got %d digests", len(again))
	}
}

func TestProcess_AtMostOneNotificationPerWindow(t *testing.T) {
	e := New(8, testOpts())
	ids := []string{"a", "b", "c", "d"}

	var mu sync.Mutex
	notified := map[string]int{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := ids[(g+i)%len(ids)]
				at := t0.Add(time.Duration(i) * time.Second)
				if d := e.Process(firing(id, at), at); d.Forward() {
					mu.Lock()
					notified[id]++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()
	for _, id := range ids {
		if notified[id] != 1 {
			t.Errorf("%s notified %d times, want 1", id, notified[id])
		}
	}
}
