package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"offline-sync-engine/internal/store"
)

// fakeClock is a settable Clock with deterministic IDs.
type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
	seq int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return "id-" + string(rune('a'+c.seq/26)) + string(rune('a'+c.seq%26))
}

type testFixture struct {
	store    *store.MemoryStore
	clock    *fakeClock
	retry    *RetryScheduler
	sessions *SessionTracker
	queue    *QueueManager
	resolver *Resolver
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st := store.NewMemoryStore()
	clock := newFakeClock()
	retry := NewRetryScheduler(DefaultRetryPolicy(), clock)
	sessions := NewSessionTracker(st, clock)
	queue := NewQueueManager(st, clock, retry, sessions, 3, 0)
	resolver := NewResolver(st, clock)
	resolver.BindQueue(queue)
	return &testFixture{
		store:    st,
		clock:    clock,
		retry:    retry,
		sessions: sessions,
		queue:    queue,
		resolver: resolver,
	}
}

func testOp(deviceID, operationID string, kind store.OperationKind) Operation {
	op := Operation{
		DeviceID:    deviceID,
		UserID:      "user-1",
		OperationID: operationID,
		Kind:        kind,
		EntityType:  "record",
		Payload:     json.RawMessage(`{"value":1}`),
	}
	if kind != store.OpCreate {
		op.EntityID = "entity-1"
	}
	return op
}

func mustEnqueue(t *testing.T, f *testFixture, op Operation) *store.QueueEntry {
	t.Helper()
	entry, err := f.queue.Enqueue(context.Background(), op)
	if err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", op.OperationID, err)
	}
	return entry
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
