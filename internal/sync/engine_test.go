package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/store"
)

// fakeTransport scripts server answers and records replay order. Engine
// tests run against the real clock with millisecond retry delays.
type fakeTransport struct {
	mu    stdsync.Mutex
	fn    func(entry *store.QueueEntry) (*TransportResult, error)
	calls []string
}

func (ft *fakeTransport) SyncToServer(ctx context.Context, entry *store.QueueEntry) (*TransportResult, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.calls = append(ft.calls, entry.OperationID)
	return ft.fn(entry)
}

func (ft *fakeTransport) callCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.calls)
}

func (ft *fakeTransport) callOrder() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]string, len(ft.calls))
	copy(out, ft.calls)
	return out
}

func acceptAll(entry *store.QueueEntry) (*TransportResult, error) {
	return &TransportResult{Accepted: true}, nil
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxRetries:                3,
		RetryBaseDelay:            "1ms",
		RetryMultiplier:           2,
		RetryMaxDelay:             "10ms",
		AutoResolveConflicts:      true,
		DefaultResolutionStrategy: "NEWEST_WINS",
	}
}

func newEngine(t *testing.T, cfg config.SyncConfig, transport Transport, online bool) (*Engine, *store.MemoryStore, *ManualMonitor) {
	t.Helper()
	st := store.NewMemoryStore()
	monitor := NewManualMonitor(NetworkStatus{IsOnline: online, ConnectionType: "wifi"})
	engine := NewEngine(cfg, st, transport, monitor, nil)
	return engine, st, monitor
}

func entryStatus(t *testing.T, st *store.MemoryStore, id string) store.EntryStatus {
	t.Helper()
	entry, err := st.GetQueueEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("GetQueueEntry failed: %v", err)
	}
	if entry == nil {
		t.Fatalf("entry %s disappeared", id)
	}
	return entry.Status
}

func TestEngine_DrainsQueueInPriorityOrder(t *testing.T) {
	transport := &fakeTransport{fn: acceptAll}
	engine, st, _ := newEngine(t, testSyncConfig(), transport, true)
	ctx := context.Background()

	low := testOp("dev-1", "op-low", store.OpUpdate)
	low.Priority = store.PriorityBackground
	crit := testOp("dev-1", "op-crit", store.OpUpdate)
	crit.Priority = store.PriorityCritical
	norm := testOp("dev-1", "op-norm", store.OpUpdate)

	var ids []string
	for _, op := range []Operation{low, crit, norm} {
		entry, err := engine.Queue().Enqueue(ctx, op)
		if err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", op.OperationID, err)
		}
		ids = append(ids, entry.ID)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool {
		for _, id := range ids {
			if entryStatus(t, st, id) != store.StatusCompleted {
				return false
			}
		}
		return true
	})

	got := transport.callOrder()
	want := []string{"op-crit", "op-norm", "op-low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay order = %v, want %v", got, want)
		}
	}

	// Queue drained, so the offline session can close.
	sess, err := engine.Sessions().EndSession(ctx, "dev-1")
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if sess.SyncedOperations != 3 {
		t.Errorf("SyncedOperations = %d, want 3", sess.SyncedOperations)
	}
}

func TestEngine_OfflineHoldsWorkUntilReconnect(t *testing.T) {
	transport := &fakeTransport{fn: acceptAll}
	engine, st, monitor := newEngine(t, testSyncConfig(), transport, false)
	ctx := context.Background()

	entry, err := engine.Queue().Enqueue(ctx, testOp("dev-1", "op-1", store.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	time.Sleep(20 * time.Millisecond)
	if got := entryStatus(t, st, entry.ID); got != store.StatusPending {
		t.Fatalf("entry replayed while offline, status=%s", got)
	}
	if transport.callCount() != 0 {
		t.Fatal("transport reached while offline")
	}

	monitor.Set(NetworkStatus{IsOnline: true, ConnectionType: "wifi"})

	waitFor(t, 2*time.Second, func() bool {
		return entryStatus(t, st, entry.ID) == store.StatusCompleted
	})
}

func TestEngine_RetriesThenFails(t *testing.T) {
	transport := &fakeTransport{fn: func(entry *store.QueueEntry) (*TransportResult, error) {
		return nil, &TransportError{Code: 0, Message: "connection refused"}
	}}
	cfg := testSyncConfig()
	cfg.MaxRetries = 2
	engine, st, _ := newEngine(t, cfg, transport, true)
	ctx := context.Background()

	entry, err := engine.Queue().Enqueue(ctx, testOp("dev-1", "op-1", store.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return entryStatus(t, st, entry.ID) == store.StatusFailed
	})

	stored, _ := st.GetQueueEntry(ctx, entry.ID)
	if stored.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", stored.RetryCount)
	}
	if stored.NextRetryAt.Valid {
		t.Error("failed entry should carry no retry timer")
	}
	if got := transport.callCount(); got != 2 {
		t.Errorf("transport called %d times, want 2", got)
	}
}

func TestEngine_TerminalErrorFailsWithoutRetry(t *testing.T) {
	transport := &fakeTransport{fn: func(entry *store.QueueEntry) (*TransportResult, error) {
		return nil, &TransportError{Code: 422, Message: "validation failed"}
	}}
	engine, st, _ := newEngine(t, testSyncConfig(), transport, true)
	ctx := context.Background()

	entry, err := engine.Queue().Enqueue(ctx, testOp("dev-1", "op-1", store.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return entryStatus(t, st, entry.ID) == store.StatusFailed
	})
	if got := transport.callCount(); got != 1 {
		t.Errorf("terminal error retried: %d transport calls", got)
	}
}

func TestEngine_ConflictAutoResolvesAndCompletes(t *testing.T) {
	serverSnapshot := &store.VersionSnapshot{
		Version:    7,
		Timestamp:  time.Now().UTC().Add(-time.Hour),
		ModifiedBy: "other-device",
		Data:       []byte(`{"value":99}`),
	}
	transport := &fakeTransport{}
	transport.fn = func(entry *store.QueueEntry) (*TransportResult, error) {
		if len(transport.calls) == 1 {
			return &TransportResult{HasConflict: true, ServerSnapshot: serverSnapshot}, nil
		}
		return &TransportResult{Accepted: true}, nil
	}
	engine, st, _ := newEngine(t, testSyncConfig(), transport, true)
	ctx := context.Background()

	entry, err := engine.Queue().Enqueue(ctx, testOp("dev-1", "op-1", store.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	// NEWEST_WINS resolves for the client write, requeues the entry and
	// the second replay is accepted.
	waitFor(t, 2*time.Second, func() bool {
		return entryStatus(t, st, entry.ID) == store.StatusCompleted
	})

	conflict, err := st.FindOpenConflictByOperationID(ctx, "op-1")
	if err != nil {
		t.Fatalf("FindOpenConflictByOperationID failed: %v", err)
	}
	if conflict != nil {
		t.Errorf("conflict still open after auto-resolution: %+v", conflict)
	}
	if got := transport.callCount(); got != 2 {
		t.Errorf("transport called %d times, want 2", got)
	}

	stored, _ := st.GetQueueEntry(ctx, entry.ID)
	if stored.HasConflict {
		t.Error("hasConflict flag not cleared")
	}
}

func TestEngine_ManualConflictParksThenResolves(t *testing.T) {
	serverSnapshot := &store.VersionSnapshot{
		Version:    7,
		Timestamp:  time.Now().UTC(),
		ModifiedBy: "other-device",
		Data:       []byte(`{"value":99}`),
	}
	transport := &fakeTransport{}
	transport.fn = func(entry *store.QueueEntry) (*TransportResult, error) {
		if len(transport.calls) == 1 {
			return &TransportResult{HasConflict: true, ServerSnapshot: serverSnapshot}, nil
		}
		return &TransportResult{Accepted: true}, nil
	}
	cfg := testSyncConfig()
	cfg.AutoResolveConflicts = false
	engine, st, _ := newEngine(t, cfg, transport, true)
	ctx := context.Background()

	entry, err := engine.Queue().Enqueue(ctx, testOp("dev-1", "op-1", store.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return entryStatus(t, st, entry.ID) == store.StatusConflict
	})

	conflict, err := st.FindOpenConflictByOperationID(ctx, "op-1")
	if err != nil || conflict == nil {
		t.Fatalf("expected an open conflict, got %+v err=%v", conflict, err)
	}
	if conflict.Status != store.ConflictPendingManual {
		t.Fatalf("conflict status = %s, want PENDING_MANUAL", conflict.Status)
	}

	if _, err := engine.Resolver().Resolve(ctx, conflict.ID, store.ResolveServerWins, nil, "operator"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return entryStatus(t, st, entry.ID) == store.StatusCompleted
	})
}

func TestEngine_CancelledEntryNeverReplayed(t *testing.T) {
	transport := &fakeTransport{fn: acceptAll}
	engine, st, monitor := newEngine(t, testSyncConfig(), transport, false)
	ctx := context.Background()

	entry, err := engine.Queue().Enqueue(ctx, testOp("dev-1", "op-1", store.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	if err := engine.Queue().Cancel(ctx, entry.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	monitor.Set(NetworkStatus{IsOnline: true, ConnectionType: "wifi"})

	time.Sleep(20 * time.Millisecond)
	if got := entryStatus(t, st, entry.ID); got != store.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got)
	}
	if transport.callCount() != 0 {
		t.Error("cancelled entry reached the transport")
	}
}

func TestEngine_StopReturnsWhileConflictsCycle(t *testing.T) {
	// A conflicting replay auto-resolves, requeues and wakes the device
	// loop on every cycle, so Stop races the wake path continuously. It
	// must still return promptly.
	serverSnapshot := &store.VersionSnapshot{
		Version:    7,
		Timestamp:  time.Now().UTC().Add(-time.Hour),
		ModifiedBy: "other-device",
		Data:       []byte(`{"value":99}`),
	}
	transport := &fakeTransport{fn: func(entry *store.QueueEntry) (*TransportResult, error) {
		return &TransportResult{HasConflict: true, ServerSnapshot: serverSnapshot}, nil
	}}
	engine, _, _ := newEngine(t, testSyncConfig(), transport, true)
	ctx := context.Background()

	if _, err := engine.Queue().Enqueue(ctx, testOp("dev-1", "op-1", store.OpUpdate)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return transport.callCount() > 2
	})

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while device loops were active")
	}
	if got := engine.GetStatus(); got != "idle" {
		t.Errorf("status after Stop = %s, want idle", got)
	}
}

func TestEngine_SweepCachesFiresPeriodicRefresh(t *testing.T) {
	transport := &fakeTransport{fn: acceptAll}
	engine, st, _ := newEngine(t, testSyncConfig(), transport, true)
	ctx := context.Background()

	periodic := &store.CachePolicy{
		ID:              "p-periodic",
		Scope:           store.CacheScope{EntityTypes: []string{"record"}},
		MaxCacheSizeMB:  1,
		RefreshStrategy: store.RefreshPeriodic,
		EvictionPolicy:  store.EvictLRU,
	}
	onDemand := &store.CachePolicy{
		ID:              "p-demand",
		Scope:           store.CacheScope{EntityTypes: []string{"record"}},
		MaxCacheSizeMB:  1,
		RefreshStrategy: store.RefreshOnDemand,
		EvictionPolicy:  store.EvictLRU,
	}
	if err := st.CreateCachePolicy(ctx, periodic); err != nil {
		t.Fatalf("CreateCachePolicy failed: %v", err)
	}
	if err := st.CreateCachePolicy(ctx, onDemand); err != nil {
		t.Fatalf("CreateCachePolicy failed: %v", err)
	}

	var mu stdsync.Mutex
	var refreshed []string
	engine.OnCacheRefresh(func(policy *store.CachePolicy) {
		mu.Lock()
		refreshed = append(refreshed, policy.ID)
		mu.Unlock()
	})

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	engine.SweepCaches(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(refreshed) != 1 || refreshed[0] != "p-periodic" {
		t.Errorf("refreshed = %v, want only p-periodic", refreshed)
	}
}
