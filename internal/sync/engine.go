package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/store"
)

// Engine is the sync orchestrator. It reacts to network-status changes,
// runs one worker loop per device, replays eligible queue entries through
// the transport and feeds results back into the conflict resolver and
// retry scheduler.
type Engine struct {
	cfg       config.SyncConfig
	store     store.Store
	transport Transport
	monitor   NetworkMonitor
	clock     Clock

	queue    *QueueManager
	resolver *Resolver
	retry    *RetryScheduler
	sessions *SessionTracker
	cache    *CacheEnforcer

	refreshFn func(policy *store.CachePolicy)

	mu     stdsync.Mutex
	status string
	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
	online atomic.Bool

	loopsMu stdsync.Mutex
	loops   map[string]chan struct{} // deviceID → wake channel
}

func NewEngine(cfg config.SyncConfig, st store.Store, transport Transport, monitor NetworkMonitor, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock()
	}

	retry := NewRetryScheduler(RetryPolicy{
		BaseDelay:  cfg.GetRetryBaseDelay(),
		Multiplier: cfg.RetryMultiplier,
		MaxDelay:   cfg.GetRetryMaxDelay(),
	}, clock)
	if retry.policy.Multiplier <= 0 {
		retry.policy.Multiplier = 2
	}

	sessions := NewSessionTracker(st, clock)
	queue := NewQueueManager(st, clock, retry, sessions, cfg.MaxRetries, cfg.GetEntryTTL())
	resolver := NewResolver(st, clock)
	resolver.BindQueue(queue)

	e := &Engine{
		cfg:       cfg,
		store:     st,
		transport: transport,
		monitor:   monitor,
		clock:     clock,
		queue:     queue,
		resolver:  resolver,
		retry:     retry,
		sessions:  sessions,
		cache:     NewCacheEnforcer(clock),
		status:    "idle",
		loops:     make(map[string]chan struct{}),
	}
	queue.OnWake(e.wakeDevice)
	return e
}

func (e *Engine) Queue() *QueueManager       { return e.queue }
func (e *Engine) Resolver() *Resolver        { return e.resolver }
func (e *Engine) Sessions() *SessionTracker  { return e.sessions }
func (e *Engine) Cache() *CacheEnforcer      { return e.cache }

// OnCacheRefresh registers the callback invoked when a policy's refresh
// strategy fires (ON_CONNECT on reconnect, PERIODIC from the scheduler).
func (e *Engine) OnCacheRefresh(fn func(policy *store.CachePolicy)) { e.refreshFn = fn }

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != "idle" {
		return fmt.Errorf("sync engine is already running")
	}

	logger.Log.Info("Starting sync engine")
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.online.Store(e.monitor.Status().IsOnline)

	e.wg.Add(1)
	go e.watchNetwork(e.monitor.Subscribe())

	// Resume loops for devices that queued work in a previous run.
	devices, err := e.store.ListDevicesWithPending(e.ctx)
	if err != nil {
		e.cancel()
		return fmt.Errorf("failed to list devices with pending work: %w", err)
	}
	for _, deviceID := range devices {
		e.spawnLoop(e.ctx, deviceID)
	}

	e.status = "running"
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if e.status != "running" {
		e.mu.Unlock()
		return
	}
	logger.Log.Info("Stopping sync engine")
	e.status = "stopping"
	cancel := e.cancel
	e.mu.Unlock()

	// Wait outside the lock: device loops take e.mu on their wake path.
	cancel()
	e.wg.Wait()

	e.loopsMu.Lock()
	e.loops = make(map[string]chan struct{})
	e.loopsMu.Unlock()

	e.mu.Lock()
	e.status = "idle"
	e.mu.Unlock()
}

func (e *Engine) GetStatus() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Online() bool { return e.online.Load() }

// wakeDevice nudges the device's loop, spawning it on first use.
func (e *Engine) wakeDevice(deviceID string) {
	wake := e.ensureLoop(deviceID)
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (e *Engine) ensureLoop(deviceID string) chan struct{} {
	e.mu.Lock()
	running := e.status == "running"
	ctx := e.ctx
	e.mu.Unlock()
	if !running {
		return nil
	}
	return e.spawnLoop(ctx, deviceID)
}

func (e *Engine) spawnLoop(ctx context.Context, deviceID string) chan struct{} {
	e.loopsMu.Lock()
	defer e.loopsMu.Unlock()
	if wake, ok := e.loops[deviceID]; ok {
		return wake
	}
	wake := make(chan struct{}, 1)
	e.loops[deviceID] = wake

	e.wg.Add(1)
	go e.deviceLoop(ctx, deviceID, wake)
	return wake
}

// deviceLoop processes one device's queue, strictly one operation in
// flight at a time so sequence ordering holds. It sleeps on retry timers
// and wake signals rather than polling.
func (e *Engine) deviceLoop(ctx context.Context, deviceID string, wake chan struct{}) {
	defer e.wg.Done()

	logger.Log.Debug("Device loop started", zap.String("deviceID", deviceID))

	for {
		if ctx.Err() != nil {
			return
		}
		if !e.online.Load() {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			continue
		}

		entry, err := e.queue.SelectNextEligible(ctx, deviceID)
		if err != nil {
			logger.Log.Error("Failed to select next eligible entry",
				zap.String("deviceID", deviceID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if entry == nil {
			e.idle(ctx, deviceID, wake)
			continue
		}

		e.process(ctx, entry)
	}
}

// idle blocks until the next retry timer, a wake signal, or shutdown.
func (e *Engine) idle(ctx context.Context, deviceID string, wake chan struct{}) {
	next, found, err := e.queue.NextWakeTime(ctx, deviceID)
	if err != nil {
		logger.Log.Warn("Failed to compute next wake time",
			zap.String("deviceID", deviceID), zap.Error(err))
		found = false
	}

	if !found {
		select {
		case <-ctx.Done():
		case <-wake:
		}
		return
	}

	delay := next.Sub(e.clock.Now())
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

// process replays one entry through the transport and routes the result.
// If the entry's row changed underneath (cancelled elsewhere), the
// compare-and-set transitions fail and the transport result is discarded.
func (e *Engine) process(ctx context.Context, entry *store.QueueEntry) {
	if err := e.queue.Transition(ctx, entry.ID, store.StatusInProgress, TransitionDetails{}); err != nil {
		logger.Log.Debug("Entry no longer eligible",
			zap.String("entryID", entry.ID), zap.Error(err))
		return
	}

	result, err := e.transport.SyncToServer(ctx, entry)
	if err == nil && result != nil && result.Err != nil {
		err = result.Err
	}

	switch {
	case err != nil:
		if ferr := e.queue.HandleFailure(ctx, entry, err); ferr != nil {
			if errors.Is(ferr, ErrInvalidTransition) {
				logger.Log.Debug("Discarding transport failure for moved entry",
					zap.String("entryID", entry.ID))
				return
			}
			logger.Log.Error("Failed to handle transport failure",
				zap.String("entryID", entry.ID), zap.Error(ferr))
		}

	case result.HasConflict:
		e.handleConflict(ctx, entry, result)

	case result.Accepted:
		if terr := e.queue.Transition(ctx, entry.ID, store.StatusCompleted, TransitionDetails{}); terr != nil {
			// Entry was cancelled while in flight; discard the result.
			logger.Log.Debug("Discarding transport result for moved entry",
				zap.String("entryID", entry.ID), zap.Error(terr))
			return
		}
		logger.Log.Debug("Operation synced",
			zap.String("entryID", entry.ID),
			zap.String("operationID", entry.OperationID),
		)

	default:
		if ferr := e.queue.HandleFailure(ctx, entry, &TransportError{Code: 500, Message: "server rejected operation"}); ferr != nil {
			logger.Log.Error("Failed to handle rejection",
				zap.String("entryID", entry.ID), zap.Error(ferr))
		}
	}
}

func (e *Engine) handleConflict(ctx context.Context, entry *store.QueueEntry, result *TransportResult) {
	clientVersion := store.VersionSnapshot{
		Version:    entry.PreviousVersion.Int64,
		Timestamp:  entry.CreatedAt,
		ModifiedBy: entry.UserID,
		Data:       entry.Payload,
	}
	var serverVersion store.VersionSnapshot
	if result.ServerSnapshot != nil {
		serverVersion = *result.ServerSnapshot
	}

	conflict, err := e.resolver.Open(ctx, entry, clientVersion, serverVersion)
	if err != nil {
		logger.Log.Error("Failed to open conflict",
			zap.String("entryID", entry.ID), zap.Error(err))
		if ferr := e.queue.HandleFailure(ctx, entry, err); ferr != nil {
			logger.Log.Error("Failed to park conflicting entry",
				zap.String("entryID", entry.ID), zap.Error(ferr))
		}
		return
	}

	if terr := e.queue.Transition(ctx, entry.ID, store.StatusConflict, TransitionDetails{ConflictID: conflict.ID}); terr != nil {
		logger.Log.Debug("Discarding conflict for moved entry",
			zap.String("entryID", entry.ID), zap.Error(terr))
		return
	}

	if !e.cfg.AutoResolveConflicts {
		conflict.Status = store.ConflictPendingManual
		conflict.RequiresManual = true
		if uerr := e.store.UpdateConflict(ctx, conflict); uerr != nil {
			logger.Log.Error("Failed to park conflict for manual resolution",
				zap.String("conflictID", conflict.ID), zap.Error(uerr))
		}
		return
	}

	strategy, err := store.ParseResolutionStrategy(e.cfg.DefaultResolutionStrategy)
	if err != nil {
		strategy = store.ResolveNewestWins
	}
	if rerr := e.resolver.AutoResolve(ctx, conflict, strategy); rerr != nil {
		// AutoResolve already parked the conflict for manual review.
		logger.Log.Warn("Conflict requires manual resolution",
			zap.String("conflictID", conflict.ID), zap.Error(rerr))
	}
}

func (e *Engine) watchNetwork(ch <-chan NetworkStatus) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case status := <-ch:
			wasOnline := e.online.Swap(status.IsOnline)
			logger.Log.Info("Network status changed",
				zap.Bool("isOnline", status.IsOnline),
				zap.String("connectionType", status.ConnectionType),
			)
			e.recordNetworkStatus(status)
			if status.IsOnline && !wasOnline {
				e.onReconnect()
			}
		}
	}
}

// onReconnect wakes every device loop and refreshes ON_CONNECT caches.
func (e *Engine) onReconnect() {
	devices, err := e.store.ListDevicesWithPending(e.ctx)
	if err != nil {
		logger.Log.Error("Failed to list devices on reconnect", zap.Error(err))
	}
	for _, deviceID := range devices {
		e.wakeDevice(deviceID)
	}

	e.loopsMu.Lock()
	for _, wake := range e.loops {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	e.loopsMu.Unlock()

	e.refreshCaches(store.RefreshOnConnect)
}

func (e *Engine) recordNetworkStatus(status NetworkStatus) {
	label := "offline"
	if status.IsOnline {
		label = status.ConnectionType
		if label == "" {
			label = "online"
		}
	}
	e.loopsMu.Lock()
	devices := make([]string, 0, len(e.loops))
	for deviceID := range e.loops {
		devices = append(devices, deviceID)
	}
	e.loopsMu.Unlock()

	for _, deviceID := range devices {
		if err := e.sessions.SetNetworkStatus(e.ctx, deviceID, label); err != nil {
			logger.Log.Warn("Failed to record network status",
				zap.String("deviceID", deviceID), zap.Error(err))
		}
	}
}

// SweepRetries wakes loops whose entries' retry timers are due. Called
// by the scheduler as a safety net alongside in-loop timers.
func (e *Engine) SweepRetries(ctx context.Context) {
	entries, err := e.store.FindRetryableOperations(ctx, e.clock.Now())
	if err != nil {
		logger.Log.Error("Retry sweep failed", zap.Error(err))
		return
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		if !seen[entry.DeviceID] {
			seen[entry.DeviceID] = true
			e.wakeDevice(entry.DeviceID)
		}
	}
}

// SweepCaches evicts TTL-expired cache entries and fires PERIODIC
// refreshes. Called by the scheduler.
func (e *Engine) SweepCaches(ctx context.Context) {
	policies, err := e.store.ListCachePolicies(ctx)
	if err != nil {
		logger.Log.Error("Cache sweep failed", zap.Error(err))
		return
	}
	for _, policy := range policies {
		e.cache.EvictExpired(policy)
	}
	e.refreshCaches(store.RefreshPeriodic)
}

func (e *Engine) refreshCaches(strategy store.RefreshStrategy) {
	if e.refreshFn == nil {
		return
	}
	policies, err := e.store.ListCachePolicies(e.ctx)
	if err != nil {
		logger.Log.Error("Failed to list cache policies", zap.Error(err))
		return
	}
	for _, policy := range policies {
		if policy.RefreshStrategy == strategy {
			e.refreshFn(policy)
		}
	}
}
