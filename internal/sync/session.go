package sync

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/store"
)

// Outcome is the terminal disposition of a queue entry, as counted by
// the session tracker.
type Outcome string

const (
	OutcomeSynced    Outcome = "SYNCED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeConflict  Outcome = "CONFLICT"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeExpired   Outcome = "EXPIRED"
)

// SessionTracker aggregates per-device activity between going offline
// and draining the queue. The active-session lookup is persisted; the
// in-memory map is only a cache of that lookup, so correctness does not
// depend on process lifetime.
type SessionTracker struct {
	store store.Store
	clock Clock

	mu     sync.Mutex
	active map[string]string      // deviceID → session ID
	locks  map[string]*sync.Mutex // deviceID → counter update guard
}

func NewSessionTracker(st store.Store, clock Clock) *SessionTracker {
	return &SessionTracker{
		store:  st,
		clock:  clock,
		active: make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
	}
}

// deviceLock serializes read-modify-writes of one device's session row.
// Counter updates go through GetSession → increment → UpdateSession, so
// concurrent enqueues and loop outcomes would otherwise lose updates.
func (t *SessionTracker) deviceLock(deviceID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[deviceID] = l
	}
	return l
}

// StartSession returns the device's ACTIVE session, creating one if none
// exists.
func (t *SessionTracker) StartSession(ctx context.Context, userID, deviceID string) (*store.Session, error) {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()
	return t.startSession(ctx, userID, deviceID)
}

func (t *SessionTracker) startSession(ctx context.Context, userID, deviceID string) (*store.Session, error) {
	if sess, err := t.lookupActive(ctx, deviceID); err != nil || sess != nil {
		return sess, err
	}

	sess := &store.Session{
		ID:            t.clock.NewID(),
		DeviceID:      deviceID,
		UserID:        userID,
		StartedAt:     t.clock.Now(),
		Status:        store.SessionActive,
		NetworkStatus: "offline",
	}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.active[deviceID] = sess.ID
	t.mu.Unlock()

	logger.Log.Info("Offline session started",
		zap.String("sessionID", sess.ID),
		zap.String("deviceID", deviceID),
		zap.String("userID", userID),
	)
	return sess, nil
}

func (t *SessionTracker) lookupActive(ctx context.Context, deviceID string) (*store.Session, error) {
	t.mu.Lock()
	id, ok := t.active[deviceID]
	t.mu.Unlock()

	if ok {
		sess, err := t.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.Status == store.SessionActive {
			return sess, nil
		}
		// Stale cache entry; fall through to the persisted lookup.
		t.mu.Lock()
		delete(t.active, deviceID)
		t.mu.Unlock()
	}

	sess, err := t.store.FindActiveSession(ctx, deviceID)
	if err != nil || sess == nil {
		return nil, err
	}
	t.mu.Lock()
	t.active[deviceID] = sess.ID
	t.mu.Unlock()
	return sess, nil
}

// ActiveSession returns the device's ACTIVE session, or nil.
func (t *SessionTracker) ActiveSession(ctx context.Context, deviceID string) (*store.Session, error) {
	return t.lookupActive(ctx, deviceID)
}

// RecordEnqueued counts one accepted operation against the session,
// creating the session on first queued work.
func (t *SessionTracker) RecordEnqueued(ctx context.Context, userID, deviceID string, kind store.OperationKind) error {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	sess, err := t.startSession(ctx, userID, deviceID)
	if err != nil {
		return err
	}

	sess.OperationCount++
	sess.PendingOperations++
	switch kind {
	case store.OpCreate:
		sess.CreateCount++
	case store.OpUpdate, store.OpPatch, store.OpMerge, store.OpUpsert:
		sess.UpdateCount++
	case store.OpDelete:
		sess.DeleteCount++
	}
	return t.store.UpdateSession(ctx, sess)
}

// RecordOutcome counts a terminal transition. Conflicts are counted but
// keep their operation pending: the entry requeues after resolution.
func (t *SessionTracker) RecordOutcome(ctx context.Context, deviceID string, outcome Outcome) error {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	sess, err := t.lookupActive(ctx, deviceID)
	if err != nil || sess == nil {
		return err
	}

	switch outcome {
	case OutcomeSynced:
		sess.SyncedOperations++
	case OutcomeFailed:
		sess.FailedOperations++
	case OutcomeConflict:
		sess.ConflictOperations++
	}
	if outcome != OutcomeConflict && sess.PendingOperations > 0 {
		sess.PendingOperations--
	}
	return t.store.UpdateSession(ctx, sess)
}

// SetNetworkStatus records the latest connectivity snapshot.
func (t *SessionTracker) SetNetworkStatus(ctx context.Context, deviceID, status string) error {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	sess, err := t.lookupActive(ctx, deviceID)
	if err != nil || sess == nil {
		return err
	}
	sess.NetworkStatus = status
	return t.store.UpdateSession(ctx, sess)
}

// EndSession closes the device's active session. Permitted only when no
// operations remain pending.
func (t *SessionTracker) EndSession(ctx context.Context, deviceID string) (*store.Session, error) {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	sess, err := t.lookupActive(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if sess.PendingOperations > 0 {
		return nil, ErrSessionHasPending
	}

	sess.Status = store.SessionCompleted
	sess.EndedAt = sql.NullTime{Time: t.clock.Now(), Valid: true}
	if err := t.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	t.mu.Lock()
	delete(t.active, deviceID)
	t.mu.Unlock()

	logger.Log.Info("Offline session completed",
		zap.String("sessionID", sess.ID),
		zap.String("deviceID", deviceID),
		zap.Int("operations", sess.OperationCount),
		zap.Int("synced", sess.SyncedOperations),
		zap.Int("failed", sess.FailedOperations),
		zap.Int("conflicts", sess.ConflictOperations),
	)
	return sess, nil
}
