package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/store"
)

// allowedTransitions is the queue entry state machine. PAUSED,
// WAITING_APPROVAL and BLOCKED are parked forms of PENDING; FAILED and
// CONFLICT can return to PENDING for retry or post-resolution requeue.
var allowedTransitions = map[store.EntryStatus][]store.EntryStatus{
	store.StatusPending: {
		store.StatusInProgress, store.StatusCancelled, store.StatusExpired,
		store.StatusPaused, store.StatusWaitingApproval, store.StatusBlocked,
	},
	store.StatusPaused:          {store.StatusPending, store.StatusCancelled},
	store.StatusWaitingApproval: {store.StatusPending, store.StatusCancelled},
	store.StatusBlocked:         {store.StatusPending, store.StatusCancelled},
	store.StatusInProgress: {
		store.StatusCompleted, store.StatusFailed, store.StatusConflict,
		store.StatusPending, store.StatusExpired,
	},
	store.StatusFailed:   {store.StatusPending},
	store.StatusConflict: {store.StatusPending},
}

func transitionAllowed(from, to store.EntryStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionDetails carries optional context recorded with a transition.
type TransitionDetails struct {
	Reason     string
	ConflictID string
}

// QueueManager owns the per-device ordered queue of pending operations
// and every entry state transition.
type QueueManager struct {
	store      store.Store
	clock      Clock
	retry      *RetryScheduler
	sessions   *SessionTracker
	maxRetries int
	entryTTL   time.Duration

	// onWake is called after an enqueue or requeue so the device loop can
	// offer the entry for transport immediately when online.
	onWake func(deviceID string)
}

func NewQueueManager(st store.Store, clock Clock, retry *RetryScheduler, sessions *SessionTracker, maxRetries int, entryTTL time.Duration) *QueueManager {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &QueueManager{
		store:      st,
		clock:      clock,
		retry:      retry,
		sessions:   sessions,
		maxRetries: maxRetries,
		entryTTL:   entryTTL,
	}
}

func (q *QueueManager) OnWake(fn func(deviceID string)) { q.onWake = fn }

func (q *QueueManager) wake(deviceID string) {
	if q.onWake != nil {
		q.onWake(deviceID)
	}
}

func validateOperation(op Operation) error {
	if op.DeviceID == "" || op.UserID == "" || op.OperationID == "" || op.EntityType == "" {
		return fmt.Errorf("%w: deviceId, userId, operationId and entityType are required", ErrInvalidPayload)
	}
	if _, err := store.ParseOperationKind(string(op.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch op.Kind {
	case store.OpUpdate, store.OpDelete, store.OpPatch:
		if op.EntityID == "" {
			return fmt.Errorf("%w: %s requires an entity id", ErrInvalidPayload, op.Kind)
		}
	case store.OpCreate:
		if op.EntityID != "" {
			return fmt.Errorf("%w: CREATE must not carry an entity id", ErrInvalidPayload)
		}
	}
	if op.Kind != store.OpDelete && len(op.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidPayload, op.Kind)
	}
	return nil
}

// Enqueue validates and persists an operation with the next sequence
// number for its device. Replaying the same operationId is a no-op and
// returns the existing entry.
func (q *QueueManager) Enqueue(ctx context.Context, op Operation) (*store.QueueEntry, error) {
	if err := validateOperation(op); err != nil {
		return nil, err
	}

	if existing, err := q.store.GetQueueEntryByOperationID(ctx, op.OperationID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	seq, err := q.store.NextSequenceNumber(ctx, op.DeviceID)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	entry := &store.QueueEntry{
		ID:             q.clock.NewID(),
		DeviceID:       op.DeviceID,
		UserID:         op.UserID,
		OperationID:    op.OperationID,
		SequenceNumber: seq,
		Kind:           op.Kind,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Payload:        op.Payload,
		Priority:       op.Priority,
		Status:         store.StatusPending,
		MaxRetries:     op.MaxRetries,
		DependsOn:      op.DependsOn,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if entry.Priority == 0 {
		entry.Priority = store.PriorityNormal
	}
	if entry.MaxRetries == 0 {
		entry.MaxRetries = q.maxRetries
	}
	if op.PreviousVersion != nil {
		entry.PreviousVersion = sql.NullInt64{Int64: *op.PreviousVersion, Valid: true}
	}
	switch {
	case op.ExpiresAt != nil:
		entry.ExpiresAt = sql.NullTime{Time: *op.ExpiresAt, Valid: true}
	case q.entryTTL > 0:
		entry.ExpiresAt = sql.NullTime{Time: now.Add(q.entryTTL), Valid: true}
	}

	if err := q.store.CreateQueueEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateOperation) {
			// Lost a concurrent enqueue of the same operation; return the
			// winner and count nothing twice.
			return q.store.GetQueueEntryByOperationID(ctx, op.OperationID)
		}
		return nil, err
	}
	if err := q.sessions.RecordEnqueued(ctx, op.UserID, op.DeviceID, op.Kind); err != nil {
		return nil, err
	}

	logger.Log.Debug("Operation enqueued",
		zap.String("entryID", entry.ID),
		zap.String("deviceID", entry.DeviceID),
		zap.String("operationID", entry.OperationID),
		zap.Int64("sequence", entry.SequenceNumber),
		zap.String("kind", string(entry.Kind)),
	)

	q.wake(op.DeviceID)
	return entry, nil
}

// SelectNextEligible returns the next PENDING entry for the device that
// is past its retry timer and whose dependencies are all COMPLETED.
// Ordering is priority rank then sequence number. Entries past their
// expiry are transitioned to EXPIRED as they are encountered.
func (q *QueueManager) SelectNextEligible(ctx context.Context, deviceID string) (*store.QueueEntry, error) {
	pending, err := q.store.FindPendingOperations(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	for _, entry := range pending {
		if entry.Expired(now) {
			if err := q.Transition(ctx, entry.ID, store.StatusExpired, TransitionDetails{Reason: "expired before sync"}); err != nil {
				logger.Log.Warn("Failed to expire entry", zap.String("entryID", entry.ID), zap.Error(err))
			}
			continue
		}
		if entry.NextRetryAt.Valid && now.Before(entry.NextRetryAt.Time) {
			continue
		}
		ok, err := q.dependenciesMet(ctx, entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return entry, nil
	}
	return nil, nil
}

func (q *QueueManager) dependenciesMet(ctx context.Context, entry *store.QueueEntry) (bool, error) {
	for _, depID := range entry.DependsOn {
		dep, err := q.store.GetQueueEntryByOperationID(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != store.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// NextWakeTime returns the earliest retry timer among the device's
// pending entries, so the loop can sleep instead of polling.
func (q *QueueManager) NextWakeTime(ctx context.Context, deviceID string) (time.Time, bool, error) {
	pending, err := q.store.FindPendingOperations(ctx, deviceID)
	if err != nil {
		return time.Time{}, false, err
	}
	var earliest time.Time
	found := false
	for _, entry := range pending {
		if !entry.NextRetryAt.Valid {
			continue
		}
		if !found || entry.NextRetryAt.Time.Before(earliest) {
			earliest = entry.NextRetryAt.Time
			found = true
		}
	}
	return earliest, found, nil
}

// Transition moves an entry to newStatus, enforcing the state machine
// with a compare-and-set on the current status. Terminal transitions are
// reported to the session tracker.
func (q *QueueManager) Transition(ctx context.Context, entryID string, newStatus store.EntryStatus, details TransitionDetails) error {
	entry, err := q.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("queue entry %s not found", entryID)
	}
	if !transitionAllowed(entry.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, newStatus)
	}

	upd := store.QueueEntryUpdate{Status: &newStatus}
	if details.Reason != "" {
		upd.LastError = &details.Reason
	}
	if details.ConflictID != "" {
		hasConflict := true
		upd.ConflictID = &details.ConflictID
		upd.HasConflict = &hasConflict
	}

	ok, err := q.store.TransitionQueueEntry(ctx, entryID, entry.Status, upd)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race; the entry moved under us.
		return fmt.Errorf("%w: entry %s no longer %s", ErrInvalidTransition, entryID, entry.Status)
	}

	q.recordOutcome(ctx, entry.DeviceID, newStatus)
	if newStatus == store.StatusCompleted {
		q.wakeDependents(ctx, entry.DeviceID)
	}
	return nil
}

// wakeDependents nudges other devices' loops after a completion. An
// entry gated on dependsOn becomes eligible only when its dependency
// completes, and that dependency may belong to another device.
func (q *QueueManager) wakeDependents(ctx context.Context, completedDevice string) {
	devices, err := q.store.ListDevicesWithPending(ctx)
	if err != nil {
		logger.Log.Warn("Failed to list devices after completion", zap.Error(err))
		return
	}
	for _, deviceID := range devices {
		if deviceID != completedDevice {
			q.wake(deviceID)
		}
	}
}

func (q *QueueManager) recordOutcome(ctx context.Context, deviceID string, status store.EntryStatus) {
	var outcome Outcome
	switch status {
	case store.StatusCompleted:
		outcome = OutcomeSynced
	case store.StatusFailed:
		outcome = OutcomeFailed
	case store.StatusConflict:
		outcome = OutcomeConflict
	case store.StatusCancelled:
		outcome = OutcomeCancelled
	case store.StatusExpired:
		outcome = OutcomeExpired
	default:
		return
	}
	if err := q.sessions.RecordOutcome(ctx, deviceID, outcome); err != nil {
		logger.Log.Warn("Failed to record session outcome",
			zap.String("deviceID", deviceID), zap.Error(err))
	}
}

// Cancel moves a PENDING or PAUSED entry to CANCELLED. Sequence numbers
// of cancelled entries are never reassigned.
func (q *QueueManager) Cancel(ctx context.Context, entryID string) error {
	entry, err := q.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("queue entry %s not found", entryID)
	}
	if entry.Status != store.StatusPending && entry.Status != store.StatusPaused {
		return fmt.Errorf("%w: cannot cancel entry in %s", ErrInvalidTransition, entry.Status)
	}
	return q.Transition(ctx, entryID, store.StatusCancelled, TransitionDetails{Reason: "cancelled by caller"})
}

// HandleFailure drives the retry policy after a transport failure on an
// IN_PROGRESS entry. Expired entries are never retried; terminal errors
// and exhausted budgets go to FAILED; otherwise the entry returns to
// PENDING with a backoff timer.
func (q *QueueManager) HandleFailure(ctx context.Context, entry *store.QueueEntry, cause error) error {
	reason := cause.Error()

	if entry.Expired(q.clock.Now()) {
		return q.Transition(ctx, entry.ID, store.StatusExpired, TransitionDetails{Reason: reason})
	}
	if !q.retry.Retryable(cause) {
		return q.Transition(ctx, entry.ID, store.StatusFailed, TransitionDetails{Reason: reason})
	}

	retryCount := entry.RetryCount + 1
	if retryCount >= entry.MaxRetries {
		upd := store.QueueEntryUpdate{RetryCount: &retryCount, ClearNextRetryAt: true}
		if _, err := q.store.TransitionQueueEntry(ctx, entry.ID, store.StatusInProgress, upd); err != nil {
			return err
		}
		return q.Transition(ctx, entry.ID, store.StatusFailed, TransitionDetails{Reason: reason})
	}

	nextRetry := q.retry.NextRetryAt(retryCount)
	pending := store.StatusPending
	upd := store.QueueEntryUpdate{
		Status:      &pending,
		RetryCount:  &retryCount,
		NextRetryAt: &nextRetry,
		LastError:   &reason,
	}
	ok, err := q.store.TransitionQueueEntry(ctx, entry.ID, store.StatusInProgress, upd)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: entry %s no longer in progress", ErrInvalidTransition, entry.ID)
	}

	logger.Log.Debug("Retry scheduled",
		zap.String("entryID", entry.ID),
		zap.Int("retryCount", retryCount),
		zap.Time("nextRetryAt", nextRetry),
	)
	return nil
}

// RequeueResolved replaces the entry's payload with the resolved
// snapshot, clears the conflict flag and returns it to PENDING for
// re-transport.
func (q *QueueManager) RequeueResolved(ctx context.Context, operationID string, payload json.RawMessage, conflictID string) error {
	entry, err := q.store.GetQueueEntryByOperationID(ctx, operationID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no queue entry for operation %s", operationID)
	}
	if !transitionAllowed(entry.Status, store.StatusPending) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, store.StatusPending)
	}

	pending := store.StatusPending
	noConflict := false
	empty := ""
	upd := store.QueueEntryUpdate{
		Status:           &pending,
		Payload:          payload,
		HasConflict:      &noConflict,
		ConflictID:       &empty,
		LastError:        &empty,
		ClearNextRetryAt: true,
	}
	ok, err := q.store.TransitionQueueEntry(ctx, entry.ID, entry.Status, upd)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: entry %s moved during requeue", ErrInvalidTransition, entry.ID)
	}

	q.wake(entry.DeviceID)
	return nil
}
