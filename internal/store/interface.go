package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrDuplicateOperation reports an insert that collided with an already
// queued operation_id. Callers treat the existing entry as the result.
var ErrDuplicateOperation = errors.New("duplicate operation id")

// QueueEntryUpdate is a partial update applied to a queue entry. Nil
// fields are left untouched.
type QueueEntryUpdate struct {
	Status           *EntryStatus
	RetryCount       *int
	NextRetryAt      *time.Time
	ClearNextRetryAt bool
	Payload          json.RawMessage
	HasConflict      *bool
	ConflictID       *string
	LastError        *string
}

// Store is the persistence contract for the sync engine. Implementations
// must provide per-row atomic read-modify-write: TransitionQueueEntry is a
// compare-and-set on status so entry transitions stay correct without
// in-process locking.
type Store interface {
	// Queue entries
	CreateQueueEntry(ctx context.Context, entry *QueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error)
	GetQueueEntryByOperationID(ctx context.Context, operationID string) (*QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, id string, upd QueueEntryUpdate) error
	// TransitionQueueEntry applies upd only if the entry's current status
	// equals from. Returns false when the guard fails.
	TransitionQueueEntry(ctx context.Context, id string, from EntryStatus, upd QueueEntryUpdate) (bool, error)
	FindPendingOperations(ctx context.Context, deviceID string) ([]*QueueEntry, error)
	FindRetryableOperations(ctx context.Context, now time.Time) ([]*QueueEntry, error)
	ListDevicesWithPending(ctx context.Context) ([]string, error)

	// Sequence numbers
	GetMaxSequenceNumber(ctx context.Context, deviceID string) (int64, error)
	// NextSequenceNumber atomically increments and returns the durable
	// per-device counter. Values are strictly increasing and never reused.
	NextSequenceNumber(ctx context.Context, deviceID string) (int64, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	UpdateConflict(ctx context.Context, conflict *Conflict) error
	FindConflictsByStatus(ctx context.Context, status ConflictStatus) ([]*Conflict, error)
	FindOpenConflictByOperationID(ctx context.Context, operationID string) (*Conflict, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	FindActiveSession(ctx context.Context, deviceID string) (*Session, error)

	// Cache policies
	CreateCachePolicy(ctx context.Context, policy *CachePolicy) error
	GetCachePolicy(ctx context.Context, id string) (*CachePolicy, error)
	UpdateCachePolicy(ctx context.Context, policy *CachePolicy) error
	DeleteCachePolicy(ctx context.Context, id string) error
	ListCachePolicies(ctx context.Context) ([]*CachePolicy, error)

	Close() error
}
