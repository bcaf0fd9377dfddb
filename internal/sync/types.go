package sync

import (
	"context"
	"encoding/json"
	"time"

	"offline-sync-engine/internal/store"
)

// Operation is a client-originated mutation handed to Enqueue. The engine
// has no knowledge of what the entity represents; payload is opaque.
type Operation struct {
	DeviceID        string              `json:"deviceId"`
	UserID          string              `json:"userId"`
	OperationID     string              `json:"operationId"` // idempotency key
	Kind            store.OperationKind `json:"operationKind"`
	EntityType      string              `json:"entityType"`
	EntityID        string              `json:"entityId,omitempty"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	PreviousVersion *int64              `json:"previousVersion,omitempty"`
	Priority        store.Priority      `json:"priority,omitempty"`
	MaxRetries      int                 `json:"maxRetries,omitempty"`
	DependsOn       []string            `json:"dependsOn,omitempty"`
	ExpiresAt       *time.Time          `json:"expiresAt,omitempty"`
}

// TransportResult is the server's answer to one replayed operation.
type TransportResult struct {
	Accepted       bool
	HasConflict    bool
	ServerSnapshot *store.VersionSnapshot
	Err            error
}

// Transport replays one operation against the authoritative server. The
// actual protocol is up to the implementation.
type Transport interface {
	SyncToServer(ctx context.Context, entry *store.QueueEntry) (*TransportResult, error)
}
