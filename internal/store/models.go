package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type OperationKind string

const (
	OpCreate OperationKind = "CREATE"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
	OpPatch  OperationKind = "PATCH"
	OpMerge  OperationKind = "MERGE"
	OpUpsert OperationKind = "UPSERT"
)

func ParseOperationKind(s string) (OperationKind, error) {
	switch OperationKind(s) {
	case OpCreate, OpUpdate, OpDelete, OpPatch, OpMerge, OpUpsert:
		return OperationKind(s), nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// Priority ranks queue entries; lower rank syncs first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

var priorityNames = map[Priority]string{
	PriorityCritical:   "CRITICAL",
	PriorityHigh:       "HIGH",
	PriorityNormal:     "NORMAL",
	PriorityLow:        "LOW",
	PriorityBackground: "BACKGROUND",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

type EntryStatus string

const (
	StatusPending         EntryStatus = "PENDING"
	StatusInProgress      EntryStatus = "IN_PROGRESS"
	StatusCompleted       EntryStatus = "COMPLETED"
	StatusFailed          EntryStatus = "FAILED"
	StatusConflict        EntryStatus = "CONFLICT"
	StatusExpired         EntryStatus = "EXPIRED"
	StatusCancelled       EntryStatus = "CANCELLED"
	StatusPaused          EntryStatus = "PAUSED"
	StatusWaitingApproval EntryStatus = "WAITING_APPROVAL"
	StatusBlocked         EntryStatus = "BLOCKED"
)

// Terminal reports whether no further transition is possible from s.
func (s EntryStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// QueueEntry is one queued mutation awaiting replay against the server.
type QueueEntry struct {
	ID              string          `db:"id"`
	DeviceID        string          `db:"device_id"`
	UserID          string          `db:"user_id"`
	OperationID     string          `db:"operation_id"`
	SequenceNumber  int64           `db:"sequence_number"`
	Kind            OperationKind   `db:"operation_kind"`
	EntityType      string          `db:"entity_type"`
	EntityID        string          `db:"entity_id"`
	Payload         json.RawMessage `db:"payload"`
	PreviousVersion sql.NullInt64   `db:"previous_version"`
	Priority        Priority        `db:"priority"`
	Status          EntryStatus     `db:"status"`
	RetryCount      int             `db:"retry_count"`
	MaxRetries      int             `db:"max_retries"`
	NextRetryAt     sql.NullTime    `db:"next_retry_at"`
	DependsOn       []string        `db:"depends_on"` // operation IDs, stored as JSON
	HasConflict     bool            `db:"has_conflict"`
	ConflictID      sql.NullString  `db:"conflict_id"`
	LastError       sql.NullString  `db:"last_error"`
	ExpiresAt       sql.NullTime    `db:"expires_at"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// Expired reports whether the entry's expiry deadline has passed.
func (e *QueueEntry) Expired(now time.Time) bool {
	return e.ExpiresAt.Valid && !now.Before(e.ExpiresAt.Time)
}

type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "UPDATE_UPDATE"
	ConflictUpdateDelete ConflictType = "UPDATE_DELETE"
	ConflictDeleteUpdate ConflictType = "DELETE_UPDATE"
	ConflictCreateCreate ConflictType = "CREATE_CREATE"
	ConflictFieldLevel   ConflictType = "FIELD_LEVEL"
)

type ConflictStatus string

const (
	ConflictDetected      ConflictStatus = "DETECTED"
	ConflictAutoResolving ConflictStatus = "AUTO_RESOLVING"
	ConflictPendingManual ConflictStatus = "PENDING_MANUAL"
	ConflictResolved      ConflictStatus = "RESOLVED"
)

type ResolutionStrategy string

const (
	ResolveClientWins      ResolutionStrategy = "CLIENT_WINS"
	ResolveServerWins      ResolutionStrategy = "SERVER_WINS"
	ResolveNewestWins      ResolutionStrategy = "NEWEST_WINS"
	ResolveFieldLevelMerge ResolutionStrategy = "FIELD_LEVEL_MERGE"
	ResolveManual          ResolutionStrategy = "MANUAL"
	ResolveCustom          ResolutionStrategy = "CUSTOM"
)

func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case ResolveClientWins, ResolveServerWins, ResolveNewestWins,
		ResolveFieldLevelMerge, ResolveManual, ResolveCustom:
		return ResolutionStrategy(s), nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// VersionSnapshot is one side's view of an entity at conflict time.
type VersionSnapshot struct {
	Version    int64           `json:"version"`
	Timestamp  time.Time       `json:"timestamp"`
	ModifiedBy string          `json:"modifiedBy"`
	Data       json.RawMessage `json:"data"`
}

// FieldDiff describes one field path where the two sides diverge.
type FieldDiff struct {
	Path        string          `json:"path"`
	ClientValue json.RawMessage `json:"clientValue,omitempty"`
	ServerValue json.RawMessage `json:"serverValue,omitempty"`
	ClientOnly  bool            `json:"clientOnly,omitempty"`
	ServerOnly  bool            `json:"serverOnly,omitempty"`
}

type Resolution struct {
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedBy string             `json:"resolvedBy"`
	Data       json.RawMessage    `json:"data"`
	ResolvedAt time.Time          `json:"resolvedAt"`
}

// Conflict records a detected divergence for one queued operation.
type Conflict struct {
	ID                string           `db:"id"`
	OperationID       string           `db:"operation_id"`
	EntityType        string           `db:"entity_type"`
	EntityID          string           `db:"entity_id"`
	Type              ConflictType     `db:"conflict_type"`
	ClientVersion     VersionSnapshot  `db:"client_version"` // JSON column
	ServerVersion     VersionSnapshot  `db:"server_version"` // JSON column
	ConflictingFields []FieldDiff      `db:"conflicting_fields"`
	Status            ConflictStatus   `db:"status"`
	RequiresManual    bool             `db:"requires_manual"`
	Resolution        *Resolution      `db:"resolution"`
	DetectedAt        time.Time        `db:"detected_at"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Session aggregates activity on one device between going offline and
// draining its queue.
type Session struct {
	ID                  string        `db:"id"`
	DeviceID            string        `db:"device_id"`
	UserID              string        `db:"user_id"`
	StartedAt           time.Time     `db:"started_at"`
	EndedAt             sql.NullTime  `db:"ended_at"`
	Status              SessionStatus `db:"status"`
	OperationCount      int           `db:"operation_count"`
	CreateCount         int           `db:"create_count"`
	UpdateCount         int           `db:"update_count"`
	DeleteCount         int           `db:"delete_count"`
	SyncedOperations    int           `db:"synced_operations"`
	FailedOperations    int           `db:"failed_operations"`
	ConflictOperations  int           `db:"conflict_operations"`
	PendingOperations   int           `db:"pending_operations"`
	NetworkStatus       string        `db:"network_status"`
}

type RefreshStrategy string

const (
	RefreshOnConnect  RefreshStrategy = "ON_CONNECT"
	RefreshPeriodic   RefreshStrategy = "PERIODIC"
	RefreshOnDemand   RefreshStrategy = "ON_DEMAND"
	RefreshBackground RefreshStrategy = "BACKGROUND"
)

type EvictionPolicy string

const (
	EvictLRU      EvictionPolicy = "LRU"
	EvictLFU      EvictionPolicy = "LFU"
	EvictFIFO     EvictionPolicy = "FIFO"
	EvictTTL      EvictionPolicy = "TTL"
	EvictPriority EvictionPolicy = "PRIORITY"
)

// CacheScope bounds which entities a policy covers. Empty EntityTypes
// means all types; Filters match against entity attributes.
type CacheScope struct {
	OrganizationID string            `json:"organizationId,omitempty"`
	BranchID       string            `json:"branchId,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	EntityTypes    []string          `json:"entityTypes,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
}

// CachePolicy is the declarative cache budget for one scope.
type CachePolicy struct {
	ID              string          `db:"id"`
	Scope           CacheScope      `db:"scope"` // JSON column
	MaxCacheSizeMB  int             `db:"max_cache_size_mb"`
	DefaultTTL      time.Duration   `db:"default_ttl_seconds"`
	RefreshStrategy RefreshStrategy `db:"refresh_strategy"`
	EvictionPolicy  EvictionPolicy  `db:"eviction_policy"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// MaxCacheBytes converts the policy budget to bytes.
func (p *CachePolicy) MaxCacheBytes() int64 {
	return int64(p.MaxCacheSizeMB) * 1024 * 1024
}
