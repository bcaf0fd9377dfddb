package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and embedders that do
// not need durability. All lookups that miss return (nil, nil), matching
// the MySQL implementation.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*QueueEntry
	opIndex   map[string]string // operation ID → entry ID, unique
	sequences map[string]int64
	conflicts map[string]*Conflict
	sessions  map[string]*Session
	policies  map[string]*CachePolicy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*QueueEntry),
		opIndex:   make(map[string]string),
		sequences: make(map[string]int64),
		conflicts: make(map[string]*Conflict),
		sessions:  make(map[string]*Session),
		policies:  make(map[string]*CachePolicy),
	}
}

func (s *MemoryStore) Close() error { return nil }

func copyEntry(e *QueueEntry) *QueueEntry {
	c := *e
	if e.DependsOn != nil {
		c.DependsOn = append([]string(nil), e.DependsOn...)
	}
	return &c
}

func (s *MemoryStore) CreateQueueEntry(_ context.Context, entry *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opIndex[entry.OperationID]; ok {
		return ErrDuplicateOperation
	}
	s.opIndex[entry.OperationID] = entry.ID
	s.entries[entry.ID] = copyEntry(entry)
	return nil
}

func (s *MemoryStore) GetQueueEntry(_ context.Context, id string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

func (s *MemoryStore) GetQueueEntryByOperationID(_ context.Context, operationID string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.opIndex[operationID]
	if !ok {
		return nil, nil
	}
	return copyEntry(s.entries[id]), nil
}

func applyUpdate(e *QueueEntry, upd QueueEntryUpdate, now time.Time) {
	if upd.Status != nil {
		e.Status = *upd.Status
	}
	if upd.RetryCount != nil {
		e.RetryCount = *upd.RetryCount
	}
	if upd.NextRetryAt != nil {
		e.NextRetryAt.Time = *upd.NextRetryAt
		e.NextRetryAt.Valid = true
	}
	if upd.ClearNextRetryAt {
		e.NextRetryAt.Valid = false
	}
	if upd.Payload != nil {
		e.Payload = upd.Payload
	}
	if upd.HasConflict != nil {
		e.HasConflict = *upd.HasConflict
	}
	if upd.ConflictID != nil {
		e.ConflictID.String = *upd.ConflictID
		e.ConflictID.Valid = *upd.ConflictID != ""
	}
	if upd.LastError != nil {
		e.LastError.String = *upd.LastError
		e.LastError.Valid = *upd.LastError != ""
	}
	e.UpdatedAt = now
}

func (s *MemoryStore) UpdateQueueEntry(_ context.Context, id string, upd QueueEntryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	applyUpdate(e, upd, time.Now())
	return nil
}

func (s *MemoryStore) TransitionQueueEntry(_ context.Context, id string, from EntryStatus, upd QueueEntryUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != from {
		return false, nil
	}
	applyUpdate(e, upd, time.Now())
	return true, nil
}

func (s *MemoryStore) FindPendingOperations(_ context.Context, deviceID string) ([]*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*QueueEntry
	for _, e := range s.entries {
		if e.DeviceID == deviceID && e.Status == StatusPending {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *MemoryStore) FindRetryableOperations(_ context.Context, now time.Time) ([]*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*QueueEntry
	for _, e := range s.entries {
		if e.Status == StatusPending && e.NextRetryAt.Valid && !now.Before(e.NextRetryAt.Time) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Time.Before(out[j].NextRetryAt.Time)
	})
	return out, nil
}

func (s *MemoryStore) ListDevicesWithPending(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.entries {
		if e.Status == StatusPending && !seen[e.DeviceID] {
			seen[e.DeviceID] = true
			out = append(out, e.DeviceID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetMaxSequenceNumber(_ context.Context, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequences[deviceID], nil
}

func (s *MemoryStore) NextSequenceNumber(_ context.Context, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[deviceID]++
	return s.sequences[deviceID], nil
}

func copyConflict(c *Conflict) *Conflict {
	cc := *c
	if c.ConflictingFields != nil {
		cc.ConflictingFields = append([]FieldDiff(nil), c.ConflictingFields...)
	}
	if c.Resolution != nil {
		r := *c.Resolution
		cc.Resolution = &r
	}
	return &cc
}

func (s *MemoryStore) CreateConflict(_ context.Context, conflict *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[conflict.ID] = copyConflict(conflict)
	return nil
}

func (s *MemoryStore) GetConflict(_ context.Context, id string) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	return copyConflict(c), nil
}

func (s *MemoryStore) UpdateConflict(_ context.Context, conflict *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[conflict.ID] = copyConflict(conflict)
	return nil
}

func (s *MemoryStore) FindConflictsByStatus(_ context.Context, status ConflictStatus) ([]*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conflict
	for _, c := range s.conflicts {
		if c.Status == status {
			out = append(out, copyConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

func (s *MemoryStore) FindOpenConflictByOperationID(_ context.Context, operationID string) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conflicts {
		if c.OperationID == operationID && c.Status != ConflictResolved {
			return copyConflict(c), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) FindActiveSession(_ context.Context, deviceID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.DeviceID == deviceID && sess.Status == SessionActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func copyPolicy(p *CachePolicy) *CachePolicy {
	cp := *p
	if p.Scope.EntityTypes != nil {
		cp.Scope.EntityTypes = append([]string(nil), p.Scope.EntityTypes...)
	}
	if p.Scope.Filters != nil {
		cp.Scope.Filters = make(map[string]string, len(p.Scope.Filters))
		for k, v := range p.Scope.Filters {
			cp.Scope.Filters[k] = v
		}
	}
	return &cp
}

func (s *MemoryStore) CreateCachePolicy(_ context.Context, policy *CachePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = copyPolicy(policy)
	return nil
}

func (s *MemoryStore) GetCachePolicy(_ context.Context, id string) (*CachePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, nil
	}
	return copyPolicy(p), nil
}

func (s *MemoryStore) UpdateCachePolicy(_ context.Context, policy *CachePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = copyPolicy(policy)
	return nil
}

func (s *MemoryStore) DeleteCachePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) ListCachePolicies(_ context.Context) ([]*CachePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*CachePolicy
	for _, p := range s.policies {
		out = append(out, copyPolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
