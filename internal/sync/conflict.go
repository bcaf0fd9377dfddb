package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/store"
)

// DetectFieldConflicts compares two entity payloads and returns the field
// paths where they diverge, including fields present on only one side.
// Nested objects are walked with dotted paths. An empty result means no
// conflict.
func DetectFieldConflicts(clientData, serverData json.RawMessage) ([]store.FieldDiff, error) {
	var client, server map[string]interface{}
	if len(clientData) > 0 {
		if err := json.Unmarshal(clientData, &client); err != nil {
			return nil, fmt.Errorf("client payload is not an object: %w", err)
		}
	}
	if len(serverData) > 0 {
		if err := json.Unmarshal(serverData, &server); err != nil {
			return nil, fmt.Errorf("server payload is not an object: %w", err)
		}
	}

	var diffs []store.FieldDiff
	diffObjects("", client, server, &diffs)
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })
	return diffs, nil
}

func diffObjects(prefix string, client, server map[string]interface{}, out *[]store.FieldDiff) {
	keys := make(map[string]bool, len(client)+len(server))
	for k := range client {
		keys[k] = true
	}
	for k := range server {
		keys[k] = true
	}

	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		cv, inClient := client[k]
		sv, inServer := server[k]

		switch {
		case !inServer:
			*out = append(*out, store.FieldDiff{Path: path, ClientValue: mustRaw(cv), ClientOnly: true})
		case !inClient:
			*out = append(*out, store.FieldDiff{Path: path, ServerValue: mustRaw(sv), ServerOnly: true})
		default:
			cm, cok := cv.(map[string]interface{})
			sm, sok := sv.(map[string]interface{})
			if cok && sok {
				diffObjects(path, cm, sm, out)
				continue
			}
			craw, sraw := mustRaw(cv), mustRaw(sv)
			if !bytes.Equal(craw, sraw) {
				*out = append(*out, store.FieldDiff{Path: path, ClientValue: craw, ServerValue: sraw})
			}
		}
	}
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// ClassifyConflict picks the conflict type from the operation kind and
// which sides still hold the entity.
func ClassifyConflict(kind store.OperationKind, clientExists, serverExists bool) store.ConflictType {
	switch {
	case kind == store.OpCreate && serverExists:
		return store.ConflictCreateCreate
	case kind == store.OpDelete && serverExists:
		return store.ConflictDeleteUpdate
	case !serverExists:
		return store.ConflictUpdateDelete
	case clientExists && serverExists:
		return store.ConflictUpdateUpdate
	default:
		return store.ConflictFieldLevel
	}
}

// requeuer is satisfied by the QueueManager: it puts a resolved entry
// back on the wire with its merged payload.
type requeuer interface {
	RequeueResolved(ctx context.Context, operationID string, payload json.RawMessage, conflictID string) error
}

// Resolver owns the conflict lifecycle: opening, strategy application,
// and handing the resolved payload back to the queue.
type Resolver struct {
	store store.Store
	clock Clock
	queue requeuer
}

func NewResolver(st store.Store, clock Clock) *Resolver {
	return &Resolver{store: st, clock: clock}
}

// BindQueue wires the queue manager in after construction; the two
// components reference each other.
func (r *Resolver) BindQueue(q requeuer) { r.queue = q }

// Open records a conflict for the given entry. If an open conflict
// already exists for the operation it is returned unchanged, keeping the
// at-most-one-open-conflict invariant.
func (r *Resolver) Open(ctx context.Context, entry *store.QueueEntry, clientVersion, serverVersion store.VersionSnapshot) (*store.Conflict, error) {
	existing, err := r.store.FindOpenConflictByOperationID(ctx, entry.OperationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	fields, err := DetectFieldConflicts(clientVersion.Data, serverVersion.Data)
	if err != nil {
		return nil, err
	}

	conflict := &store.Conflict{
		ID:                r.clock.NewID(),
		OperationID:       entry.OperationID,
		EntityType:        entry.EntityType,
		EntityID:          entry.EntityID,
		Type:              ClassifyConflict(entry.Kind, len(clientVersion.Data) > 0, len(serverVersion.Data) > 0),
		ClientVersion:     clientVersion,
		ServerVersion:     serverVersion,
		ConflictingFields: fields,
		Status:            store.ConflictDetected,
		DetectedAt:        r.clock.Now(),
	}

	if err := r.store.CreateConflict(ctx, conflict); err != nil {
		return nil, err
	}

	logger.Log.Info("Conflict detected",
		zap.String("conflictID", conflict.ID),
		zap.String("operationID", entry.OperationID),
		zap.String("type", string(conflict.Type)),
		zap.Int("conflictingFields", len(fields)),
	)
	return conflict, nil
}

// Resolve applies a strategy to an open conflict, marks it RESOLVED and
// requeues the originating entry with the resolved payload.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy store.ResolutionStrategy, custom json.RawMessage, resolvedBy string) (*store.Conflict, error) {
	conflict, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, fmt.Errorf("conflict %s not found", conflictID)
	}
	if conflict.Status == store.ConflictResolved {
		return conflict, nil
	}

	resolved, err := applyStrategy(conflict, strategy, custom)
	if err != nil {
		return nil, err
	}

	conflict.Status = store.ConflictResolved
	conflict.RequiresManual = false
	conflict.Resolution = &store.Resolution{
		Strategy:   strategy,
		ResolvedBy: resolvedBy,
		Data:       resolved,
		ResolvedAt: r.clock.Now(),
	}
	if err := r.store.UpdateConflict(ctx, conflict); err != nil {
		return nil, err
	}

	if err := r.queue.RequeueResolved(ctx, conflict.OperationID, resolved, conflict.ID); err != nil {
		return nil, err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("conflictID", conflict.ID),
		zap.String("strategy", string(strategy)),
		zap.String("resolvedBy", resolvedBy),
	)
	return conflict, nil
}

// AutoResolve attempts the configured strategy. If it fails, the conflict
// is parked for manual resolution rather than dropped.
func (r *Resolver) AutoResolve(ctx context.Context, conflict *store.Conflict, strategy store.ResolutionStrategy) error {
	conflict.Status = store.ConflictAutoResolving
	if err := r.store.UpdateConflict(ctx, conflict); err != nil {
		return err
	}

	if _, err := r.Resolve(ctx, conflict.ID, strategy, nil, "auto"); err != nil {
		conflict.Status = store.ConflictPendingManual
		conflict.RequiresManual = true
		if uerr := r.store.UpdateConflict(ctx, conflict); uerr != nil {
			return uerr
		}
		logger.Log.Warn("Auto-resolution failed, conflict parked for manual review",
			zap.String("conflictID", conflict.ID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrResolutionRequired, err)
	}
	return nil
}

func applyStrategy(conflict *store.Conflict, strategy store.ResolutionStrategy, custom json.RawMessage) (json.RawMessage, error) {
	client := conflict.ClientVersion
	server := conflict.ServerVersion

	switch strategy {
	case store.ResolveClientWins:
		return client.Data, nil
	case store.ResolveServerWins:
		return server.Data, nil
	case store.ResolveNewestWins:
		if client.Timestamp.After(server.Timestamp) {
			return client.Data, nil
		}
		return server.Data, nil
	case store.ResolveFieldLevelMerge:
		return mergeFieldLevel(client, server)
	case store.ResolveCustom:
		if custom == nil {
			return nil, fmt.Errorf("%w: CUSTOM strategy needs a payload", ErrResolutionRequired)
		}
		return custom, nil
	case store.ResolveManual:
		if custom == nil {
			return nil, ErrResolutionRequired
		}
		return custom, nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// mergeFieldLevel starts from the server snapshot and overlays the
// client's fields when the client wrote after the server's last change.
// Nested objects merge recursively; output key order is canonicalized by
// encoding/json, so identical inputs always produce identical bytes.
func mergeFieldLevel(client, server store.VersionSnapshot) (json.RawMessage, error) {
	var base, overlay map[string]interface{}
	if len(server.Data) > 0 {
		if err := json.Unmarshal(server.Data, &base); err != nil {
			return nil, fmt.Errorf("server snapshot is not an object: %w", err)
		}
	}
	if base == nil {
		base = map[string]interface{}{}
	}
	if len(client.Data) > 0 {
		if err := json.Unmarshal(client.Data, &overlay); err != nil {
			return nil, fmt.Errorf("client snapshot is not an object: %w", err)
		}
	}

	if client.Timestamp.After(server.Timestamp) {
		overlayFields(base, overlay)
	}
	return json.Marshal(base)
}

func overlayFields(base, overlay map[string]interface{}) {
	for k, v := range overlay {
		if vm, ok := v.(map[string]interface{}); ok {
			if bm, ok := base[k].(map[string]interface{}); ok {
				overlayFields(bm, vm)
				continue
			}
		}
		base[k] = v
	}
}
