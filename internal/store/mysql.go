package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/database"
)

type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(cfg config.StateStorage) (*MySQLStore, error) {
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}

	s := &MySQLStore{db: db.DB}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// ensureSchema creates the engine tables if missing. The unique index on
// operation_id backs enqueue idempotency; device_sequences backs monotonic
// sequence assignment.
func (s *MySQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id VARCHAR(36) PRIMARY KEY,
			device_id VARCHAR(128) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			operation_id VARCHAR(128) NOT NULL,
			sequence_number BIGINT NOT NULL,
			operation_kind VARCHAR(16) NOT NULL,
			entity_type VARCHAR(128) NOT NULL,
			entity_id VARCHAR(128),
			payload JSON,
			previous_version BIGINT,
			priority INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			next_retry_at DATETIME(6),
			depends_on JSON,
			has_conflict BOOLEAN NOT NULL DEFAULT FALSE,
			conflict_id VARCHAR(36),
			last_error TEXT,
			expires_at DATETIME(6),
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_operation_id (operation_id),
			KEY idx_device_status (device_id, status),
			KEY idx_status_retry (status, next_retry_at)
		)`,
		`CREATE TABLE IF NOT EXISTS device_sequences (
			device_id VARCHAR(128) PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id VARCHAR(36) PRIMARY KEY,
			operation_id VARCHAR(128) NOT NULL,
			entity_type VARCHAR(128) NOT NULL,
			entity_id VARCHAR(128),
			conflict_type VARCHAR(32) NOT NULL,
			client_version JSON,
			server_version JSON,
			conflicting_fields JSON,
			status VARCHAR(32) NOT NULL,
			requires_manual BOOLEAN NOT NULL DEFAULT FALSE,
			resolution JSON,
			detected_at DATETIME(6) NOT NULL,
			KEY idx_operation (operation_id),
			KEY idx_conflict_status (status)
		)`,
		`CREATE TABLE IF NOT EXISTS offline_sessions (
			id VARCHAR(36) PRIMARY KEY,
			device_id VARCHAR(128) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			ended_at DATETIME(6),
			status VARCHAR(16) NOT NULL,
			operation_count INT NOT NULL DEFAULT 0,
			create_count INT NOT NULL DEFAULT 0,
			update_count INT NOT NULL DEFAULT 0,
			delete_count INT NOT NULL DEFAULT 0,
			synced_operations INT NOT NULL DEFAULT 0,
			failed_operations INT NOT NULL DEFAULT 0,
			conflict_operations INT NOT NULL DEFAULT 0,
			pending_operations INT NOT NULL DEFAULT 0,
			network_status VARCHAR(32),
			KEY idx_device_session (device_id, status)
		)`,
		`CREATE TABLE IF NOT EXISTS cache_policies (
			id VARCHAR(36) PRIMARY KEY,
			scope JSON,
			max_cache_size_mb INT NOT NULL,
			default_ttl_seconds BIGINT NOT NULL,
			refresh_strategy VARCHAR(16) NOT NULL,
			eviction_policy VARCHAR(16) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

const queueColumns = `id, device_id, user_id, operation_id, sequence_number, operation_kind,
	entity_type, entity_id, payload, previous_version, priority, status, retry_count,
	max_retries, next_retry_at, depends_on, has_conflict, conflict_id, last_error,
	expires_at, created_at, updated_at`

func scanQueueEntry(row interface{ Scan(...interface{}) error }) (*QueueEntry, error) {
	var e QueueEntry
	var payload, dependsOn []byte
	err := row.Scan(
		&e.ID, &e.DeviceID, &e.UserID, &e.OperationID, &e.SequenceNumber, &e.Kind,
		&e.EntityType, &e.EntityID, &payload, &e.PreviousVersion, &e.Priority, &e.Status,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &dependsOn, &e.HasConflict,
		&e.ConflictID, &e.LastError, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	if len(dependsOn) > 0 {
		if err := json.Unmarshal(dependsOn, &e.DependsOn); err != nil {
			return nil, fmt.Errorf("bad depends_on for entry %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (s *MySQLStore) CreateQueueEntry(ctx context.Context, entry *QueueEntry) error {
	dependsOn, err := marshalJSON(entry.DependsOn)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_queue (` + queueColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.DeviceID, entry.UserID, entry.OperationID, entry.SequenceNumber,
		entry.Kind, entry.EntityType, entry.EntityID, []byte(entry.Payload),
		entry.PreviousVersion, entry.Priority, entry.Status, entry.RetryCount,
		entry.MaxRetries, entry.NextRetryAt, dependsOn, entry.HasConflict,
		entry.ConflictID, entry.LastError, entry.ExpiresAt, entry.CreatedAt, entry.UpdatedAt,
	)

	// uq_operation_id turns a concurrent double-enqueue into a clean signal.
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return ErrDuplicateOperation
	}
	return err
}

func (s *MySQLStore) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE id = ?`
	entry, err := scanQueueEntry(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (s *MySQLStore) GetQueueEntryByOperationID(ctx context.Context, operationID string) (*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE operation_id = ?`
	entry, err := scanQueueEntry(s.db.QueryRowContext(ctx, query, operationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func buildUpdate(upd QueueEntryUpdate) (string, []interface{}) {
	var sets []string
	var args []interface{}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *upd.RetryCount)
	}
	if upd.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, *upd.NextRetryAt)
	}
	if upd.ClearNextRetryAt {
		sets = append(sets, "next_retry_at = NULL")
	}
	if upd.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, []byte(upd.Payload))
	}
	if upd.HasConflict != nil {
		sets = append(sets, "has_conflict = ?")
		args = append(args, *upd.HasConflict)
	}
	if upd.ConflictID != nil {
		sets = append(sets, "conflict_id = ?")
		args = append(args, sql.NullString{String: *upd.ConflictID, Valid: *upd.ConflictID != ""})
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, sql.NullString{String: *upd.LastError, Valid: *upd.LastError != ""})
	}
	sets = append(sets, "updated_at = NOW(6)")
	return strings.Join(sets, ", "), args
}

func (s *MySQLStore) UpdateQueueEntry(ctx context.Context, id string, upd QueueEntryUpdate) error {
	sets, args := buildUpdate(upd)
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, "UPDATE sync_queue SET "+sets+" WHERE id = ?", args...)
	return err
}

func (s *MySQLStore) TransitionQueueEntry(ctx context.Context, id string, from EntryStatus, upd QueueEntryUpdate) (bool, error) {
	sets, args := buildUpdate(upd)
	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET "+sets+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MySQLStore) FindPendingOperations(ctx context.Context, deviceID string) ([]*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
			  WHERE device_id = ? AND status = ?
			  ORDER BY priority ASC, sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, query, deviceID, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *MySQLStore) FindRetryableOperations(ctx context.Context, now time.Time) ([]*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
			  WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
			  ORDER BY next_retry_at ASC`

	rows, err := s.db.QueryContext(ctx, query, StatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *MySQLStore) ListDevicesWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT device_id FROM sync_queue WHERE status = ?`, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetMaxSequenceNumber(ctx context.Context, deviceID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM device_sequences WHERE device_id = ?`, deviceID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (s *MySQLStore) NextSequenceNumber(ctx context.Context, deviceID string) (int64, error) {
	// LAST_INSERT_ID makes the increment-and-read atomic per device row.
	query := `INSERT INTO device_sequences (device_id, seq) VALUES (?, LAST_INSERT_ID(1))
			  ON DUPLICATE KEY UPDATE seq = LAST_INSERT_ID(seq + 1)`
	res, err := s.db.ExecContext(ctx, query, deviceID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *MySQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	clientVersion, err := marshalJSON(conflict.ClientVersion)
	if err != nil {
		return err
	}
	serverVersion, err := marshalJSON(conflict.ServerVersion)
	if err != nil {
		return err
	}
	fields, err := marshalJSON(conflict.ConflictingFields)
	if err != nil {
		return err
	}
	resolution, err := marshalJSON(conflict.Resolution)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_conflicts (id, operation_id, entity_type, entity_id, conflict_type,
			  client_version, server_version, conflicting_fields, status, requires_manual,
			  resolution, detected_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		conflict.ID, conflict.OperationID, conflict.EntityType, conflict.EntityID,
		conflict.Type, clientVersion, serverVersion, fields, conflict.Status,
		conflict.RequiresManual, resolution, conflict.DetectedAt,
	)
	return err
}

func scanConflict(row interface{ Scan(...interface{}) error }) (*Conflict, error) {
	var c Conflict
	var clientVersion, serverVersion, fields, resolution []byte
	err := row.Scan(
		&c.ID, &c.OperationID, &c.EntityType, &c.EntityID, &c.Type,
		&clientVersion, &serverVersion, &fields, &c.Status, &c.RequiresManual,
		&resolution, &c.DetectedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(clientVersion) > 0 {
		if err := json.Unmarshal(clientVersion, &c.ClientVersion); err != nil {
			return nil, err
		}
	}
	if len(serverVersion) > 0 {
		if err := json.Unmarshal(serverVersion, &c.ServerVersion); err != nil {
			return nil, err
		}
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.ConflictingFields); err != nil {
			return nil, err
		}
	}
	if len(resolution) > 0 && string(resolution) != "null" {
		c.Resolution = &Resolution{}
		if err := json.Unmarshal(resolution, c.Resolution); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

const conflictColumns = `id, operation_id, entity_type, entity_id, conflict_type,
	client_version, server_version, conflicting_fields, status, requires_manual,
	resolution, detected_at`

func (s *MySQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = ?`
	c, err := scanConflict(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *MySQLStore) UpdateConflict(ctx context.Context, conflict *Conflict) error {
	resolution, err := marshalJSON(conflict.Resolution)
	if err != nil {
		return err
	}
	fields, err := marshalJSON(conflict.ConflictingFields)
	if err != nil {
		return err
	}

	query := `UPDATE sync_conflicts
			  SET status = ?, requires_manual = ?, resolution = ?, conflicting_fields = ?
			  WHERE id = ?`
	_, err = s.db.ExecContext(ctx, query,
		conflict.Status, conflict.RequiresManual, resolution, fields, conflict.ID)
	return err
}

func (s *MySQLStore) FindConflictsByStatus(ctx context.Context, status ConflictStatus) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts
			  WHERE status = ? ORDER BY detected_at ASC`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *MySQLStore) FindOpenConflictByOperationID(ctx context.Context, operationID string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts
			  WHERE operation_id = ? AND status != ? LIMIT 1`
	c, err := scanConflict(s.db.QueryRowContext(ctx, query, operationID, ConflictResolved))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

const sessionColumns = `id, device_id, user_id, started_at, ended_at, status,
	operation_count, create_count, update_count, delete_count, synced_operations,
	failed_operations, conflict_operations, pending_operations, network_status`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var sess Session
	var networkStatus sql.NullString
	err := row.Scan(
		&sess.ID, &sess.DeviceID, &sess.UserID, &sess.StartedAt, &sess.EndedAt,
		&sess.Status, &sess.OperationCount, &sess.CreateCount, &sess.UpdateCount,
		&sess.DeleteCount, &sess.SyncedOperations, &sess.FailedOperations,
		&sess.ConflictOperations, &sess.PendingOperations, &networkStatus,
	)
	if err != nil {
		return nil, err
	}
	sess.NetworkStatus = networkStatus.String
	return &sess, nil
}

func (s *MySQLStore) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO offline_sessions (` + sessionColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.DeviceID, session.UserID, session.StartedAt, session.EndedAt,
		session.Status, session.OperationCount, session.CreateCount, session.UpdateCount,
		session.DeleteCount, session.SyncedOperations, session.FailedOperations,
		session.ConflictOperations, session.PendingOperations, session.NetworkStatus,
	)
	return err
}

func (s *MySQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM offline_sessions WHERE id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *MySQLStore) UpdateSession(ctx context.Context, session *Session) error {
	query := `UPDATE offline_sessions
			  SET ended_at = ?, status = ?, operation_count = ?, create_count = ?,
				  update_count = ?, delete_count = ?, synced_operations = ?,
				  failed_operations = ?, conflict_operations = ?, pending_operations = ?,
				  network_status = ?
			  WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query,
		session.EndedAt, session.Status, session.OperationCount, session.CreateCount,
		session.UpdateCount, session.DeleteCount, session.SyncedOperations,
		session.FailedOperations, session.ConflictOperations, session.PendingOperations,
		session.NetworkStatus, session.ID,
	)
	return err
}

func (s *MySQLStore) FindActiveSession(ctx context.Context, deviceID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM offline_sessions
			  WHERE device_id = ? AND status = ? LIMIT 1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, deviceID, SessionActive))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

const policyColumns = `id, scope, max_cache_size_mb, default_ttl_seconds,
	refresh_strategy, eviction_policy, created_at, updated_at`

func scanPolicy(row interface{ Scan(...interface{}) error }) (*CachePolicy, error) {
	var p CachePolicy
	var scope []byte
	var ttlSeconds int64
	err := row.Scan(
		&p.ID, &scope, &p.MaxCacheSizeMB, &ttlSeconds,
		&p.RefreshStrategy, &p.EvictionPolicy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.DefaultTTL = time.Duration(ttlSeconds) * time.Second
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &p.Scope); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *MySQLStore) CreateCachePolicy(ctx context.Context, policy *CachePolicy) error {
	scope, err := marshalJSON(policy.Scope)
	if err != nil {
		return err
	}
	query := `INSERT INTO cache_policies (` + policyColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		policy.ID, scope, policy.MaxCacheSizeMB, int64(policy.DefaultTTL/time.Second),
		policy.RefreshStrategy, policy.EvictionPolicy, policy.CreatedAt, policy.UpdatedAt,
	)
	return err
}

func (s *MySQLStore) GetCachePolicy(ctx context.Context, id string) (*CachePolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM cache_policies WHERE id = ?`
	p, err := scanPolicy(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *MySQLStore) UpdateCachePolicy(ctx context.Context, policy *CachePolicy) error {
	scope, err := marshalJSON(policy.Scope)
	if err != nil {
		return err
	}
	query := `UPDATE cache_policies
			  SET scope = ?, max_cache_size_mb = ?, default_ttl_seconds = ?,
				  refresh_strategy = ?, eviction_policy = ?, updated_at = NOW(6)
			  WHERE id = ?`
	_, err = s.db.ExecContext(ctx, query,
		scope, policy.MaxCacheSizeMB, int64(policy.DefaultTTL/time.Second),
		policy.RefreshStrategy, policy.EvictionPolicy, policy.ID,
	)
	return err
}

func (s *MySQLStore) DeleteCachePolicy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_policies WHERE id = ?`, id)
	return err
}

func (s *MySQLStore) ListCachePolicies(ctx context.Context) ([]*CachePolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM cache_policies ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CachePolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
