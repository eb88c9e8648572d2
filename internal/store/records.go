package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lumehealth/lumesync/internal/models"
)

const recordColumns = `local_id, remote_id, entity_type, quantity, unit, occurred_at, day,
	payload, sync_status, processing_status, error_detail, created_at, updated_at`

// scanRecord reads one record row. The day column is consumed but not kept;
// it is derived from occurred_at.
func scanRecord(row interface{ Scan(...any) error }) (*models.SyncableRecord, error) {
	var (
		r                                     models.SyncableRecord
		remoteID, errDetail, payload          sql.NullString
		occurredAt, createdAt, updatedAt, day string
	)
	err := row.Scan(&r.LocalID, &remoteID, &r.EntityType, &r.Quantity, &r.Unit,
		&occurredAt, &day, &payload, &r.SyncStatus, &r.ProcessingStatus,
		&errDetail, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.RemoteID = remoteID.String
	r.ErrorDetail = errDetail.String
	if payload.Valid {
		r.Payload = []byte(payload.String)
	}
	if r.OccurredAt, err = parseTimestamp(occurredAt); err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	if r.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

func insertRecordTx(tx *sql.Tx, r *models.SyncableRecord) error {
	_, err := tx.Exec(`
		INSERT INTO records (local_id, remote_id, entity_type, quantity, unit, occurred_at, day,
			payload, sync_status, processing_status, error_detail, created_at, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		r.LocalID, r.RemoteID, r.EntityType, r.Quantity, r.Unit,
		formatTimestamp(r.OccurredAt), r.Day(), nullableJSON(r.Payload),
		r.SyncStatus, r.ProcessingStatus, r.ErrorDetail,
		formatTimestamp(r.CreatedAt), formatTimestamp(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.LocalID, err)
	}
	return nil
}

func updateRecordTx(tx *sql.Tx, r *models.SyncableRecord) error {
	res, err := tx.Exec(`
		UPDATE records SET remote_id = NULLIF(?, ''), quantity = ?, unit = ?, occurred_at = ?, day = ?,
			payload = ?, sync_status = ?, processing_status = ?, error_detail = NULLIF(?, ''), updated_at = ?
		WHERE local_id = ? AND deleted_at IS NULL`,
		r.RemoteID, r.Quantity, r.Unit, formatTimestamp(r.OccurredAt), r.Day(),
		nullableJSON(r.Payload), r.SyncStatus, r.ProcessingStatus, r.ErrorDetail,
		formatTimestamp(r.UpdatedAt), r.LocalID)
	if err != nil {
		return fmt.Errorf("update record %s: %w", r.LocalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update record %s: %w", r.LocalID, ErrNotFound)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Get returns a record by local ID. Logically deleted records are invisible.
func (s *Store) Get(localID string) (*models.SyncableRecord, error) {
	row := s.conn.QueryRow(`SELECT `+recordColumns+` FROM records WHERE local_id = ? AND deleted_at IS NULL`, localID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return r, nil
}

// GetAny returns a record by local ID, tombstoned or not. The outbox
// processor needs the remote ID of a logically deleted record to deliver its
// delete intent.
func (s *Store) GetAny(localID string) (*models.SyncableRecord, error) {
	row := s.conn.QueryRow(`SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get_any", err)
	}
	return r, nil
}

// GetByRemoteID returns a record by its backend identifier.
func (s *Store) GetByRemoteID(remoteID string) (*models.SyncableRecord, error) {
	row := s.conn.QueryRow(`SELECT `+recordColumns+` FROM records WHERE remote_id = ? AND deleted_at IS NULL`, remoteID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get_by_remote", err)
	}
	return r, nil
}

// Query returns records of one entity type, newest occurrence first.
// A zero limit means no limit.
func (s *Store) Query(entityType string, limit int) ([]models.SyncableRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.Query(`
		SELECT `+recordColumns+` FROM records
		WHERE entity_type = ? AND deleted_at IS NULL
		ORDER BY occurred_at DESC LIMIT ?`, entityType, limit)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FindByDay returns the record for an entity type on a given UTC calendar day,
// or nil when none exists. At most one record per type and day is maintained
// by the reconciliation policies for aggregated and scalar entity types.
func (s *Store) FindByDay(entityType, day string) (*models.SyncableRecord, error) {
	row := s.conn.QueryRow(`
		SELECT `+recordColumns+` FROM records
		WHERE entity_type = ? AND day = ? AND deleted_at IS NULL
		ORDER BY created_at ASC LIMIT 1`, entityType, day)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find_by_day", err)
	}
	return r, nil
}

// ListUnresolvedProcessing returns records still awaiting a backend processing
// verdict. The polling coordinator keys its activation off this set.
func (s *Store) ListUnresolvedProcessing() ([]models.SyncableRecord, error) {
	rows, err := s.conn.Query(`
		SELECT `+recordColumns+` FROM records
		WHERE processing_status IN (?, ?) AND deleted_at IS NULL
		ORDER BY created_at ASC`,
		models.ProcessingPending, models.ProcessingActive)
	if err != nil {
		return nil, storageErr("list_unresolved", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]models.SyncableRecord, error) {
	var out []models.SyncableRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}
	return out, nil
}

// CreateWithIntent inserts a record together with its create intent in one
// transaction. Neither half can exist without the other.
func (s *Store) CreateWithIntent(r *models.SyncableRecord, intent *models.OutboxIntent) error {
	err := s.withTx("create_with_intent", func(tx *sql.Tx) error {
		if err := insertRecordTx(tx, r); err != nil {
			return err
		}
		return appendIntentTx(tx, intent)
	})
	if err != nil {
		return err
	}
	s.watchers.notify(r.EntityType)
	return nil
}

// UpdateWithIntent writes an updated record and appends the intent that will
// carry the change to the backend, atomically. Pass a nil intent for purely
// local metadata updates that need no delivery.
func (s *Store) UpdateWithIntent(r *models.SyncableRecord, intent *models.OutboxIntent) error {
	err := s.withTx("update_with_intent", func(tx *sql.Tx) error {
		if err := updateRecordTx(tx, r); err != nil {
			return err
		}
		if intent == nil {
			return nil
		}
		return appendIntentTx(tx, intent)
	})
	if err != nil {
		return err
	}
	s.watchers.notify(r.EntityType)
	return nil
}

// DeleteWithIntent marks a record logically deleted and appends its delete
// intent. The row survives until the intent reaches done so the delete can be
// replayed after a crash.
func (s *Store) DeleteWithIntent(localID string, intent *models.OutboxIntent) error {
	var entityType string
	err := s.withTx("delete_with_intent", func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT entity_type FROM records WHERE local_id = ? AND deleted_at IS NULL`, localID).Scan(&entityType)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE records SET deleted_at = ?, updated_at = ? WHERE local_id = ?`,
			formatTimestamp(time.Now()), formatTimestamp(time.Now()), localID); err != nil {
			return fmt.Errorf("tombstone record %s: %w", localID, err)
		}
		return appendIntentTx(tx, intent)
	})
	if err != nil {
		return err
	}
	s.watchers.notify(entityType)
	return nil
}

// Remove physically deletes a record row. Only called once its delete intent
// is done (or when the record never reached the backend).
func (s *Store) Remove(localID string) error {
	_, err := s.conn.Exec(`DELETE FROM records WHERE local_id = ?`, localID)
	return storageErr("remove", err)
}
