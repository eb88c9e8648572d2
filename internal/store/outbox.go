package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lumehealth/lumesync/internal/models"
)

const intentColumns = `intent_id, target_local_id, entity_type, operation,
	attempt_count, next_eligible_at, state, enqueued_at, last_error`

func appendIntentTx(tx *sql.Tx, in *models.OutboxIntent) error {
	_, err := tx.Exec(`
		INSERT INTO outbox (intent_id, target_local_id, entity_type, operation,
			attempt_count, next_eligible_at, state, enqueued_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
		in.IntentID, in.TargetLocalID, in.EntityType, in.Operation,
		in.AttemptCount, formatTimestamp(in.NextEligibleAt), in.State,
		formatTimestamp(in.EnqueuedAt), in.LastError)
	if err != nil {
		return fmt.Errorf("append intent %s: %w", in.IntentID, err)
	}
	return nil
}

func scanIntent(row interface{ Scan(...any) error }) (*models.OutboxIntent, error) {
	var (
		in                     models.OutboxIntent
		lastErr                sql.NullString
		nextEligible, enqueued string
	)
	err := row.Scan(&in.IntentID, &in.TargetLocalID, &in.EntityType, &in.Operation,
		&in.AttemptCount, &nextEligible, &in.State, &enqueued, &lastErr)
	if err != nil {
		return nil, err
	}
	in.LastError = lastErr.String
	if in.NextEligibleAt, err = parseTimestamp(nextEligible); err != nil {
		return nil, fmt.Errorf("parse next_eligible_at: %w", err)
	}
	if in.EnqueuedAt, err = parseTimestamp(enqueued); err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}
	return &in, nil
}

// NextEligible selects the pending intents due for delivery at now, one per
// entity. Per entity the newest pending intent wins (coalescing), except that
// a pending delete dominates any update. Entities that already have an intent
// in flight are skipped entirely.
func (s *Store) NextEligible(now time.Time) ([]models.OutboxIntent, error) {
	rows, err := s.conn.Query(`
		SELECT `+intentColumns+` FROM outbox
		WHERE state = ? AND next_eligible_at <= ?
		  AND target_local_id NOT IN (SELECT target_local_id FROM outbox WHERE state = ?)
		ORDER BY target_local_id, rowid ASC`,
		models.IntentPending, formatTimestamp(now), models.IntentInFlight)
	if err != nil {
		return nil, storageErr("next_eligible", err)
	}
	defer rows.Close()

	// Rows arrive grouped per entity in enqueue order; keep the last one per
	// group unless a delete shows up, which wins outright.
	selected := make(map[string]*models.OutboxIntent)
	var order []string
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, storageErr("scan_intent", err)
		}
		prev, seen := selected[in.TargetLocalID]
		if !seen {
			selected[in.TargetLocalID] = in
			order = append(order, in.TargetLocalID)
			continue
		}
		if prev.Operation == models.OpDelete {
			continue // delete dominates whatever follows
		}
		selected[in.TargetLocalID] = in
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}

	out := make([]models.OutboxIntent, 0, len(order))
	for _, id := range order {
		out = append(out, *selected[id])
	}
	return out, nil
}

// MarkInFlight transitions an intent to in_flight, bumping its attempt count,
// and flips the target record to syncing. Returns the updated attempt count.
func (s *Store) MarkInFlight(intentID string) (int, error) {
	var attempts int
	err := s.withTx("mark_in_flight", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE outbox SET state = ?, attempt_count = attempt_count + 1
			WHERE intent_id = ? AND state = ?`,
			models.IntentInFlight, intentID, models.IntentPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("intent %s not pending", intentID)
		}
		if err := tx.QueryRow(`SELECT attempt_count FROM outbox WHERE intent_id = ?`, intentID).Scan(&attempts); err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE records SET sync_status = ?, updated_at = ?
			WHERE local_id = (SELECT target_local_id FROM outbox WHERE intent_id = ?)`,
			models.SyncSyncing, formatTimestamp(time.Now()), intentID)
		return err
	})
	return attempts, err
}

// CompleteDelivery finishes a successfully delivered intent: the intent and
// any older pending intents it coalesced go to done, and the record becomes
// synced with its backend identifier. Delete intents remove the row instead.
func (s *Store) CompleteDelivery(in *models.OutboxIntent, remoteID string) error {
	var entityType string
	err := s.withTx("complete_delivery", func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT entity_type FROM outbox WHERE intent_id = ?`, in.IntentID).Scan(&entityType); err != nil {
			return err
		}
		var rowid int64
		if err := tx.QueryRow(`SELECT rowid FROM outbox WHERE intent_id = ?`, in.IntentID).Scan(&rowid); err != nil {
			return err
		}
		// The delivered payload was the record's current state, so every
		// earlier pending intent for this entity is satisfied too.
		if _, err := tx.Exec(`
			UPDATE outbox SET state = ?
			WHERE target_local_id = ? AND rowid <= ? AND state IN (?, ?)`,
			models.IntentDone, in.TargetLocalID, rowid,
			models.IntentPending, models.IntentInFlight); err != nil {
			return fmt.Errorf("settle intents for %s: %w", in.TargetLocalID, err)
		}

		if in.Operation == models.OpDelete {
			_, err := tx.Exec(`DELETE FROM records WHERE local_id = ?`, in.TargetLocalID)
			return err
		}

		res, err := tx.Exec(`
			UPDATE records SET sync_status = ?, remote_id = COALESCE(NULLIF(?, ''), remote_id),
				error_detail = NULL, updated_at = ?
			WHERE local_id = ?`,
			models.SyncSynced, remoteID, formatTimestamp(time.Now()), in.TargetLocalID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %s: %w", in.TargetLocalID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.watchers.notify(entityType)
	return nil
}

// FailDelivery records a failed attempt. With abandon false the intent goes
// back to pending gated by nextEligibleAt; with abandon true it is terminal.
// Either way the record surfaces the failure.
func (s *Store) FailDelivery(in *models.OutboxIntent, errDetail string, nextEligibleAt time.Time, abandon bool) error {
	var entityType string
	err := s.withTx("fail_delivery", func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT entity_type FROM outbox WHERE intent_id = ?`, in.IntentID).Scan(&entityType); err != nil {
			return err
		}
		state := models.IntentPending
		if abandon {
			state = models.IntentAbandoned
		}
		if _, err := tx.Exec(`
			UPDATE outbox SET state = ?, next_eligible_at = ?, last_error = ?
			WHERE intent_id = ?`,
			state, formatTimestamp(nextEligibleAt), errDetail, in.IntentID); err != nil {
			return err
		}
		_, err := tx.Exec(`
			UPDATE records SET sync_status = ?, error_detail = ?, updated_at = ?
			WHERE local_id = ?`,
			models.SyncFailed, errDetail, formatTimestamp(time.Now()), in.TargetLocalID)
		return err
	})
	if err != nil {
		return err
	}
	s.watchers.notify(entityType)
	return nil
}

// RecoverInFlight resets intents left in flight by a crashed process back to
// pending, immediately eligible. Returns how many were recovered.
func (s *Store) RecoverInFlight(now time.Time) (int64, error) {
	var recovered int64
	err := s.withTx("recover_in_flight", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE outbox SET state = ?, next_eligible_at = ?
			WHERE state = ?`,
			models.IntentPending, formatTimestamp(now), models.IntentInFlight)
		if err != nil {
			return err
		}
		recovered, _ = res.RowsAffected()
		if recovered == 0 {
			return nil
		}
		_, err = tx.Exec(`UPDATE records SET sync_status = ? WHERE sync_status = ?`,
			models.SyncPending, models.SyncSyncing)
		return err
	})
	return recovered, err
}

// RequeueAbandoned gives a failed record a fresh start: abandoned intents for
// the entity are settled and a new intent with a zeroed attempt count takes
// their place.
func (s *Store) RequeueAbandoned(localID string, fresh *models.OutboxIntent) error {
	var entityType string
	err := s.withTx("requeue_abandoned", func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT entity_type FROM records WHERE local_id = ?`, localID).Scan(&entityType); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if _, err := tx.Exec(`
			UPDATE outbox SET state = ? WHERE target_local_id = ? AND state = ?`,
			models.IntentDone, localID, models.IntentAbandoned); err != nil {
			return err
		}
		if err := appendIntentTx(tx, fresh); err != nil {
			return err
		}
		_, err := tx.Exec(`
			UPDATE records SET sync_status = ?, error_detail = NULL, updated_at = ?
			WHERE local_id = ?`,
			models.SyncPending, formatTimestamp(time.Now()), localID)
		return err
	})
	if err != nil {
		return err
	}
	s.watchers.notify(entityType)
	return nil
}

// CountIntents returns the number of intents in the given state.
func (s *Store) CountIntents(state models.IntentState) (int64, error) {
	var n int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE state = ?`, state).Scan(&n)
	return n, storageErr("count_intents", err)
}

// ListIntents returns all intents in the given state in enqueue order.
func (s *Store) ListIntents(state models.IntentState) ([]models.OutboxIntent, error) {
	rows, err := s.conn.Query(`
		SELECT `+intentColumns+` FROM outbox WHERE state = ? ORDER BY rowid ASC`, state)
	if err != nil {
		return nil, storageErr("list_intents", err)
	}
	defer rows.Close()

	var out []models.OutboxIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, storageErr("scan_intent", err)
		}
		out = append(out, *in)
	}
	return out, storageErr("rows", rows.Err())
}

// IntentsForTarget returns every intent for one entity in enqueue order,
// regardless of state. Mostly a test and status-command helper.
func (s *Store) IntentsForTarget(localID string) ([]models.OutboxIntent, error) {
	rows, err := s.conn.Query(`
		SELECT `+intentColumns+` FROM outbox WHERE target_local_id = ? ORDER BY rowid ASC`, localID)
	if err != nil {
		return nil, storageErr("intents_for_target", err)
	}
	defer rows.Close()

	var out []models.OutboxIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, storageErr("scan_intent", err)
		}
		out = append(out, *in)
	}
	return out, storageErr("rows", rows.Err())
}
