package reconcile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumehealth/lumesync/internal/events"
	"github.com/lumehealth/lumesync/internal/models"
	"github.com/lumehealth/lumesync/internal/store"
)

// Origin says where a sample came from. Local samples need delivering, so
// applying them appends outbox intents; backend samples are already durable
// remotely and only adjust local state.
type Origin int

const (
	OriginLocal Origin = iota
	OriginBackend
)

// Applier is the single write path into the entity store for merged values.
// The outbox processor, the realtime channel, and the polling coordinator all
// go through here so merge semantics stay in one place.
type Applier struct {
	store *store.Store
	reg   Registry
	now   func() time.Time
}

// NewApplier builds an Applier. A nil clock defaults to time.Now.
func NewApplier(st *store.Store, reg Registry, clock func() time.Time) *Applier {
	if clock == nil {
		clock = time.Now
	}
	return &Applier{store: st, reg: reg, now: clock}
}

// Apply merges a sample into the store per the entity type's policy and
// returns the record it landed on. For aggregate and replace policies the
// existing same-day record's LocalID is always reused; a duplicate record for
// the same logical day is never created.
func (a *Applier) Apply(sample models.Sample, origin Origin) (*models.SyncableRecord, error) {
	day := sample.OccurredAt.UTC().Format("2006-01-02")
	existing, err := a.store.FindByDay(sample.EntityType, day)
	if err != nil {
		return nil, fmt.Errorf("find existing record: %w", err)
	}

	policy := a.reg.PolicyFor(sample.EntityType)
	res := policy.Merge(existing, sample)
	slog.Debug("reconcile", "entity_type", sample.EntityType, "day", day,
		"decision", res.Kind.String(), "origin", origin)

	switch res.Kind {
	case MergeNoChange:
		return existing, nil
	case MergeInsertNew:
		return a.insertNew(sample, origin)
	default: // MergeAggregate, MergeReplace
		return a.updateExisting(existing, sample, res, origin)
	}
}

func (a *Applier) insertNew(sample models.Sample, origin Origin) (*models.SyncableRecord, error) {
	now := a.now()
	rec := &models.SyncableRecord{
		LocalID:          uuid.NewString(),
		RemoteID:         sample.RemoteID,
		EntityType:       sample.EntityType,
		Quantity:         sample.Quantity,
		Unit:             sample.Unit,
		OccurredAt:       sample.OccurredAt,
		Payload:          sample.Payload,
		SyncStatus:       models.SyncPending,
		ProcessingStatus: models.ProcessingPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if sample.ProcessingStatus != "" {
		rec.ProcessingStatus = sample.ProcessingStatus
	}

	if origin == OriginBackend {
		// Already durable on the backend; nothing to deliver.
		rec.SyncStatus = models.SyncSynced
		if err := a.store.CreateWithIntent(rec, a.doneIntent(rec)); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if err := a.store.CreateWithIntent(rec, a.newIntent(rec, models.OpCreate)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (a *Applier) updateExisting(existing *models.SyncableRecord, sample models.Sample, res MergeResult, origin Origin) (*models.SyncableRecord, error) {
	rec := *existing
	rec.Quantity = res.Quantity
	rec.UpdatedAt = a.now()
	if sample.Unit != "" {
		rec.Unit = sample.Unit
	}
	if len(sample.Payload) > 0 {
		rec.Payload = sample.Payload
	}
	if sample.ProcessingStatus != "" {
		rec.ProcessingStatus = sample.ProcessingStatus
	}

	if origin == OriginBackend {
		if rec.RemoteID == "" {
			rec.RemoteID = sample.RemoteID
		}
		if err := a.store.UpdateWithIntent(&rec, nil); err != nil {
			return nil, err
		}
		return &rec, nil
	}

	// A local change to a previously delivered record goes back to pending
	// until the update intent lands.
	rec.SyncStatus = models.SyncPending
	rec.ErrorDetail = ""
	if err := a.store.UpdateWithIntent(&rec, a.newIntent(&rec, models.OpUpdate)); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ApplyCompletion routes a backend processing verdict onto the matching local
// record, found by remote ID first and local ID second (a completion can
// outrun the create ack for the same entity). Re-delivering a verdict to a
// record already in a terminal processing state is a no-op.
func (a *Applier) ApplyCompletion(entityID string, sample models.Sample) (*models.SyncableRecord, error) {
	rec, err := a.store.GetByRemoteID(entityID)
	if err == store.ErrNotFound {
		rec, err = a.store.Get(entityID)
	}
	if err == store.ErrNotFound {
		// Unknown entity: fall back to the merge path so the value still
		// lands (e.g. the entity was created from another device). Failure
		// verdicts carry no payload and therefore no entity type; without
		// one there is nothing mergeable, so the verdict is dropped rather
		// than persisted as a typeless record.
		et, ok := events.NormalizeEntityType(sample.EntityType)
		if !ok {
			slog.Debug("reconcile: dropping verdict for unknown entity",
				"entity_id", entityID, "status", sample.ProcessingStatus)
			return nil, nil
		}
		sample.EntityType = string(et)
		if sample.OccurredAt.IsZero() {
			sample.OccurredAt = a.now()
		}
		if sample.RemoteID == "" {
			sample.RemoteID = entityID
		}
		return a.Apply(sample, OriginBackend)
	}
	if err != nil {
		return nil, err
	}

	if rec.ProcessingStatus.Terminal() && rec.ProcessingStatus == sample.ProcessingStatus {
		return rec, nil // duplicate notification
	}

	updated := *rec
	if sample.ProcessingStatus != "" {
		updated.ProcessingStatus = sample.ProcessingStatus
	}
	updated.UpdatedAt = a.now()
	if updated.RemoteID == "" && sample.RemoteID != "" {
		updated.RemoteID = sample.RemoteID
	}
	if sample.HasQuantity {
		updated.Quantity = sample.Quantity
	}
	if len(sample.Payload) > 0 {
		updated.Payload = sample.Payload
	}
	if sample.ProcessingStatus == models.ProcessingFailed {
		updated.ErrorDetail = sample.ErrorDetail
		if updated.ErrorDetail == "" {
			updated.ErrorDetail = "backend processing failed"
		}
	}
	if err := a.store.UpdateWithIntent(&updated, nil); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (a *Applier) newIntent(rec *models.SyncableRecord, op models.Operation) *models.OutboxIntent {
	now := a.now()
	return &models.OutboxIntent{
		IntentID:       uuid.NewString(),
		TargetLocalID:  rec.LocalID,
		EntityType:     rec.EntityType,
		Operation:      op,
		State:          models.IntentPending,
		NextEligibleAt: now,
		EnqueuedAt:     now,
	}
}

// doneIntent records provenance for a backend-originated insert without
// scheduling a delivery.
func (a *Applier) doneIntent(rec *models.SyncableRecord) *models.OutboxIntent {
	in := a.newIntent(rec, models.OpCreate)
	in.State = models.IntentDone
	return in
}

// NewIntentFor builds a fresh pending intent for an existing record, used by
// the manual-retry affordance to requeue abandoned work.
func (a *Applier) NewIntentFor(rec *models.SyncableRecord, op models.Operation) *models.OutboxIntent {
	return a.newIntent(rec, op)
}

// Delete tombstones a record and enqueues its delete intent.
func (a *Applier) Delete(localID string) error {
	rec, err := a.store.Get(localID)
	if err != nil {
		return err
	}
	return a.store.DeleteWithIntent(localID, a.newIntent(rec, models.OpDelete))
}
