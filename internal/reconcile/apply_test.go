package reconcile

import (
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumehealth/lumesync/internal/models"
	"github.com/lumehealth/lumesync/internal/store"
)

func setupApplier(t *testing.T) (*Applier, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory("sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewApplier(st, NewRegistry(), nil), st
}

func waterSample(qty float64, at time.Time) models.Sample {
	return models.Sample{EntityType: "water_sample", Quantity: qty, Unit: "l", OccurredAt: at}
}

func TestApply_LocalInsertQueuesCreate(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	rec, err := applier.Apply(waterSample(0.5, at), OriginLocal)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, rec.SyncStatus)
	assert.Empty(t, rec.RemoteID)

	intents, err := st.IntentsForTarget(rec.LocalID)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, models.OpCreate, intents[0].Operation)
	assert.Equal(t, models.IntentPending, intents[0].State)
}

func TestApply_SameDayAggregatesIntoOneRecord(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, err := applier.Apply(waterSample(0.5, at), OriginLocal)
	require.NoError(t, err)
	second, err := applier.Apply(waterSample(0.3, at.Add(2*time.Hour)), OriginLocal)
	require.NoError(t, err)

	// Same record, summed quantity, never a same-day duplicate.
	assert.Equal(t, first.LocalID, second.LocalID)
	assert.InDelta(t, 0.8, second.Quantity, 1e-9)

	all, err := st.Query("water_sample", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// The second merge appends an update intent behind the create.
	intents, err := st.IntentsForTarget(first.LocalID)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, models.OpCreate, intents[0].Operation)
	assert.Equal(t, models.OpUpdate, intents[1].Operation)
}

func TestApply_DifferentDaysStaySeparate(t *testing.T) {
	applier, st := setupApplier(t)

	_, err := applier.Apply(waterSample(0.5, time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)), OriginLocal)
	require.NoError(t, err)
	_, err = applier.Apply(waterSample(0.3, time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)), OriginLocal)
	require.NoError(t, err)

	all, err := st.Query("water_sample", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestApply_ReplaceNoChangeSkipsIntent(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC)
	weight := models.Sample{EntityType: "weight_sample", Quantity: 72.5, Unit: "kg", OccurredAt: at}

	rec, err := applier.Apply(weight, OriginLocal)
	require.NoError(t, err)

	// Same value again: no write, no new intent.
	again, err := applier.Apply(weight, OriginLocal)
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, again.LocalID)

	intents, err := st.IntentsForTarget(rec.LocalID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)

	// Different value replaces in place and queues an update.
	weight.Quantity = 73.0
	updated, err := applier.Apply(weight, OriginLocal)
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, updated.LocalID)
	assert.Equal(t, 73.0, updated.Quantity)

	intents, err = st.IntentsForTarget(rec.LocalID)
	require.NoError(t, err)
	assert.Len(t, intents, 2)
}

func TestApply_InsertNewAlwaysAppends(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	meal := models.Sample{EntityType: "meal_log", Quantity: 450, Unit: "kcal", OccurredAt: at}

	_, err := applier.Apply(meal, OriginLocal)
	require.NoError(t, err)
	meal.Quantity = 650
	meal.OccurredAt = at.Add(6 * time.Hour)
	_, err = applier.Apply(meal, OriginLocal)
	require.NoError(t, err)

	all, err := st.Query("meal_log", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestApply_BackendOriginNeedsNoDelivery(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	sample := waterSample(1.2, at)
	sample.RemoteID = "r-42"
	rec, err := applier.Apply(sample, OriginBackend)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.SyncStatus)
	assert.Equal(t, "r-42", rec.RemoteID)

	// Nothing pending: the backend already holds this value.
	pending, err := st.CountIntents(models.IntentPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestApply_BackendMergeIntoLocalRecord(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	local, err := applier.Apply(waterSample(0.5, at), OriginLocal)
	require.NoError(t, err)

	// Another device logged water; the backend pushes its view.
	remote := waterSample(0.4, at.Add(time.Hour))
	remote.RemoteID = "r-7"
	merged, err := applier.Apply(remote, OriginBackend)
	require.NoError(t, err)

	assert.Equal(t, local.LocalID, merged.LocalID)
	assert.InDelta(t, 0.9, merged.Quantity, 1e-9)

	// Backend-origin merges never add delivery work beyond what was queued.
	intents, err := st.IntentsForTarget(local.LocalID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestApplyCompletion_ByRemoteID(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rec, err := applier.Apply(models.Sample{EntityType: "meal_log", Quantity: 0, OccurredAt: at}, OriginLocal)
	require.NoError(t, err)
	intents, err := st.IntentsForTarget(rec.LocalID)
	require.NoError(t, err)
	_, err = st.MarkInFlight(intents[0].IntentID)
	require.NoError(t, err)
	require.NoError(t, st.CompleteDelivery(&intents[0], "r-9"))

	got, err := applier.ApplyCompletion("r-9", models.Sample{
		EntityType:       "meal_log",
		Quantity:         520,
		HasQuantity:      true,
		ProcessingStatus: models.ProcessingCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, got.LocalID)
	assert.Equal(t, models.ProcessingCompleted, got.ProcessingStatus)
	assert.Equal(t, 520.0, got.Quantity)
}

func TestApplyCompletion_ByLocalIDBeforeCreateAck(t *testing.T) {
	applier, _ := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	// The completion races ahead of the create acknowledgement, so the record
	// has no remote ID yet and the notification carries the local ID.
	rec, err := applier.Apply(models.Sample{EntityType: "meal_log", Quantity: 0, OccurredAt: at}, OriginLocal)
	require.NoError(t, err)

	got, err := applier.ApplyCompletion(rec.LocalID, models.Sample{
		EntityType:       "meal_log",
		ProcessingStatus: models.ProcessingCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, got.LocalID)
	assert.Equal(t, models.ProcessingCompleted, got.ProcessingStatus)
}

func TestApplyCompletion_DuplicateIsNoOp(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rec, err := applier.Apply(models.Sample{EntityType: "meal_log", Quantity: 0, OccurredAt: at}, OriginLocal)
	require.NoError(t, err)

	verdict := models.Sample{EntityType: "meal_log", Quantity: 520, HasQuantity: true, ProcessingStatus: models.ProcessingCompleted}
	first, err := applier.ApplyCompletion(rec.LocalID, verdict)
	require.NoError(t, err)

	second, err := applier.ApplyCompletion(rec.LocalID, verdict)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt.Unix(), second.UpdatedAt.Unix())

	got, err := st.Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingCompleted, got.ProcessingStatus)
}

func TestApplyCompletion_FailedVerdictSurfacesReason(t *testing.T) {
	applier, _ := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rec, err := applier.Apply(models.Sample{EntityType: "meal_log", Quantity: 0, OccurredAt: at}, OriginLocal)
	require.NoError(t, err)

	got, err := applier.ApplyCompletion(rec.LocalID, models.Sample{
		EntityType:       "meal_log",
		ProcessingStatus: models.ProcessingFailed,
		ErrorDetail:      "could not parse meal description",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingStatus)
	assert.Equal(t, "could not parse meal description", got.ErrorDetail)
}

func TestApplyCompletion_UnknownEntityFallsBackToMerge(t *testing.T) {
	applier, st := setupApplier(t)

	got, err := applier.ApplyCompletion("r-unseen", models.Sample{
		EntityType:       "meal_log",
		Quantity:         300,
		HasQuantity:      true,
		OccurredAt:       time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC),
		RemoteID:         "r-unseen",
		ProcessingStatus: models.ProcessingCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, "r-unseen", got.RemoteID)
	assert.Equal(t, models.SyncSynced, got.SyncStatus)

	fetched, err := st.GetByRemoteID("r-unseen")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingCompleted, fetched.ProcessingStatus)
}

func TestApplyCompletion_UnknownFailureIsDropped(t *testing.T) {
	applier, st := setupApplier(t)

	// A failure notification carries no payload, so a verdict for an entity
	// this device never saw has no entity type and nothing to merge. It must
	// be dropped, not persisted as a typeless record.
	got, err := applier.ApplyCompletion("r-ghost", models.Sample{
		ProcessingStatus: models.ProcessingFailed,
		ErrorDetail:      "could not parse meal description",
	})
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = st.GetByRemoteID("r-ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyCompletion_ZeroQuantityIsAValue(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rec, err := applier.Apply(models.Sample{EntityType: "meal_log", Quantity: 450, OccurredAt: at}, OriginLocal)
	require.NoError(t, err)

	// The backend computed zero calories: a real value, not an omission.
	got, err := applier.ApplyCompletion(rec.LocalID, models.Sample{
		EntityType:       "meal_log",
		Quantity:         0,
		HasQuantity:      true,
		ProcessingStatus: models.ProcessingCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Quantity)

	fetched, err := st.Get(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, fetched.Quantity)
}

func TestApplyCompletion_MissingQuantityKeepsLocalValue(t *testing.T) {
	applier, _ := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rec, err := applier.Apply(models.Sample{EntityType: "meal_log", Quantity: 450, OccurredAt: at}, OriginLocal)
	require.NoError(t, err)

	// A verdict that carries no value leaves the local one untouched.
	got, err := applier.ApplyCompletion(rec.LocalID, models.Sample{
		EntityType:       "meal_log",
		ProcessingStatus: models.ProcessingFailed,
		ErrorDetail:      "image too blurry",
	})
	require.NoError(t, err)
	assert.Equal(t, 450.0, got.Quantity)
}

func TestDelete_TombstonesAndQueues(t *testing.T) {
	applier, st := setupApplier(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rec, err := applier.Apply(models.Sample{EntityType: "meal_log", Quantity: 450, OccurredAt: at}, OriginLocal)
	require.NoError(t, err)
	require.NoError(t, applier.Delete(rec.LocalID))

	_, err = st.Get(rec.LocalID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	intents, err := st.IntentsForTarget(rec.LocalID)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, models.OpDelete, intents[1].Operation)
}
