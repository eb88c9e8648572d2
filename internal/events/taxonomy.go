package events

import "strings"

// EntityType represents the canonical syncable entity types.
type EntityType string

const (
	EntityMealLog      EntityType = "meal_log"
	EntitySleepSession EntityType = "sleep_session"
	EntityMoodEntry    EntityType = "mood_entry"
	EntityWeightSample EntityType = "weight_sample"
	EntityWaterSample  EntityType = "water_sample"
)

// PolicyKind selects which reconciliation policy applies to an entity type.
type PolicyKind string

const (
	// PolicyAggregate adds the incoming quantity to the existing same-day
	// record (cumulative metrics like water intake).
	PolicyAggregate PolicyKind = "aggregate"
	// PolicyReplaceIfChanged overwrites the existing same-day record in place
	// when the quantity differs, and is a no-op when it does not.
	PolicyReplaceIfChanged PolicyKind = "replace_if_changed"
	// PolicyInsertNew always records a new entry (event-like entities).
	PolicyInsertNew PolicyKind = "insert_new"
)

// AllEntityTypes returns all valid entity types.
func AllEntityTypes() map[EntityType]bool {
	return map[EntityType]bool{
		EntityMealLog:      true,
		EntitySleepSession: true,
		EntityMoodEntry:    true,
		EntityWeightSample: true,
		EntityWaterSample:  true,
	}
}

// IsValidEntityType checks if the given entity type string is valid.
func IsValidEntityType(et string) bool {
	return AllEntityTypes()[EntityType(et)]
}

// NormalizeEntityType normalizes an entity type string to its canonical form.
// Handles hyphenated and plural spellings used by older clients and the
// backend wire format.
func NormalizeEntityType(entityType string) (EntityType, bool) {
	switch strings.ToLower(strings.ReplaceAll(entityType, "-", "_")) {
	case "meal", "meal_log", "meal_logs":
		return EntityMealLog, true
	case "sleep", "sleep_session", "sleep_sessions":
		return EntitySleepSession, true
	case "mood", "mood_entry", "mood_entries":
		return EntityMoodEntry, true
	case "weight", "weight_sample", "weight_samples":
		return EntityWeightSample, true
	case "water", "water_sample", "water_samples":
		return EntityWaterSample, true
	default:
		return "", false
	}
}

// DefaultPolicy returns the reconciliation policy kind for an entity type.
func DefaultPolicy(et EntityType) PolicyKind {
	switch et {
	case EntityWaterSample:
		return PolicyAggregate
	case EntityWeightSample, EntityMoodEntry:
		return PolicyReplaceIfChanged
	default:
		return PolicyInsertNew
	}
}

// AsyncProcessed reports whether the backend runs asynchronous processing for
// this entity type (and therefore emits completion notifications for it).
func AsyncProcessed(et EntityType) bool {
	return et == EntityMealLog
}
