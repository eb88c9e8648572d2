package reconcile

import (
	"math"

	"github.com/lumehealth/lumesync/internal/events"
	"github.com/lumehealth/lumesync/internal/models"
)

// MergeKind is the decision a policy makes about an incoming sample.
type MergeKind int

const (
	// MergeInsertNew records the sample as a brand new entry.
	MergeInsertNew MergeKind = iota
	// MergeAggregate adds the sample onto the existing same-day record.
	MergeAggregate
	// MergeReplace overwrites the existing record's quantity in place.
	MergeReplace
	// MergeNoChange leaves local state untouched.
	MergeNoChange
)

func (k MergeKind) String() string {
	switch k {
	case MergeInsertNew:
		return "insert_new"
	case MergeAggregate:
		return "aggregate"
	case MergeReplace:
		return "replace"
	case MergeNoChange:
		return "no_change"
	default:
		return "unknown"
	}
}

// MergeResult carries the policy decision and, for aggregate and replace, the
// quantity the existing record should end up holding.
type MergeResult struct {
	Kind     MergeKind
	Quantity float64
}

// Policy decides how a new value for an entity type merges with existing
// local state for the same calendar day. Merge is pure: it never touches
// storage and is applied identically whether the sample came from user input,
// the realtime channel, or a poll.
type Policy struct {
	Kind events.PolicyKind
	// Tolerance is the quantity delta below which replace_if_changed treats
	// the sample as identical. Zero means exact comparison.
	Tolerance float64
}

// Merge decides what to do with an incoming sample given the existing
// same-day record (nil when the day has no record yet).
func (p Policy) Merge(existing *models.SyncableRecord, in models.Sample) MergeResult {
	if existing == nil {
		return MergeResult{Kind: MergeInsertNew, Quantity: in.Quantity}
	}

	switch p.Kind {
	case events.PolicyAggregate:
		return MergeResult{Kind: MergeAggregate, Quantity: existing.Quantity + in.Quantity}
	case events.PolicyReplaceIfChanged:
		if math.Abs(existing.Quantity-in.Quantity) <= p.Tolerance {
			return MergeResult{Kind: MergeNoChange, Quantity: existing.Quantity}
		}
		return MergeResult{Kind: MergeReplace, Quantity: in.Quantity}
	default:
		return MergeResult{Kind: MergeInsertNew, Quantity: in.Quantity}
	}
}

// Registry maps entity types to their reconciliation policy.
type Registry map[events.EntityType]Policy

// NewRegistry returns the default policy registry: water aggregates per day,
// weight and mood replace in place when changed, everything else appends.
func NewRegistry() Registry {
	reg := make(Registry, len(events.AllEntityTypes()))
	for et := range events.AllEntityTypes() {
		reg[et] = Policy{Kind: events.DefaultPolicy(et)}
	}
	return reg
}

// PolicyFor returns the policy for an entity type, defaulting to insert_new
// for unknown types.
func (r Registry) PolicyFor(entityType string) Policy {
	et, ok := events.NormalizeEntityType(entityType)
	if !ok {
		return Policy{Kind: events.PolicyInsertNew}
	}
	if p, ok := r[et]; ok {
		return p
	}
	return Policy{Kind: events.DefaultPolicy(et)}
}
