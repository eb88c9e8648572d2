package models

import (
	"encoding/json"
	"time"
)

// SyncStatus tracks delivery of a record to the backend.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ProcessingStatus tracks backend-side asynchronous computation for a record
// (e.g. AI meal parsing). Independent of SyncStatus.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingActive    ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// Terminal reports whether no further processing updates are expected.
func (p ProcessingStatus) Terminal() bool {
	return p == ProcessingCompleted || p == ProcessingFailed
}

// Operation is the kind of remote effect an intent asks for.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IntentState is the lifecycle state of an outbox intent.
type IntentState string

const (
	IntentPending   IntentState = "pending"
	IntentInFlight  IntentState = "in_flight"
	IntentDone      IntentState = "done"
	IntentAbandoned IntentState = "abandoned"
)

// SyncableRecord is a locally-owned domain record plus its sync metadata.
// LocalID is generated at creation and never changes; RemoteID is assigned by
// the backend on the first acknowledged delivery and is empty until then.
type SyncableRecord struct {
	LocalID          string           `json:"local_id"`
	RemoteID         string           `json:"remote_id,omitempty"`
	EntityType       string           `json:"entity_type"`
	Quantity         float64          `json:"quantity"`
	Unit             string           `json:"unit,omitempty"`
	OccurredAt       time.Time        `json:"occurred_at"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
	SyncStatus       SyncStatus       `json:"sync_status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ErrorDetail      string           `json:"error_detail,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Day returns the UTC calendar day the record belongs to, the bucket used by
// the reconciliation policies.
func (r *SyncableRecord) Day() string {
	return r.OccurredAt.UTC().Format("2006-01-02")
}

// OutboxIntent is one durable entry in the write-ahead intent log. Intents are
// delivered at-least-once; effect idempotency comes from the LocalID->RemoteID
// mapping on the server side.
type OutboxIntent struct {
	IntentID       string      `json:"intent_id"`
	TargetLocalID  string      `json:"target_local_id"`
	EntityType     string      `json:"entity_type"`
	Operation      Operation   `json:"operation"`
	AttemptCount   int         `json:"attempt_count"`
	NextEligibleAt time.Time   `json:"next_eligible_at"`
	State          IntentState `json:"state"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	LastError      string      `json:"last_error,omitempty"`
}

// Sample is an incoming value for an entity, before reconciliation decides how
// it merges with existing local state. Whether it came from user input, a
// realtime notification, or a poll does not matter to the merge.
type Sample struct {
	EntityType string
	Quantity   float64
	// HasQuantity distinguishes a computed value of zero from a verdict that
	// carried no value at all (failure notifications have no payload).
	HasQuantity bool
	Unit        string
	OccurredAt  time.Time
	Payload     json.RawMessage
	// RemoteID is set when the sample originated from the backend.
	RemoteID string
	// ProcessingStatus carries the backend's processing verdict when the
	// sample came from a completion notification or a poll.
	ProcessingStatus ProcessingStatus
	// ErrorDetail carries the failure reason for a failed verdict.
	ErrorDetail string
}
