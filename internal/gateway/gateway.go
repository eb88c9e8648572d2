package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ServerState is the backend's view of one entity, returned by every call
// that touches it.
type ServerState struct {
	RemoteID         string          `json:"id"`
	EntityType       string          `json:"entity_type"`
	Quantity         float64         `json:"quantity"`
	Unit             string          `json:"unit,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	ProcessingStatus string          `json:"processing_status,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// RecordPayload is the outbound body for create and update calls. LocalID
// doubles as the idempotency key: the backend echoes it back and deduplicates
// replays by it, which is what makes at-least-once delivery effectively-once.
type RecordPayload struct {
	LocalID    string          `json:"local_id"`
	EntityType string          `json:"entity_type"`
	Quantity   float64         `json:"quantity"`
	Unit       string          `json:"unit,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// FetchFilter narrows a bulk fetch.
type FetchFilter struct {
	EntityType string
	Since      time.Time
	RemoteIDs  []string
}

// Gateway is the abstract boundary to the backend. All calls are safe to
// retry and carry the caller's context for timeout and cancellation.
type Gateway interface {
	Create(ctx context.Context, payload RecordPayload) (*ServerState, error)
	Update(ctx context.Context, remoteID string, payload RecordPayload) (*ServerState, error)
	Delete(ctx context.Context, remoteID string) error
	Fetch(ctx context.Context, filter FetchFilter) ([]ServerState, error)
}

// Credentials supplies the session token per call. Refresh is the
// collaborator's one chance to recover from an expired token; the engine does
// not manage token lifetimes itself.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticCredentials is a Credentials with a fixed token and no refresh.
type StaticCredentials string

func (s StaticCredentials) Token(context.Context) (string, error) { return string(s), nil }

func (s StaticCredentials) Refresh(context.Context) (string, error) {
	return "", errors.New("static credentials cannot refresh")
}

// --- Error taxonomy ---

// TransientError covers failures worth retrying with backoff: network
// errors, timeouts, 5xx and rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// AuthError means the credential was rejected even after its one refresh
// attempt. Not retryable by the processor.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError means the backend rejected the payload itself. Never
// retryable; the intent is abandoned immediately.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %s", e.Message) }

// ConflictError means the backend's view of the entity diverged from ours
// (missing or changed remote ID). Resolved by re-fetching server state and
// re-running reconciliation.
type ConflictError struct {
	RemoteID string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.RemoteID, e.Message)
}

// IsRetryable reports whether the error is a TransientError (including
// context deadline expiry, which the processor treats the same way).
func IsRetryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
