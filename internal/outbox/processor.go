package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumehealth/lumesync/internal/gateway"
	"github.com/lumehealth/lumesync/internal/models"
	"github.com/lumehealth/lumesync/internal/reconcile"
	"github.com/lumehealth/lumesync/internal/store"
)

// Config tunes the processor's delivery behaviour.
type Config struct {
	// Workers bounds how many entities are delivered concurrently.
	Workers int
	// MaxAttempts is the attempt count after which an intent is abandoned.
	MaxAttempts int
	// BaseBackoff and MaxBackoff bound the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// CallTimeout caps each individual gateway call.
	CallTimeout time.Duration
	// TickInterval is how often the run loop wakes without a nudge.
	TickInterval time.Duration
}

// DefaultConfig matches the retry behaviour the mobile clients use.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxAttempts:  6,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   5 * time.Minute,
		CallTimeout:  30 * time.Second,
		TickInterval: time.Minute,
	}
}

// Processor drains the outbox in the background: it selects eligible intents
// (coalesced per entity), delivers them through the gateway with bounded
// concurrency, and turns every outcome into a state transition. It never
// lets an error escape its run loop.
type Processor struct {
	store   *store.Store
	gw      gateway.Gateway
	applier *reconcile.Applier
	cfg     Config
	now     func() time.Time

	nudge chan struct{}
}

// New creates a Processor. A nil clock defaults to time.Now.
func New(st *store.Store, gw gateway.Gateway, applier *reconcile.Applier, cfg Config, clock func() time.Time) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &Processor{
		store:   st,
		gw:      gw,
		applier: applier,
		cfg:     cfg,
		now:     clock,
		nudge:   make(chan struct{}, 1),
	}
}

// Nudge wakes the run loop without waiting for the next tick. Safe to call
// from any goroutine; redundant nudges collapse into one.
func (p *Processor) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Run recovers crashed in-flight intents, then drains the outbox on every
// nudge or tick until the context is cancelled. In-flight deliveries finish
// before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	if n, err := p.store.RecoverInFlight(p.now()); err != nil {
		slog.Warn("outbox: recover in-flight", "err", err)
	} else if n > 0 {
		slog.Info("outbox: recovered in-flight intents", "count", n)
	}

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		p.DrainOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.nudge:
		case <-ticker.C:
		}
	}
}

// DrainOnce delivers every currently eligible intent and returns how many
// reached a terminal outcome for this pass (done or abandoned).
func (p *Processor) DrainOnce(ctx context.Context) int {
	intents, err := p.store.NextEligible(p.now())
	if err != nil {
		slog.Warn("outbox: select eligible", "err", err)
		return 0
	}
	if len(intents) == 0 {
		return 0
	}

	slog.Debug("outbox: draining", "intents", len(intents))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	sem := make(chan struct{}, p.cfg.Workers)
	for i := range intents {
		if ctx.Err() != nil {
			break
		}
		intent := intents[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if p.deliver(ctx, &intent) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return delivered
}

// deliver pushes one intent through the gateway and applies the outcome.
// Returns true when the intent reached a terminal state.
func (p *Processor) deliver(ctx context.Context, intent *models.OutboxIntent) bool {
	attempts, err := p.store.MarkInFlight(intent.IntentID)
	if err != nil {
		// Lost the race with another trigger; the in-flight marker keeps
		// per-entity delivery serialized.
		slog.Debug("outbox: skip intent", "intent", intent.IntentID, "err", err)
		return false
	}
	intent.AttemptCount = attempts

	rec, err := p.store.GetAny(intent.TargetLocalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Record vanished locally; nothing left to deliver.
			if cerr := p.store.CompleteDelivery(intent, ""); cerr != nil {
				slog.Warn("outbox: settle orphan intent", "intent", intent.IntentID, "err", cerr)
			}
			return true
		}
		slog.Warn("outbox: load record", "intent", intent.IntentID, "err", err)
		p.fail(intent, err)
		return false
	}

	// A delete for an entity the backend never saw resolves locally.
	if intent.Operation == models.OpDelete && rec.RemoteID == "" {
		if err := p.store.CompleteDelivery(intent, ""); err != nil {
			slog.Warn("outbox: local delete", "intent", intent.IntentID, "err", err)
			return false
		}
		slog.Debug("outbox: delete resolved locally", "local_id", intent.TargetLocalID)
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	remoteID, err := p.dispatch(callCtx, intent, rec)
	if err != nil {
		return p.handleFailure(ctx, intent, rec, err)
	}

	if err := p.store.CompleteDelivery(intent, remoteID); err != nil {
		slog.Warn("outbox: complete delivery", "intent", intent.IntentID, "err", err)
		return false
	}
	slog.Debug("outbox: delivered", "local_id", intent.TargetLocalID,
		"op", intent.Operation, "remote_id", remoteID, "attempt", attempts)
	return true
}

// dispatch performs the gateway call for an intent. Updates for entities that
// have no remote ID yet are sent as creates: the server deduplicates by
// local_id, and only the final payload matters.
func (p *Processor) dispatch(ctx context.Context, intent *models.OutboxIntent, rec *models.SyncableRecord) (string, error) {
	payload := gateway.RecordPayload{
		LocalID:    rec.LocalID,
		EntityType: rec.EntityType,
		Quantity:   rec.Quantity,
		Unit:       rec.Unit,
		OccurredAt: rec.OccurredAt,
		Payload:    rec.Payload,
	}

	switch {
	case intent.Operation == models.OpDelete:
		return "", p.gw.Delete(ctx, rec.RemoteID)
	case intent.Operation == models.OpCreate || rec.RemoteID == "":
		state, err := p.gw.Create(ctx, payload)
		if err != nil {
			return "", err
		}
		return state.RemoteID, nil
	default:
		state, err := p.gw.Update(ctx, rec.RemoteID, payload)
		if err != nil {
			return "", err
		}
		return state.RemoteID, nil
	}
}

// handleFailure classifies a delivery error into a state transition.
// Returns true when the intent reached a terminal state.
func (p *Processor) handleFailure(ctx context.Context, intent *models.OutboxIntent, rec *models.SyncableRecord, err error) bool {
	var (
		ve *gateway.ValidationError
		ae *gateway.AuthError
		ce *gateway.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		slog.Warn("outbox: payload rejected", "local_id", intent.TargetLocalID, "err", err)
		p.abandon(intent, err)
		return true
	case errors.As(err, &ae):
		// The credential collaborator already had its refresh chance inside
		// the gateway; a persistent auth failure is terminal for the intent.
		slog.Warn("outbox: auth failure", "local_id", intent.TargetLocalID, "err", err)
		p.abandon(intent, err)
		return true
	case errors.As(err, &ce):
		return p.resolveConflict(ctx, intent, rec, ce)
	case gateway.IsRetryable(err):
		if intent.AttemptCount >= p.cfg.MaxAttempts {
			slog.Warn("outbox: retries exhausted", "local_id", intent.TargetLocalID,
				"attempts", intent.AttemptCount, "err", err)
			p.abandon(intent, err)
			return true
		}
		p.fail(intent, err)
		return false
	default:
		// Unknown errors are treated as transient so a bug in classification
		// cannot silently drop an intent.
		slog.Warn("outbox: unclassified error", "local_id", intent.TargetLocalID, "err", err)
		if intent.AttemptCount >= p.cfg.MaxAttempts {
			p.abandon(intent, err)
			return true
		}
		p.fail(intent, err)
		return false
	}
}

// resolveConflict handles the backend disagreeing about an entity's identity:
// the authoritative server state is re-fetched and re-reconciled, and the
// intent is settled. Last successful write wins.
func (p *Processor) resolveConflict(ctx context.Context, intent *models.OutboxIntent, rec *models.SyncableRecord, ce *gateway.ConflictError) bool {
	slog.Info("outbox: conflict, refetching server state",
		"local_id", intent.TargetLocalID, "remote_id", rec.RemoteID)

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	states, err := p.gw.Fetch(fetchCtx, gateway.FetchFilter{
		EntityType: rec.EntityType,
		RemoteIDs:  []string{rec.RemoteID},
	})
	if err != nil {
		// Could not resolve now; retry the whole intent later.
		p.fail(intent, fmt.Errorf("conflict refetch: %w", err))
		return false
	}

	for i := range states {
		if _, err := p.applier.ApplyCompletion(states[i].RemoteID, stateToSample(&states[i])); err != nil {
			slog.Warn("outbox: apply conflict state", "remote_id", states[i].RemoteID, "err", err)
		}
	}
	if err := p.store.CompleteDelivery(intent, ""); err != nil {
		slog.Warn("outbox: settle conflicted intent", "intent", intent.IntentID, "err", err)
		return false
	}
	return true
}

func (p *Processor) fail(intent *models.OutboxIntent, err error) {
	delay := backoff(intent.AttemptCount, p.cfg.BaseBackoff, p.cfg.MaxBackoff)
	next := p.now().Add(delay)
	if ferr := p.store.FailDelivery(intent, err.Error(), next, false); ferr != nil {
		slog.Warn("outbox: record failure", "intent", intent.IntentID, "err", ferr)
		return
	}
	slog.Debug("outbox: retry scheduled", "local_id", intent.TargetLocalID,
		"attempt", intent.AttemptCount, "next_eligible_in", delay)
}

func (p *Processor) abandon(intent *models.OutboxIntent, err error) {
	if ferr := p.store.FailDelivery(intent, err.Error(), p.now(), true); ferr != nil {
		slog.Warn("outbox: abandon intent", "intent", intent.IntentID, "err", ferr)
	}
}

// stateToSample converts fetched server state into the sample shape the
// reconciliation path consumes.
func stateToSample(st *gateway.ServerState) models.Sample {
	return models.Sample{
		EntityType:       st.EntityType,
		Quantity:         st.Quantity,
		HasQuantity:      true,
		Unit:             st.Unit,
		OccurredAt:       st.OccurredAt,
		Payload:          st.Payload,
		RemoteID:         st.RemoteID,
		ProcessingStatus: models.ProcessingStatus(st.ProcessingStatus),
	}
}
