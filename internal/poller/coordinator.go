package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumehealth/lumesync/internal/gateway"
	"github.com/lumehealth/lumesync/internal/models"
	"github.com/lumehealth/lumesync/internal/reconcile"
	"github.com/lumehealth/lumesync/internal/store"
)

// Config tunes the fallback poll loop.
type Config struct {
	// Interval between refresh ticks.
	Interval time.Duration
	// CallTimeout caps each bulk fetch.
	CallTimeout time.Duration
}

// DefaultConfig polls at a deliberately low frequency; the realtime channel
// is the primary path and polling only covers its absence.
func DefaultConfig() Config {
	return Config{
		Interval:    20 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Coordinator supervises the polling fallback. A poll loop runs if and only
// if some record still awaits a backend processing verdict and the realtime
// channel is not connected. The loop stops itself the moment either condition
// flips. At most one loop instance exists at a time.
type Coordinator struct {
	store   *store.Store
	gw      gateway.Gateway
	applier *reconcile.Applier
	cfg     Config
	// connected reports whether the realtime channel is up.
	connected func() bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wake   chan struct{}
	loops  sync.WaitGroup
}

// New creates a Coordinator. connected must be safe to call from any
// goroutine.
func New(st *store.Store, gw gateway.Gateway, applier *reconcile.Applier, cfg Config, connected func() bool) *Coordinator {
	return &Coordinator{
		store:     st,
		gw:        gw,
		applier:   applier,
		cfg:       cfg,
		connected: connected,
		wake:      make(chan struct{}, 1),
	}
}

// Running reports whether a poll loop is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Evaluate applies the activation rule: it starts the loop when fallback is
// needed and stops it when not. Call it whenever the channel state changes or
// records are written. Redundant calls are no-ops.
func (c *Coordinator) Evaluate(ctx context.Context) {
	if c.connected() {
		c.Deactivate()
		return
	}
	unresolved, err := c.store.ListUnresolvedProcessing()
	if err != nil {
		slog.Warn("poller: list unresolved", "err", err)
		return
	}
	if len(unresolved) == 0 {
		c.Deactivate()
		return
	}
	c.activate(ctx)
}

// activate starts the loop unless one is already running.
func (c *Coordinator) activate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return // already active
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	slog.Info("poller: fallback activated")
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		c.loop(loopCtx)
	}()
}

// Deactivate stops the loop if one is running.
func (c *Coordinator) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	slog.Info("poller: fallback stopped")
}

// Wait blocks until every loop goroutine has exited. Call after Deactivate
// to guarantee no poll work runs past shutdown. Deactivate itself must not
// wait: the loop calls Deactivate on its own stop conditions.
func (c *Coordinator) Wait() {
	c.loops.Wait()
}

// Nudge triggers an immediate tick on an active loop (manual sync).
func (c *Coordinator) Nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		// Re-check the activation conditions every pass so the loop halts
		// within one tick of the channel connecting or the work draining.
		if c.connected() {
			c.Deactivate()
			return
		}
		unresolved, err := c.store.ListUnresolvedProcessing()
		if err != nil {
			slog.Warn("poller: list unresolved", "err", err)
		} else if len(unresolved) == 0 {
			c.Deactivate()
			return
		} else {
			c.pollOnce(ctx, unresolved)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// pollOnce bulk-fetches the server state of unresolved entities and applies
// the results through the shared reconciliation path.
func (c *Coordinator) pollOnce(ctx context.Context, unresolved []models.SyncableRecord) {
	byType := make(map[string][]string)
	for _, rec := range unresolved {
		if rec.RemoteID == "" {
			continue // not delivered yet; nothing to ask the server about
		}
		byType[rec.EntityType] = append(byType[rec.EntityType], rec.RemoteID)
	}

	for entityType, ids := range byType {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		states, err := c.gw.Fetch(callCtx, gateway.FetchFilter{
			EntityType: entityType,
			RemoteIDs:  ids,
		})
		cancel()
		if err != nil {
			slog.Debug("poller: fetch", "entity_type", entityType, "err", err)
			continue
		}
		for i := range states {
			st := &states[i]
			if st.ProcessingStatus == "" {
				continue // still in progress server-side
			}
			sample := models.Sample{
				EntityType:       st.EntityType,
				Quantity:         st.Quantity,
				HasQuantity:      true,
				Unit:             st.Unit,
				OccurredAt:       st.OccurredAt,
				Payload:          st.Payload,
				RemoteID:         st.RemoteID,
				ProcessingStatus: models.ProcessingStatus(st.ProcessingStatus),
			}
			if _, err := c.applier.ApplyCompletion(st.RemoteID, sample); err != nil {
				slog.Warn("poller: apply state", "remote_id", st.RemoteID, "err", err)
			}
		}
	}
}
