package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lumehealth/lumesync/internal/gateway"
	"github.com/lumehealth/lumesync/internal/models"
	"github.com/lumehealth/lumesync/internal/outbox"
	"github.com/lumehealth/lumesync/internal/poller"
	"github.com/lumehealth/lumesync/internal/realtime"
	"github.com/lumehealth/lumesync/internal/reconcile"
	"github.com/lumehealth/lumesync/internal/store"
)

// Engine is the composition root of the sync engine: one entity store, one
// outbox processor, one realtime channel, and one polling fallback, wired
// together behind the API the host application consumes.
type Engine struct {
	store     *store.Store
	applier   *reconcile.Applier
	processor *outbox.Processor
	channel   *realtime.Channel // nil when no realtime endpoint is configured
	poller    *poller.Coordinator
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    sync.WaitGroup
	started bool
}

// Options configures New. Zero values fall back to defaults.
type Options struct {
	Store     *store.Store
	Gateway   gateway.Gateway
	Policies  reconcile.Registry
	Processor outbox.Config
	Poller    poller.Config
	// Realtime is left nil to run without a push channel (polling only).
	Realtime *realtime.Config
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

// New wires an Engine. It does not start any background work; call Start.
func New(opts Options) *Engine {
	if opts.Policies == nil {
		opts.Policies = reconcile.NewRegistry()
	}
	if opts.Processor == (outbox.Config{}) {
		opts.Processor = outbox.DefaultConfig()
	}
	if opts.Poller == (poller.Config{}) {
		opts.Poller = poller.DefaultConfig()
	}

	e := &Engine{store: opts.Store, now: opts.Clock}
	if e.now == nil {
		e.now = time.Now
	}
	e.applier = reconcile.NewApplier(opts.Store, opts.Policies, opts.Clock)
	e.processor = outbox.New(opts.Store, opts.Gateway, e.applier, opts.Processor, opts.Clock)

	if opts.Realtime != nil {
		e.channel = realtime.New(*opts.Realtime, e.applier)
	}
	connected := func() bool {
		return e.channel != nil && e.channel.State() == realtime.StateConnected
	}
	e.poller = poller.New(opts.Store, opts.Gateway, e.applier, opts.Poller, connected)

	return e
}

// Store exposes the entity store for read-only views.
func (e *Engine) Store() *store.Store { return e.store }

// Applier exposes the shared reconciliation path.
func (e *Engine) Applier() *reconcile.Applier { return e.applier }

// ChannelState reports the realtime channel state, disconnected when no
// channel is configured.
func (e *Engine) ChannelState() realtime.State {
	if e.channel == nil {
		return realtime.StateDisconnected
	}
	return e.channel.State()
}

// PollerRunning reports whether the fallback poll loop is active.
func (e *Engine) PollerRunning() bool { return e.poller.Running() }

// Start launches the background tasks: the outbox processor, the realtime
// channel (when configured), and the fallback evaluation. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.done.Add(1)
	go func() {
		defer e.done.Done()
		if err := e.processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("engine: processor stopped", "err", err)
		}
	}()

	if e.channel != nil {
		e.channel.OnStateChange(func(s realtime.State) {
			// A reconnect both kills the fallback and is a good moment to
			// flush anything that queued up while offline.
			e.poller.Evaluate(runCtx)
			if s == realtime.StateConnected {
				e.processor.Nudge()
			}
		})
		e.done.Add(1)
		go func() {
			defer e.done.Done()
			if err := e.channel.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("engine: realtime channel stopped", "err", err)
			}
		}()
	}

	e.poller.Evaluate(runCtx)
}

// Stop shuts the engine down, letting in-flight deliveries finish or fail
// cleanly before returning.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.started = false
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.done.Wait()
	e.poller.Deactivate()
	e.poller.Wait()
}

// Log records a locally captured sample: the merge policy decides whether it
// becomes a new record or folds into an existing one, the write and its
// outbox intent land in one transaction, and the processor is nudged.
func (e *Engine) Log(ctx context.Context, sample models.Sample) (*models.SyncableRecord, error) {
	rec, err := e.applier.Apply(sample, reconcile.OriginLocal)
	if err != nil {
		return nil, err
	}
	e.processor.Nudge()
	e.poller.Evaluate(ctx)
	return rec, nil
}

// Delete tombstones a record and schedules its delete intent.
func (e *Engine) Delete(ctx context.Context, localID string) error {
	if err := e.applier.Delete(localID); err != nil {
		return err
	}
	e.processor.Nudge()
	return nil
}

// Retry re-enqueues a fresh intent with a reset attempt count for a record
// whose delivery was abandoned.
func (e *Engine) Retry(ctx context.Context, localID string) error {
	rec, err := e.store.Get(localID)
	if err != nil {
		return err
	}
	op := models.OpUpdate
	if rec.RemoteID == "" {
		op = models.OpCreate
	}
	if err := e.store.RequeueAbandoned(localID, e.applier.NewIntentFor(rec, op)); err != nil {
		return err
	}
	e.processor.Nudge()
	return nil
}

// ManualSync nudges the outbox processor and the polling coordinator to run
// immediately (pull-to-refresh).
func (e *Engine) ManualSync(ctx context.Context) {
	e.processor.Nudge()
	e.poller.Evaluate(ctx)
	e.poller.Nudge()
}

// SyncOnce drains the outbox synchronously and returns how many intents
// reached a terminal state. Used by the one-shot CLI sync command.
func (e *Engine) SyncOnce(ctx context.Context) (int, error) {
	if _, err := e.store.RecoverInFlight(e.now()); err != nil {
		return 0, err
	}
	return e.processor.DrainOnce(ctx), nil
}

// Observe returns a change signal for one entity type; see store.Observe.
func (e *Engine) Observe(entityType string) (<-chan struct{}, func()) {
	return e.store.Observe(entityType)
}

// Status summarises the engine's externally visible state.
type Status struct {
	PendingIntents   int64
	InFlightIntents  int64
	AbandonedIntents int64
	ChannelState     realtime.State
	PollerActive     bool
}

// Status reports queue depths and connection state for the status command.
func (e *Engine) Status() (*Status, error) {
	pending, err := e.store.CountIntents(models.IntentPending)
	if err != nil {
		return nil, err
	}
	inFlight, err := e.store.CountIntents(models.IntentInFlight)
	if err != nil {
		return nil, err
	}
	abandoned, err := e.store.CountIntents(models.IntentAbandoned)
	if err != nil {
		return nil, err
	}
	return &Status{
		PendingIntents:   pending,
		InFlightIntents:  inFlight,
		AbandonedIntents: abandoned,
		ChannelState:     e.ChannelState(),
		PollerActive:     e.poller.Running(),
	}, nil
}
