package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumehealth/lumesync/internal/models"
	"github.com/lumehealth/lumesync/internal/reconcile"
)

// State is the channel's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Config tunes the channel's connection behaviour.
type Config struct {
	// URL is the websocket endpoint (wss://...).
	URL string
	// APIKey and Token authenticate the session.
	APIKey string
	Token  string
	// PingPeriod is the keep-alive interval; PongWait is how long a silent
	// connection is tolerated before being forced down.
	PingPeriod time.Duration
	PongWait   time.Duration
	// WriteWait caps each outbound write.
	WriteWait time.Duration
	// ReconnectBase and ReconnectMax bound the redial delay.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultConfig returns the keep-alive timings the backend expects.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		PingPeriod:    30 * time.Second,
		PongWait:      75 * time.Second,
		WriteWait:     10 * time.Second,
		ReconnectBase: time.Second,
		ReconnectMax:  time.Minute,
	}
}

// Channel maintains the persistent push connection to the backend and routes
// entity_completed / entity_failed notifications through the reconciliation
// path. Its state feeds the polling fallback coordinator.
type Channel struct {
	cfg     Config
	applier *reconcile.Applier
	dialer  *websocket.Dialer

	mu        sync.RWMutex
	state     State
	listeners []func(State)
}

// New creates a Channel in the disconnected state.
func New(cfg Config, applier *reconcile.Applier) *Channel {
	return &Channel{
		cfg:     cfg,
		applier: applier,
		dialer:  websocket.DefaultDialer,
		state:   StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers a listener invoked on every state transition.
// Listeners must not block.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := make([]func(State), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	slog.Debug("realtime: state", "state", s)
	for _, fn := range listeners {
		fn(s)
	}
}

// Run keeps the channel alive until the context is cancelled: dial, pump
// messages, and on any error back off and redial.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			attempt++
			delay := reconnectDelay(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
			slog.Debug("realtime: dial failed", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.setState(StateConnected)
		err = c.pump(ctx, conn)
		conn.Close()
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("realtime: connection lost", "err", err)
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.APIKey != "" {
		header.Set("X-API-Key", c.cfg.APIKey)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	return conn, err
}

// pump reads messages until the connection dies, keeping it alive with
// periodic pings. A missing pong within PongWait forces the connection down.
func (c *Channel) pump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.cfg.WriteWait))
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("realtime: read", "err", err)
			}
			return err
		}
		c.handleMessage(data)
	}
}

// handleMessage decodes and dispatches one inbound frame. Malformed frames
// are logged and dropped; they never take the connection down.
func (c *Channel) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("realtime: bad frame", "err", err)
		return
	}

	switch env.Type {
	case TypeConnectionAck:
		slog.Debug("realtime: connection acknowledged")
	case TypeEntityCompleted:
		c.applyVerdict(&env, models.ProcessingCompleted)
	case TypeEntityFailed:
		c.applyVerdict(&env, models.ProcessingFailed)
	case TypeError:
		slog.Warn("realtime: server error", "code", env.ErrorCode)
	default:
		slog.Debug("realtime: ignoring message", "type", env.Type)
	}
}

func (c *Channel) applyVerdict(env *Envelope, status models.ProcessingStatus) {
	if env.EntityID == "" {
		slog.Warn("realtime: verdict without entity id", "type", env.Type)
		return
	}

	sample := models.Sample{ProcessingStatus: status, ErrorDetail: env.Reason}
	if status == models.ProcessingCompleted && len(env.Payload) > 0 {
		var body CompletionPayload
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			slog.Warn("realtime: bad completion payload", "entity_id", env.EntityID, "err", err)
		} else {
			sample.EntityType = body.EntityType
			sample.Quantity = body.Quantity
			sample.HasQuantity = true
			sample.Unit = body.Unit
			sample.Payload = body.Data
			if body.OccurredAt != "" {
				if ts, err := time.Parse(time.RFC3339, body.OccurredAt); err == nil {
					sample.OccurredAt = ts
				}
			}
		}
	}

	if _, err := c.applier.ApplyCompletion(env.EntityID, sample); err != nil {
		slog.Warn("realtime: apply verdict", "entity_id", env.EntityID, "err", err)
		return
	}
	slog.Debug("realtime: verdict applied", "entity_id", env.EntityID, "status", status)
}

func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
