package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"roomlab/domain"
	errs "roomlab/errors"
	"roomlab/infrastructure/ws"
)

// State is the connection state machine surfaced to the UI:
// Disconnected -> Reconnecting(attempt) -> Connected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateConnected    State = "connected"
)

const defaultMaxReconnectAttempts = 5

type Config struct {
	URL     string // e.g. ws://host:8080/ws
	Token   string
	Project string

	// Identity fallback when the server runs without a token verifier.
	UserID   string
	Username string

	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	HandshakeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// FrameHandler observes every inbound frame after the reconciler has
// processed it (UI hooks).
type FrameHandler func(frame ws.Frame)

// Client connects to the gateway, keeps the local reconciler fed, and
// reconnects with capped exponential backoff on unexpected disconnects.
// A reconnect always re-joins and resyncs from the snapshot; no buffered
// history is assumed to have survived.
type Client struct {
	cfg        Config
	log        *slog.Logger
	reconciler *Reconciler
	onFrame    FrameHandler

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	conn     *websocket.Conn

	closing chan struct{}
	once    sync.Once
}

func New(cfg Config, log *slog.Logger, onFrame FrameHandler) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		log:        log,
		reconciler: NewReconciler(cfg.UserID),
		onFrame:    onFrame,
		state:      StateDisconnected,
		closing:    make(chan struct{}),
	}
}

func (c *Client) Reconciler() *Reconciler { return c.reconciler }

// Connected, ReconnectAttempts and LastError are the UI-observable
// contract: state is explicit fields, never silent retries past the cap.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Run connects and processes frames until the context ends, Close is
// called, or the reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		c.setError(err)
		return err
	}

	for {
		err := c.readUntilFailure(ctx)
		if ctx.Err() != nil || c.isClosing() {
			c.setState(StateDisconnected)
			return nil
		}
		c.log.Warn("Connection lost, reconnecting", "error", err)
		c.setError(err)

		if err := c.reconnect(ctx); err != nil {
			c.setError(err)
			c.setState(StateDisconnected)
			return err
		}
	}
}

// Close stops the client; no reconnection is attempted afterwards.
func (c *Client) Close() {
	c.once.Do(func() { close(c.closing) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// connect dials, joins, and resyncs the reconciler from the snapshot.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	join, err := ws.NewFrame(ws.TypeJoin, ws.JoinPayload{
		ProjectID: c.cfg.Project,
		UserID:    c.cfg.UserID,
		Username:  c.cfg.Username,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var ackFrame ws.Frame
	if err := conn.ReadJSON(&ackFrame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read join ack: %w", err)
	}
	if ackFrame.Type != ws.TypeJoinAck {
		_ = conn.Close()
		return fmt.Errorf("expected %s, got %s", ws.TypeJoinAck, ackFrame.Type)
	}
	var ack ws.JoinAckPayload
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("decode join ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.reconciler.Reset(ack)

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Info("Connected", "project", c.cfg.Project)
	return nil
}

// reconnect retries connect with exponential backoff, capped at the
// configured attempt budget.
func (c *Client) reconnect(ctx context.Context) error {
	c.setState(StateReconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.MaxReconnectAttempts-1)), ctx)

	operation := func() error {
		if c.isClosing() {
			return backoff.Permanent(errs.ErrSessionClosed)
		}
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()
		c.log.Info("Reconnect attempt", "attempt", attempt, "max", c.cfg.MaxReconnectAttempts)
		return c.connect(ctx)
	}
	notify := func(err error, wait time.Duration) {
		c.setError(err)
		c.log.Warn("Reconnect failed", "error", err, "next_in", wait)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil || c.isClosing() {
			return err
		}
		return fmt.Errorf("%w after %d attempts: %v",
			errs.ErrReconnectExhausted, c.cfg.MaxReconnectAttempts, err)
	}
	return nil
}

// readUntilFailure pumps frames into the reconciler until the connection
// breaks or the client closes.
func (c *Client) readUntilFailure(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		if ctx.Err() != nil || c.isClosing() {
			return nil
		}
		var frame ws.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			_ = conn.Close()
			return err
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame ws.Frame) {
	switch frame.Type {
	case ws.TypeMutation:
		var p ws.MutationBroadcastPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.reconciler.ApplyBroadcast(p)
		}
	case ws.TypeChatMessage:
		var m ws.ChatMessageInfo
		if json.Unmarshal(frame.Payload, &m) == nil {
			c.reconciler.ApplyChat(m)
		}
	case ws.TypeUserJoined:
		var p ws.UserJoinedPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.reconciler.ApplyUserJoined(p)
		}
	case ws.TypeUserLeft:
		var p ws.UserLeftPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.reconciler.ApplyUserLeft(p)
		}
	case ws.TypeCursorMoved:
		var p ws.CursorMovedPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.reconciler.ApplyCursor(p)
		}
	case ws.TypeSelectionChanged:
		var p ws.SelectionChangedPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.reconciler.ApplySelection(p)
		}
	case ws.TypeElementLocked:
		var l ws.LockInfo
		if json.Unmarshal(frame.Payload, &l) == nil {
			c.reconciler.ApplyLocked(l)
		}
	case ws.TypeElementUnlocked:
		var p ws.LockPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.reconciler.ApplyUnlocked(p.ElementID)
		}
	}
	if c.onFrame != nil {
		c.onFrame(frame)
	}
}

// --- outbound intents ---

func (c *Client) SendCursor(x, y float64) error {
	return c.send(ws.TypeCursor, ws.CursorPayload{X: x, Y: y})
}

func (c *Client) UpdateSelection(elements []string) error {
	return c.send(ws.TypeSelection, ws.SelectionPayload{Elements: elements})
}

func (c *Client) RequestLock(elementID string) error {
	return c.send(ws.TypeLock, ws.LockPayload{ElementID: elementID})
}

func (c *Client) ReleaseLock(elementID string) error {
	return c.send(ws.TypeUnlock, ws.LockPayload{ElementID: elementID})
}

// AddFurniture applies the add locally first and tags the outgoing frame
// so the echo is suppressed.
func (c *Client) AddFurniture(item domain.FurnitureItem) error {
	tag := c.reconciler.ApplyLocal(domain.Mutation{Kind: domain.FurnitureAdded, Item: &item})
	return c.send(ws.TypeFurnitureAdd, ws.FurnitureAddPayload{
		Item: ws.FurnitureItemInfo{
			ElementID: item.ElementID,
			Kind:      item.Kind,
			X:         item.X,
			Y:         item.Y,
			Rotation:  item.Rotation,
		},
		ClientTag: tag,
	})
}

func (c *Client) MoveFurniture(elementID string, x, y float64) error {
	tag := c.reconciler.ApplyLocal(domain.Mutation{Kind: domain.FurnitureMoved, ElementID: elementID, X: x, Y: y})
	return c.send(ws.TypeFurnitureMove, ws.FurnitureMovePayload{ElementID: elementID, X: x, Y: y, ClientTag: tag})
}

func (c *Client) RemoveFurniture(elementID string) error {
	tag := c.reconciler.ApplyLocal(domain.Mutation{Kind: domain.FurnitureRemoved, ElementID: elementID})
	return c.send(ws.TypeFurnitureRemove, ws.FurnitureRemovePayload{ElementID: elementID, ClientTag: tag})
}

func (c *Client) UpdateDesign(patch map[string]any) error {
	tag := c.reconciler.ApplyLocal(domain.Mutation{Kind: domain.DesignUpdated, Patch: patch})
	return c.send(ws.TypeDesignUpdate, ws.DesignUpdatePayload{Patch: patch, ClientTag: tag})
}

func (c *Client) SendChat(text string) error {
	return c.send(ws.TypeChat, ws.ChatPayload{Text: text})
}

func (c *Client) send(frameType string, payload any) error {
	frame, err := ws.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return fmt.Errorf("not connected (state %s)", c.state)
	}
	return c.conn.WriteJSON(frame)
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}
