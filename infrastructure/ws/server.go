package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"roomlab/auth"
	"roomlab/contract"
	"roomlab/domain"
	errs "roomlab/errors"
	"roomlab/sink"
)

// Close codes in the private websocket range.
const (
	CloseUnknownProject = 4004
	CloseUnauthorized   = 4001
	CloseJoinTimeout    = 4008
)

type GatewayConfig struct {
	OutboundBuffer int
	JoinTimeout    time.Duration
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = (c.PongTimeout * 9) / 10
	}
	return c
}

// Gateway accepts websocket connections and bridges each one to the
// session engine. One goroutine reads, one writes; the session never
// blocks on either.
type Gateway struct {
	log      *slog.Logger
	service  contract.ICollabService
	verifier *auth.Verifier // nil: identity comes from the join frame
	validate *validator.Validate
	upgrader websocket.Upgrader
	cfg      GatewayConfig
}

func NewGateway(log *slog.Logger, service contract.ICollabService, verifier *auth.Verifier, cfg GatewayConfig) *Gateway {
	return &Gateway{
		log:      log,
		service:  service,
		verifier: verifier,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg: cfg.withDefaults(),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity auth.Identity
	if g.verifier != nil {
		id, err := g.verifier.FromRequest(r)
		if err != nil {
			g.log.Warn("Rejected connection with invalid token", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go g.serve(conn, identity)
}

// connection is the server-side state of one attached client.
type connection struct {
	gateway  *Gateway
	conn     *websocket.Conn
	sink     *sink.ConnSink
	project  domain.ProjectID
	identity auth.Identity
	log      *slog.Logger

	// writeMu serializes data writes: events from the write loop and
	// error frames from the read loop share the socket.
	writeMu sync.Mutex
}

func (g *Gateway) serve(wsConn *websocket.Conn, identity auth.Identity) {
	defer wsConn.Close()

	c := &connection{
		gateway: g,
		conn:    wsConn,
		log:     g.log.With("remote", wsConn.RemoteAddr().String()),
	}

	join, err := c.awaitJoin()
	if err != nil {
		c.log.Warn("Connection closed before a valid join", "error", err)
		return
	}

	if g.verifier == nil {
		identity = auth.Identity{UserID: join.UserID, Username: join.Username}
	}
	if identity.UserID == "" {
		c.closeWith(CloseUnauthorized, "no identity")
		return
	}
	c.identity = identity
	c.project = domain.ProjectID(join.ProjectID)
	c.log = c.log.With("project", c.project, "user_id", identity.UserID)
	c.sink = sink.NewConnSink(g.cfg.OutboundBuffer)

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), g.cfg.JoinTimeout)
	snap, err := g.service.Join(joinCtx, c.project, identity.UserID, identity.Username, c.sink)
	cancelJoin()
	if err != nil {
		c.rejectJoin(err)
		return
	}

	if err := c.writeFrame(snapshotFrame(snap)); err != nil {
		c.log.Warn("Failed to deliver join ack", "error", err)
		c.detach()
		return
	}
	c.log.Info("Client attached")

	ctx, cancel := context.WithCancel(context.Background())
	go c.writeLoop(ctx, cancel)
	c.readLoop(ctx)

	cancel()
	c.detach()
	c.log.Info("Client detached")
}

// awaitJoin reads and validates the mandatory first frame.
func (c *connection) awaitJoin() (JoinPayload, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.gateway.cfg.JoinTimeout))
	var frame Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return JoinPayload{}, err
	}
	if frame.Type != TypeJoin {
		c.closeWith(CloseJoinTimeout, "expected join")
		return JoinPayload{}, fmt.Errorf("first frame was %q, want %q", frame.Type, TypeJoin)
	}
	var payload JoinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return JoinPayload{}, err
	}
	if err := c.gateway.validate.Struct(payload); err != nil {
		return JoinPayload{}, err
	}
	return payload, nil
}

func (c *connection) rejectJoin(err error) {
	switch {
	case errors.Is(err, errs.ErrUnknownProject):
		c.writeError("unknown_project", err.Error(), false)
		c.closeWith(CloseUnknownProject, "unknown project")
	case errors.Is(err, errs.ErrSessionBusy):
		c.writeError("session_busy", err.Error(), true)
		c.closeWith(websocket.CloseTryAgainLater, "session busy")
	default:
		c.writeError("join_failed", err.Error(), false)
		c.closeWith(websocket.CloseInternalServerErr, "join failed")
	}
	c.log.Warn("Join rejected", "error", err)
}

// readLoop parses inbound frames into intents. Malformed frames are
// logged and dropped; the connection stays open.
func (c *connection) readLoop(ctx context.Context) {
	cfg := c.gateway.cfg
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("Read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		if frame.Type == TypeLeave {
			return
		}
		if err := c.dispatch(ctx, frame); err != nil {
			c.log.Warn("Dropped invalid frame", "type", frame.Type, "error", err)
		}
	}
}

// dispatch forwards one inbound frame to the engine. Retryable engine
// rejections (queue saturation) surface to the client as error frames.
func (c *connection) dispatch(ctx context.Context, frame Frame) error {
	svc := c.gateway.service
	switch frame.Type {
	case TypeCursor:
		var p CursorPayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		// Fire and forget: never an error frame for a stale cursor.
		return svc.UpdateCursor(ctx, c.project, c.identity.UserID, p.X, p.Y)

	case TypeSelection:
		var p SelectionPayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		return svc.UpdateSelection(ctx, c.project, c.identity.UserID, p.Elements)

	case TypeLock:
		var p LockPayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		return c.report(svc.Lock(ctx, c.project, c.identity.UserID, p.ElementID))

	case TypeUnlock:
		var p LockPayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		return c.report(svc.Unlock(ctx, c.project, c.identity.UserID, p.ElementID))

	case TypeFurnitureAdd:
		var p FurnitureAddPayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		m := domain.Mutation{Kind: domain.FurnitureAdded, Item: &domain.FurnitureItem{
			ElementID: p.Item.ElementID,
			Kind:      p.Item.Kind,
			X:         p.Item.X,
			Y:         p.Item.Y,
			Rotation:  p.Item.Rotation,
		}}
		return c.report(svc.ApplyMutation(ctx, c.project, c.identity.UserID, p.ClientTag, m))

	case TypeFurnitureMove:
		var p FurnitureMovePayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		m := domain.Mutation{Kind: domain.FurnitureMoved, ElementID: p.ElementID, X: p.X, Y: p.Y}
		return c.report(svc.ApplyMutation(ctx, c.project, c.identity.UserID, p.ClientTag, m))

	case TypeFurnitureRemove:
		var p FurnitureRemovePayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		m := domain.Mutation{Kind: domain.FurnitureRemoved, ElementID: p.ElementID}
		return c.report(svc.ApplyMutation(ctx, c.project, c.identity.UserID, p.ClientTag, m))

	case TypeDesignUpdate:
		var p DesignUpdatePayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		m := domain.Mutation{Kind: domain.DesignUpdated, Patch: p.Patch}
		return c.report(svc.ApplyMutation(ctx, c.project, c.identity.UserID, p.ClientTag, m))

	case TypeChat:
		var p ChatPayload
		if err := c.decode(frame.Payload, &p); err != nil {
			return err
		}
		return c.report(svc.SendChat(ctx, c.project, c.identity.UserID, p.Text))

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (c *connection) decode(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return err
	}
	return c.gateway.validate.Struct(into)
}

// report relays engine rejections to the client without tearing the
// connection down: a denied mutation is the client's problem, not the
// transport's.
func (c *connection) report(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrSessionBusy):
		c.writeError("busy", "engine is busy, retry", true)
	case errors.Is(err, errs.ErrLockRequired):
		c.writeError("lock_required", err.Error(), false)
	case errors.Is(err, errs.ErrInvalidIntent):
		c.writeError("invalid", err.Error(), false)
	case errors.Is(err, errs.ErrNotParticipant), errors.Is(err, errs.ErrSessionNotFound):
		c.writeError("not_joined", err.Error(), false)
	default:
		c.writeError("internal", err.Error(), false)
	}
	return err
}

// writeLoop drains the connection sink onto the wire. Any write failure
// means the peer is gone: cancel and let disconnect handling run.
func (c *connection) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(c.gateway.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				return
			}
		default:
		}

		nextCtx, cancelNext := context.WithTimeout(ctx, c.gateway.cfg.PingInterval)
		evt, err := c.sink.Next(nextCtx)
		cancelNext()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errs.ErrSessionClosed) {
				return
			}
			continue // idle tick, loop back to ping
		}

		frame, ok, err := EventFrame(evt)
		if err != nil || !ok {
			c.log.Warn("Skipping unmappable event", "error", err)
			continue
		}
		if err := c.writeFrame(frame); err != nil {
			c.log.Warn("Write failed, disconnecting", "error", err)
			return
		}
	}
}

func (c *connection) writeFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.cfg.WriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *connection) writeControl(messageType int) error {
	return c.conn.WriteControl(messageType, nil, time.Now().Add(c.gateway.cfg.WriteTimeout))
}

func (c *connection) writeError(code, message string, retryable bool) {
	frame, err := NewFrame(TypeError, ErrorPayload{Code: code, Message: message, Retryable: retryable})
	if err != nil {
		return
	}
	_ = c.writeFrame(frame)
}

func (c *connection) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// detach issues Leave and closes the sink. Server side treats any
// disconnect the same way; reconnection is purely a client concern.
func (c *connection) detach() {
	if c.sink == nil {
		return
	}
	c.sink.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.gateway.service.Leave(ctx, c.project, c.identity.UserID, c.sink); err != nil &&
		!errors.Is(err, errs.ErrSessionNotFound) && !errors.Is(err, errs.ErrSessionClosed) {
		c.log.Warn("Leave failed", "error", err)
	}
}

func snapshotFrame(snap contract.Snapshot) Frame {
	participants := lo.Map(snap.Participants, func(p domain.Participant, _ int) ParticipantInfo {
		return toParticipantInfo(p)
	})
	locks := lo.Map(snap.Locks, func(l domain.ElementLock, _ int) LockInfo {
		return LockInfo{ElementID: l.ElementID, UserID: l.HolderID, ExpiresAt: l.ExpiresAt}
	})
	history := lo.Map(snap.ChatHistory, func(m domain.ChatMessage, _ int) ChatMessageInfo {
		return ChatMessageInfo{
			ID:             m.ID.String(),
			UserID:         m.UserID,
			Username:       m.Username,
			Text:           m.Text,
			Timestamp:      m.At,
			SequenceNumber: m.Sequence,
		}
	})
	frame, _ := NewFrame(TypeJoinAck, toSnapshotAck(participants, locks, history))
	return frame
}
