package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveapi/internal/observer"
	"liveapi/internal/proto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20 // 1MB

	sendBuffer = 256

	// detachedGrace bounds how long Close waits for detached handlers
	// after cancelling their context.
	detachedGrace = 5 * time.Second
)

// Conn is one client session: a websocket plus the per-connection state the
// framework tracks for it (joined groups, subscription request ids, detached
// tasks). Requests on one connection are processed in arrival order; only
// detached handlers overlap.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	auth   any
	mux    *Mux
	engine *observer.Engine
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	detached  sync.WaitGroup
	closeOnce sync.Once

	subs *observer.SubscriptionSet
}

// NewConn creates a connection bound to the given mux and observer engine.
// ws may be nil for embedded use; replies then accumulate on Outbox.
func NewConn(ws *websocket.Conn, auth any, mux *Mux, engine *observer.Engine, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		auth:   auth,
		mux:    mux,
		engine: engine,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		subs:   observer.NewSubscriptionSet(),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Auth returns the opaque auth context established at connect time.
func (c *Conn) Auth() any { return c.auth }

// Context is cancelled when the connection closes; detached handlers must
// respect it.
func (c *Conn) Context() context.Context { return c.ctx }

// Subscriptions returns this connection's request-id bookkeeping.
func (c *Conn) Subscriptions() *observer.SubscriptionSet { return c.subs }

// Engine returns the observer engine this connection delivers through.
func (c *Conn) Engine() *observer.Engine { return c.engine }

// Outbox exposes the outbound frame queue. The write pump drains it; embedded
// and test callers read it directly.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Reply queues a response envelope for sending. A full outbox drops the frame
// rather than blocking the caller, as a stalled client must not stall
// publishes to other connections.
func (c *Conn) Reply(resp proto.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("response encode failed", zap.String("conn", c.id), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame", zap.String("conn", c.id))
	}
}

// Deliver receives a group publish for this connection. Part of the group
// registry's Subscriber contract.
func (c *Conn) Deliver(group string, payload []byte) {
	c.engine.HandleDelivery(c, group, payload)
}

// Receive processes one inbound frame: parse, dispatch, reply. Undecodable
// frames produce a 400 envelope instead of dropping the connection.
func (c *Conn) Receive(raw []byte) {
	req, err := proto.ParseRequest(raw)
	if err != nil {
		c.Reply(proto.NewErrorResponse("", nil, proto.StatusBadRequest, []string{"Invalid JSON"}))
		return
	}
	c.mux.Dispatch(c.ctx, c, req)
}

// spawnDetached runs fn as an independently scheduled task tied to this
// connection's lifetime.
func (c *Conn) spawnDetached(fn func(ctx context.Context)) {
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.log.Error("detached task panicked", zap.String("conn", c.id), zap.Any("panic", rec))
			}
		}()
		fn(c.ctx)
	}()
}

// Close tears the connection down: cancels detached work and waits a bounded
// grace period for it, then removes the connection from every group it
// joined. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.detached.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(detachedGrace):
			c.log.Warn("detached tasks did not finish before grace period", zap.String("conn", c.id))
		}

		c.engine.Groups().LeaveAll(c)

		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// ReadPump reads frames from the websocket until it fails, processing each in
// arrival order. It owns connection teardown.
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		c.Receive(raw)
	}
}

// WritePump drains the outbox to the websocket and keeps the connection alive
// with pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Drain queued frames, each as its own message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
