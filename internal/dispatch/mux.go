// Package dispatch routes inbound action requests to registered handlers,
// gates them with permissions, and shapes every outcome into a response
// envelope. A handler failure never tears the connection down.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"liveapi/internal/permission"
	"liveapi/internal/proto"
)

// Handler executes one action and returns the payload and status for the
// response envelope. Errors of type *proto.Error keep their status; anything
// else becomes a 500.
type Handler func(ctx context.Context, c *Conn, req *proto.Request) (any, int, error)

type handlerEntry struct {
	fn       Handler
	detached bool
}

// Mux is the per-consumer action table, built once at composition time and
// shared by every connection of that consumer.
type Mux struct {
	handlers    map[string]handlerEntry
	permissions []permission.Permission
	log         *zap.Logger
}

// NewMux creates an empty action table guarded by the given permissions.
func NewMux(perms []permission.Permission, log *zap.Logger) *Mux {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mux{
		handlers:    make(map[string]handlerEntry),
		permissions: perms,
		log:         log,
	}
}

// Handle registers an action handler. Registering the same action twice is a
// composition error.
func (m *Mux) Handle(action string, fn Handler) error {
	return m.register(action, fn, false)
}

// HandleDetached registers a handler that runs as an independently scheduled
// task: the connection keeps processing subsequent requests while it runs,
// and its reply envelope is sent when it finishes.
func (m *Mux) HandleDetached(action string, fn Handler) error {
	return m.register(action, fn, true)
}

func (m *Mux) register(action string, fn Handler, detached bool) error {
	if action == "" {
		return fmt.Errorf("dispatch: empty action name")
	}
	if _, exists := m.handlers[action]; exists {
		return fmt.Errorf("dispatch: action %q already registered", action)
	}
	m.handlers[action] = handlerEntry{fn: fn, detached: detached}
	return nil
}

// Permissions exposes the mux's permission set for connect-time evaluation.
func (m *Mux) Permissions() []permission.Permission { return m.permissions }

// Dispatch resolves and runs the handler for one request. Non-detached
// handlers complete before Dispatch returns, preserving per-connection reply
// order; detached ones are spawned onto the connection and tracked until it
// closes.
func (m *Mux) Dispatch(ctx context.Context, c *Conn, req *proto.Request) {
	if req.Action == "" {
		c.Reply(errorEnvelope("", req.RequestID, proto.ActionMissing()))
		return
	}

	pk, _ := proto.PKString(req.PK)
	allowed, denial, err := permission.Check(ctx, m.permissions, permission.Request{
		ConnID: c.ID(),
		Auth:   c.Auth(),
		Action: req.Action,
		PK:     pk,
		Kwargs: req.Kwargs,
	})
	if err != nil {
		m.log.Error("permission evaluation failed",
			zap.String("action", req.Action), zap.Error(err))
		c.Reply(errorEnvelope(req.Action, req.RequestID,
			proto.NewError(proto.StatusInternalError, "Internal error")))
		return
	}
	if !allowed {
		c.Reply(errorEnvelope(req.Action, req.RequestID, proto.PermissionDenied(denial)))
		return
	}

	entry, ok := m.handlers[req.Action]
	if !ok {
		c.Reply(errorEnvelope(req.Action, req.RequestID, proto.MethodNotAllowed(req.Action)))
		return
	}

	if entry.detached {
		c.spawnDetached(func(ctx context.Context) {
			m.invoke(ctx, c, entry.fn, req)
		})
		return
	}
	m.invoke(ctx, c, entry.fn, req)
}

// invoke runs a handler, converting returned errors and panics into error
// envelopes. Exactly one envelope leaves per invocation.
func (m *Mux) invoke(ctx context.Context, c *Conn, fn Handler, req *proto.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("action handler panicked",
				zap.String("action", req.Action),
				zap.String("conn", c.ID()),
				zap.Any("panic", rec))
			c.Reply(errorEnvelope(req.Action, req.RequestID,
				proto.NewError(proto.StatusInternalError, fmt.Sprint(rec))))
		}
	}()

	data, status, err := fn(ctx, c, req)
	if err != nil {
		var apiErr *proto.Error
		if !errors.As(err, &apiErr) {
			m.log.Error("action handler failed",
				zap.String("action", req.Action),
				zap.String("conn", c.ID()),
				zap.Error(err))
			apiErr = proto.NewError(proto.StatusInternalError, err.Error())
		}
		c.Reply(errorEnvelope(req.Action, req.RequestID, apiErr))
		return
	}
	c.Reply(proto.NewResponse(req.Action, req.RequestID, status, data))
}

func errorEnvelope(action string, requestID json.RawMessage, apiErr *proto.Error) proto.Response {
	return proto.NewErrorResponse(action, requestID, apiErr.Status, apiErr.Messages)
}
