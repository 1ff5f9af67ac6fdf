package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveapi/internal/groups"
	"liveapi/internal/observer"
	"liveapi/internal/permission"
	"liveapi/internal/proto"
)

func newTestConn(t *testing.T, mux *Mux) *Conn {
	t.Helper()
	engine := observer.NewEngine(observer.NewBindingRegistry(), groups.NewRegistry(nil, nil), nil)
	t.Cleanup(engine.Close)
	c := NewConn(nil, nil, mux, engine, nil)
	t.Cleanup(c.Close)
	return c
}

func nextReply(t *testing.T, c *Conn) proto.Response {
	t.Helper()
	select {
	case raw := <-c.Outbox():
		var resp proto.Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no reply on outbox")
		return proto.Response{}
	}
}

func dispatchRaw(c *Conn, raw string) {
	c.Receive([]byte(raw))
}

func TestDispatchMissingAction(t *testing.T) {
	mux := NewMux(nil, nil)
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"request_id":1}`)

	resp := nextReply(t, c)
	assert.Equal(t, proto.StatusBadRequest, resp.ResponseStatus)
	assert.Equal(t, []string{"Unable to find action in message body."}, resp.Errors)
	assert.Equal(t, "1", string(resp.RequestID))
}

func TestDispatchUnknownAction(t *testing.T) {
	mux := NewMux(nil, nil)
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"frobnicate","request_id":2}`)

	resp := nextReply(t, c)
	assert.Equal(t, proto.StatusMethodNotAllowed, resp.ResponseStatus)
	assert.Equal(t, []string{`Method "frobnicate" not allowed.`}, resp.Errors)
	assert.Equal(t, "frobnicate", resp.Action)
}

func TestDispatchUndecodableFrame(t *testing.T) {
	mux := NewMux(nil, nil)
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":`)

	resp := nextReply(t, c)
	assert.Equal(t, proto.StatusBadRequest, resp.ResponseStatus)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, permission.Request) (bool, error) { return false, nil }
func (denyAll) DenialMessage() string                                   { return "not today" }

func TestDispatchPermissionDenied(t *testing.T) {
	mux := NewMux([]permission.Permission{denyAll{}}, nil)
	called := false
	require.NoError(t, mux.Handle("list", func(context.Context, *Conn, *proto.Request) (any, int, error) {
		called = true
		return nil, proto.StatusOK, nil
	}))
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"list","request_id":3}`)

	resp := nextReply(t, c)
	assert.Equal(t, proto.StatusForbidden, resp.ResponseStatus)
	assert.Equal(t, []string{"not today"}, resp.Errors)
	assert.False(t, called, "handler must not run after denial")
}

func TestDispatchSuccessEnvelope(t *testing.T) {
	mux := NewMux(nil, nil)
	require.NoError(t, mux.Handle("echo", func(_ context.Context, _ *Conn, req *proto.Request) (any, int, error) {
		return req.Kwargs["value"], proto.StatusOK, nil
	}))
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"echo","request_id":{"seq":9},"value":"hi"}`)

	resp := nextReply(t, c)
	assert.Equal(t, "echo", resp.Action)
	assert.Equal(t, proto.StatusOK, resp.ResponseStatus)
	assert.Equal(t, []string{}, resp.Errors)
	assert.Equal(t, "hi", resp.Data)
	assert.JSONEq(t, `{"seq":9}`, string(resp.RequestID))
}

func TestDispatchHandlerAPIError(t *testing.T) {
	mux := NewMux(nil, nil)
	require.NoError(t, mux.Handle("retrieve", func(context.Context, *Conn, *proto.Request) (any, int, error) {
		return nil, 0, proto.NotFound()
	}))
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"retrieve","request_id":4,"pk":"missing"}`)

	resp := nextReply(t, c)
	assert.Equal(t, proto.StatusNotFound, resp.ResponseStatus)
	assert.Equal(t, []string{"Not found"}, resp.Errors)
}

func TestDispatchHandlerGenericError(t *testing.T) {
	mux := NewMux(nil, nil)
	require.NoError(t, mux.Handle("boom", func(context.Context, *Conn, *proto.Request) (any, int, error) {
		return nil, 0, errors.New("disk on fire")
	}))
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"boom","request_id":5}`)

	resp := nextReply(t, c)
	assert.Equal(t, proto.StatusInternalError, resp.ResponseStatus)
	assert.Equal(t, []string{"disk on fire"}, resp.Errors)
}

func TestDispatchHandlerPanicBecomes500(t *testing.T) {
	mux := NewMux(nil, nil)
	require.NoError(t, mux.Handle("panic", func(context.Context, *Conn, *proto.Request) (any, int, error) {
		panic("nil map write")
	}))
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"panic","request_id":6}`)

	resp := nextReply(t, c)
	assert.Equal(t, proto.StatusInternalError, resp.ResponseStatus)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "nil map write")

	// The connection survives a panicking handler.
	dispatchRaw(c, `{"action":"panic","request_id":7}`)
	resp = nextReply(t, c)
	assert.Equal(t, "7", string(resp.RequestID))
}

func TestDetachedHandlerDoesNotBlockLaterActions(t *testing.T) {
	mux := NewMux(nil, nil)
	release := make(chan struct{})
	require.NoError(t, mux.HandleDetached("slow", func(ctx context.Context, _ *Conn, _ *proto.Request) (any, int, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "slow done", proto.StatusOK, nil
	}))
	require.NoError(t, mux.Handle("fast", func(context.Context, *Conn, *proto.Request) (any, int, error) {
		return "fast done", proto.StatusOK, nil
	}))
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"slow","request_id":"s"}`)
	dispatchRaw(c, `{"action":"fast","request_id":"f"}`)

	first := nextReply(t, c)
	assert.Equal(t, "fast", first.Action, "the quick action replies while the detached one runs")

	close(release)
	second := nextReply(t, c)
	assert.Equal(t, "slow", second.Action)
	assert.Equal(t, "slow done", second.Data)
}

func TestCloseCancelsDetachedHandlers(t *testing.T) {
	mux := NewMux(nil, nil)
	started := make(chan struct{})
	require.NoError(t, mux.HandleDetached("wait", func(ctx context.Context, _ *Conn, _ *proto.Request) (any, int, error) {
		close(started)
		<-ctx.Done()
		return nil, proto.StatusOK, nil
	}))
	c := newTestConn(t, mux)

	dispatchRaw(c, `{"action":"wait","request_id":1}`)
	<-started

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after cancelling detached work")
	}
}

func TestCloseReleasesConnectionResources(t *testing.T) {
	mux := NewMux(nil, nil)
	c := newTestConn(t, mux)

	require.NoError(t, c.Engine().Groups().Join(c, "g"))
	require.Equal(t, 1, c.Engine().Groups().Members("g"))

	c.Close()

	assert.Error(t, c.Context().Err(), "context must be cancelled on close")
	assert.Equal(t, 0, c.Engine().Groups().Members("g"))
}

func TestDuplicateActionRegistrationRejected(t *testing.T) {
	mux := NewMux(nil, nil)
	h := func(context.Context, *Conn, *proto.Request) (any, int, error) { return nil, proto.StatusOK, nil }
	require.NoError(t, mux.Handle("list", h))
	require.Error(t, mux.Handle("list", h))
	require.Error(t, mux.HandleDetached("list", h))
	require.Error(t, mux.Handle("", h))
}
