package resource

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveapi/internal/dispatch"
	"liveapi/internal/groups"
	"liveapi/internal/observer"
	"liveapi/internal/proto"
	"liveapi/internal/storage"
)

type fixture struct {
	engine   *observer.Engine
	store    *storage.MemoryStore
	consumer *Consumer
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()
	engine := observer.NewEngine(observer.NewBindingRegistry(), groups.NewRegistry(nil, nil), nil)
	t.Cleanup(engine.Close)

	store := storage.NewMemoryStore("note")
	cfg := Config{
		Store:  store,
		Engine: engine,
		Serializer: MapSerializer{
			Fields:   []string{"title", "body", "owner"},
			Required: []string{"title"},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	consumer, err := New(cfg)
	require.NoError(t, err)
	return &fixture{engine: engine, store: store, consumer: consumer}
}

func (f *fixture) conn(t *testing.T) *dispatch.Conn {
	t.Helper()
	c := dispatch.NewConn(nil, nil, f.consumer.Mux(), f.engine, nil)
	t.Cleanup(c.Close)
	return c
}

func send(c *dispatch.Conn, frame string) {
	c.Receive([]byte(frame))
}

func reply(t *testing.T, c *dispatch.Conn) proto.Response {
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

func noReply(t *testing.T, c *dispatch.Conn) {
	t.Helper()
	select {
	case raw := <-c.Outbox():
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func TestCRUDStatusCodes(t *testing.T) {
	f := newFixture(t, nil)
	c := f.conn(t)

	send(c, `{"action":"create","request_id":1,"data":{"id":"n1","title":"hello"}}`)
	resp := reply(t, c)
	assert.Equal(t, proto.StatusCreated, resp.ResponseStatus)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "n1", data["id"])
	assert.Equal(t, "hello", data["title"])

	send(c, `{"action":"retrieve","request_id":2,"pk":"n1"}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusOK, resp.ResponseStatus)

	send(c, `{"action":"retrieve","request_id":3,"pk":"nope"}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusNotFound, resp.ResponseStatus)
	assert.Equal(t, []string{"Not found"}, resp.Errors)

	send(c, `{"action":"update","request_id":4,"pk":"n1","data":{"title":"renamed"}}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusOK, resp.ResponseStatus)

	send(c, `{"action":"partial_update","request_id":5,"pk":"n1","data":{"body":"text"}}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusOK, resp.ResponseStatus)
	data = resp.Data.(map[string]any)
	assert.Equal(t, "renamed", data["title"])
	assert.Equal(t, "text", data["body"])

	send(c, `{"action":"delete","request_id":6,"pk":"n1"}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusNoContent, resp.ResponseStatus)
	assert.Nil(t, resp.Data)

	send(c, `{"action":"delete","request_id":7,"pk":"n1"}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusNotFound, resp.ResponseStatus)

	f.engine.Flush()
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, nil)
	c := f.conn(t)

	send(c, `{"action":"create","request_id":1,"data":{"body":"no title"}}`)
	resp := reply(t, c)
	assert.Equal(t, proto.StatusBadRequest, resp.ResponseStatus)
	assert.Equal(t, []string{`Field "title" is required.`}, resp.Errors)

	send(c, `{"action":"update","request_id":2,"data":{"title":"x"}}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusBadRequest, resp.ResponseStatus)
	assert.Equal(t, []string{`Field "pk" is required.`}, resp.Errors)

	// Partial updates skip the required check.
	send(c, `{"action":"create","request_id":3,"data":{"id":"n1","title":"t"}}`)
	reply(t, c)
	send(c, `{"action":"partial_update","request_id":4,"pk":"n1","data":{"body":"b"}}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusOK, resp.ResponseStatus)

	f.engine.Flush()
}

func TestSerializerWhitelistsFields(t *testing.T) {
	f := newFixture(t, nil)
	c := f.conn(t)

	send(c, `{"action":"create","request_id":1,"data":{"id":"n1","title":"t","secret":"hide me"}}`)
	resp := reply(t, c)
	data := resp.Data.(map[string]any)
	assert.NotContains(t, data, "secret")

	rec, err := f.store.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.NotContains(t, rec, "secret", "unknown fields are dropped before the store")

	f.engine.Flush()
}

func TestListWithPagination(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Paginator = LimitOffsetPaginator{DefaultLimit: 25, MaxLimit: 100}
	})
	c := f.conn(t)

	for _, frame := range []string{
		`{"action":"create","request_id":1,"data":{"id":"a","title":"1","owner":"u1"}}`,
		`{"action":"create","request_id":2,"data":{"id":"b","title":"2","owner":"u2"}}`,
		`{"action":"create","request_id":3,"data":{"id":"c","title":"3","owner":"u1"}}`,
	} {
		send(c, frame)
		reply(t, c)
	}

	send(c, `{"action":"list","request_id":4,"limit":2,"offset":1}`)
	resp := reply(t, c)
	require.Equal(t, proto.StatusOK, resp.ResponseStatus)
	page := resp.Data.(map[string]any)
	assert.Equal(t, float64(3), page["count"])
	results := page["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].(map[string]any)["id"])

	send(c, `{"action":"list","request_id":5,"filter":{"owner":"u1"}}`)
	resp = reply(t, c)
	page = resp.Data.(map[string]any)
	assert.Equal(t, float64(2), page["count"])

	send(c, `{"action":"list","request_id":6,"limit":-1}`)
	resp = reply(t, c)
	assert.Equal(t, proto.StatusBadRequest, resp.ResponseStatus)

	f.engine.Flush()
}

func TestSubscribeInstanceLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	actor := f.conn(t)
	watcher := f.conn(t)

	// Subscriptions need a correlation token.
	send(watcher, `{"action":"subscribe_instance","pk":"n1"}`)
	resp := reply(t, watcher)
	assert.Equal(t, proto.StatusBadRequest, resp.ResponseStatus)

	send(watcher, `{"action":"subscribe_instance","request_id":"sub-1"}`)
	resp = reply(t, watcher)
	assert.Equal(t, proto.StatusBadRequest, resp.ResponseStatus, "pk is required")

	send(watcher, `{"action":"subscribe_instance","request_id":"sub-1","pk":"n1"}`)
	resp = reply(t, watcher)
	assert.Equal(t, proto.StatusCreated, resp.ResponseStatus)

	send(actor, `{"action":"create","request_id":1,"data":{"id":"n1","title":"born"}}`)
	reply(t, actor)
	f.engine.Flush()

	evt := reply(t, watcher)
	assert.Equal(t, "create", evt.Action)
	assert.Equal(t, `"sub-1"`, string(evt.RequestID))
	body := evt.Data.(map[string]any)
	assert.Equal(t, "born", body["title"])

	send(actor, `{"action":"partial_update","request_id":2,"pk":"n1","data":{"title":"renamed"}}`)
	reply(t, actor)
	f.engine.Flush()

	evt = reply(t, watcher)
	assert.Equal(t, "update", evt.Action)
	assert.Equal(t, "renamed", evt.Data.(map[string]any)["title"])

	// The actor is not subscribed and never hears its own mutations.
	noReply(t, actor)

	send(actor, `{"action":"delete","request_id":3,"pk":"n1"}`)
	reply(t, actor)
	f.engine.Flush()

	evt = reply(t, watcher)
	assert.Equal(t, "delete", evt.Action)
	assert.Equal(t, proto.StatusNoContent, evt.ResponseStatus)
	assert.Equal(t, "n1", evt.Data.(map[string]any)["pk"])

	// Deletion force-unsubscribed the watcher; a reused identity is silent.
	send(actor, `{"action":"create","request_id":4,"data":{"id":"n1","title":"again"}}`)
	reply(t, actor)
	f.engine.Flush()
	noReply(t, watcher)
}

func TestUnsubscribeInstanceStopsEvents(t *testing.T) {
	f := newFixture(t, nil)
	actor := f.conn(t)
	watcher := f.conn(t)

	send(watcher, `{"action":"subscribe_instance","request_id":"s","pk":"n1"}`)
	require.Equal(t, proto.StatusCreated, reply(t, watcher).ResponseStatus)

	send(watcher, `{"action":"unsubscribe_instance","request_id":"s","pk":"n1"}`)
	resp := reply(t, watcher)
	assert.Equal(t, proto.StatusNoContent, resp.ResponseStatus)

	send(actor, `{"action":"create","request_id":1,"data":{"id":"n1","title":"t"}}`)
	reply(t, actor)
	f.engine.Flush()
	noReply(t, watcher)
}

func TestActivityStreamSeesEveryMutation(t *testing.T) {
	f := newFixture(t, nil)
	actor := f.conn(t)
	watcher := f.conn(t)

	send(watcher, `{"action":"subscribe_activity","request_id":"act-1"}`)
	require.Equal(t, proto.StatusCreated, reply(t, watcher).ResponseStatus)

	send(actor, `{"action":"create","request_id":1,"data":{"id":"a","title":"first"}}`)
	reply(t, actor)
	send(actor, `{"action":"create","request_id":2,"data":{"id":"b","title":"second"}}`)
	reply(t, actor)
	f.engine.Flush()

	first := reply(t, watcher)
	second := reply(t, watcher)
	assert.Equal(t, "create", first.Action)
	assert.Equal(t, "create", second.Action)
	assert.Equal(t, "first", first.Data.(map[string]any)["title"])
	assert.Equal(t, "second", second.Data.(map[string]any)["title"])
	assert.Equal(t, `"act-1"`, string(first.RequestID))

	send(watcher, `{"action":"unsubscribe_activity","request_id":"act-1"}`)
	assert.Equal(t, proto.StatusNoContent, reply(t, watcher).ResponseStatus)

	send(actor, `{"action":"create","request_id":3,"data":{"id":"c","title":"third"}}`)
	reply(t, actor)
	f.engine.Flush()
	noReply(t, watcher)
}

func TestOwnerScopedActivityGroups(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ActivityGroupsForSignal = func(evt storage.Event) []string {
			owner, _ := evt.Record["owner"].(string)
			return []string{"user__" + owner}
		}
		cfg.ActivityGroupsForConsumer = func(kwargs map[string]any) ([]string, error) {
			owner, _ := kwargs["owner"].(string)
			return []string{"user__" + owner}, nil
		}
	})
	actor := f.conn(t)
	alice := f.conn(t)
	bob := f.conn(t)

	send(alice, `{"action":"subscribe_activity","request_id":"a","owner":"u1"}`)
	require.Equal(t, proto.StatusCreated, reply(t, alice).ResponseStatus)
	send(bob, `{"action":"subscribe_activity","request_id":"b","owner":"u2"}`)
	require.Equal(t, proto.StatusCreated, reply(t, bob).ResponseStatus)

	send(actor, `{"action":"create","request_id":1,"data":{"id":"n1","title":"mine","owner":"u1"}}`)
	reply(t, actor)
	f.engine.Flush()

	evt := reply(t, alice)
	assert.Equal(t, "create", evt.Action)
	assert.Equal(t, "mine", evt.Data.(map[string]any)["title"])
	noReply(t, bob)

	// Reassigning the owner moves the record between the two streams.
	send(actor, `{"action":"partial_update","request_id":2,"pk":"n1","data":{"owner":"u2"}}`)
	reply(t, actor)
	f.engine.Flush()

	assert.Equal(t, "delete", reply(t, alice).Action)
	assert.Equal(t, "create", reply(t, bob).Action)

	// Kwargs-derived group suffixes are validated before joining.
	evil := f.conn(t)
	send(evil, `{"action":"subscribe_activity","request_id":"e","owner":"../../all"}`)
	assert.Equal(t, proto.StatusBadRequest, reply(t, evil).ResponseStatus)
}

func TestConsumerRejectsBadComposition(t *testing.T) {
	engine := observer.NewEngine(observer.NewBindingRegistry(), groups.NewRegistry(nil, nil), nil)
	t.Cleanup(engine.Close)

	_, err := New(Config{Engine: engine})
	require.Error(t, err, "store is required")

	_, err = New(Config{Store: storage.NewMemoryStore("note"), Engine: engine, Entity: "Bad Name"})
	require.Error(t, err)

	// Two consumers for the same entity collide on binding names.
	_, err = New(Config{Store: storage.NewMemoryStore("note"), Engine: engine})
	require.NoError(t, err)
	_, err = New(Config{Store: storage.NewMemoryStore("note"), Engine: engine})
	require.Error(t, err)
}
