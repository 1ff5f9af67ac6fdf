// Package resource composes the generic CRUD consumer: an action table over a
// store, a serializer at the boundary, and the two standard observer bindings
// (per-instance and whole-entity activity) with their subscribe actions.
package resource

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"liveapi/internal/dispatch"
	"liveapi/internal/observer"
	"liveapi/internal/permission"
	"liveapi/internal/proto"
	"liveapi/internal/storage"
	"liveapi/internal/validation"
)

// Config assembles one resource consumer. Store and Engine are required;
// everything else has a working default.
type Config struct {
	// Entity overrides the store's entity name. Rarely needed.
	Entity string
	Store  storage.Store
	Engine *observer.Engine

	Serializer  Serializer
	Paginator   Paginator
	Permissions []permission.Permission

	// ActivityGroupsForSignal and ActivityGroupsForConsumer override the
	// activity stream's grouping pair. Default is a single shared group, so
	// every activity subscriber sees every mutation of the entity.
	ActivityGroupsForSignal   observer.GroupsForSignalFunc
	ActivityGroupsForConsumer observer.GroupsForConsumerFunc

	Log *zap.Logger
}

// Consumer is one entity's full wire surface: CRUD actions, instance
// subscriptions and the activity stream. Build it once at composition time;
// it is shared by every connection.
type Consumer struct {
	entity string
	store  storage.Store
	engine *observer.Engine
	ser    Serializer
	pager  Paginator
	mux    *dispatch.Mux
	log    *zap.Logger

	instance *observer.Binding
	activity *observer.Binding
}

// New builds a consumer, registers its observer bindings with the engine and
// attaches the store's mutation events. Binding names derive from the entity
// name, so two consumers for the same entity need distinct Entity overrides.
func New(cfg Config) (*Consumer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("resource: store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("resource: engine is required")
	}
	entity := cfg.Entity
	if entity == "" {
		entity = cfg.Store.Entity()
	}
	if err := validation.ValidateEntity(entity); err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	ser := cfg.Serializer
	if ser == nil {
		ser = MapSerializer{}
	}

	c := &Consumer{
		entity: entity,
		store:  cfg.Store,
		engine: cfg.Engine,
		ser:    ser,
		pager:  cfg.Paginator,
		mux:    dispatch.NewMux(cfg.Permissions, log),
		log:    log,
	}

	serialize := func(evt storage.Event, kind storage.Kind) (any, error) {
		return c.ser.ToWire(evt.Record)
	}
	c.instance = observer.NewInstanceBinding(entity, serialize)
	c.activity = &observer.Binding{
		Name:              entity + ".activity",
		Entity:            entity,
		GroupsForSignal:   cfg.ActivityGroupsForSignal,
		GroupsForConsumer: checkedGroups(cfg.ActivityGroupsForConsumer),
		Serialize:         serialize,
		Handle:            observer.ReplyHandler(),
	}
	if err := cfg.Engine.Bindings().Register(c.instance); err != nil {
		return nil, err
	}
	if err := cfg.Engine.Bindings().Register(c.activity); err != nil {
		return nil, err
	}
	cfg.Engine.Attach(cfg.Store)

	for action, h := range map[string]dispatch.Handler{
		"create":               c.create,
		"retrieve":             c.retrieve,
		"update":               c.update,
		"partial_update":       c.partialUpdate,
		"list":                 c.list,
		"delete":               c.delete,
		"subscribe_instance":   c.subscribeInstance,
		"unsubscribe_instance": c.unsubscribeInstance,
		"subscribe_activity":   c.subscribeActivity,
		"unsubscribe_activity": c.unsubscribeActivity,
	} {
		if err := c.mux.Handle(action, h); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Mux exposes the consumer's action table, for adding resource-specific
// actions before serving.
func (c *Consumer) Mux() *dispatch.Mux { return c.mux }

// Entity returns the entity name this consumer serves.
func (c *Consumer) Entity() string { return c.entity }

// Instance returns the per-record observer binding.
func (c *Consumer) Instance() *observer.Binding { return c.instance }

// Activity returns the whole-entity observer binding.
func (c *Consumer) Activity() *observer.Binding { return c.activity }

func (c *Consumer) create(ctx context.Context, _ *dispatch.Conn, req *proto.Request) (any, int, error) {
	clean, errs := c.ser.Validate(req.Data, false)
	if len(errs) > 0 {
		return nil, 0, proto.ValidationError(errs...)
	}
	rec, err := c.store.Create(ctx, clean)
	if err != nil {
		return nil, 0, storeError(err)
	}
	wire, err := c.ser.ToWire(rec)
	if err != nil {
		return nil, 0, err
	}
	return wire, proto.StatusCreated, nil
}

func (c *Consumer) retrieve(ctx context.Context, _ *dispatch.Conn, req *proto.Request) (any, int, error) {
	pk, err := requirePK(req)
	if err != nil {
		return nil, 0, err
	}
	rec, err := c.store.Get(ctx, pk)
	if err != nil {
		return nil, 0, storeError(err)
	}
	wire, err := c.ser.ToWire(rec)
	if err != nil {
		return nil, 0, err
	}
	return wire, proto.StatusOK, nil
}

func (c *Consumer) update(ctx context.Context, conn *dispatch.Conn, req *proto.Request) (any, int, error) {
	return c.applyUpdate(ctx, req, false)
}

func (c *Consumer) partialUpdate(ctx context.Context, conn *dispatch.Conn, req *proto.Request) (any, int, error) {
	return c.applyUpdate(ctx, req, true)
}

func (c *Consumer) applyUpdate(ctx context.Context, req *proto.Request, partial bool) (any, int, error) {
	pk, err := requirePK(req)
	if err != nil {
		return nil, 0, err
	}
	clean, errs := c.ser.Validate(req.Data, partial)
	if len(errs) > 0 {
		return nil, 0, proto.ValidationError(errs...)
	}
	rec, err := c.store.Update(ctx, pk, clean, partial)
	if err != nil {
		return nil, 0, storeError(err)
	}
	wire, err := c.ser.ToWire(rec)
	if err != nil {
		return nil, 0, err
	}
	return wire, proto.StatusOK, nil
}

func (c *Consumer) list(ctx context.Context, _ *dispatch.Conn, req *proto.Request) (any, int, error) {
	recs, err := c.store.List(ctx, req.Filter)
	if err != nil {
		return nil, 0, storeError(err)
	}
	wire := make([]any, 0, len(recs))
	for _, rec := range recs {
		w, err := c.ser.ToWire(rec)
		if err != nil {
			return nil, 0, err
		}
		wire = append(wire, w)
	}
	if c.pager != nil {
		page, err := c.pager.Paginate(wire, req.Kwargs)
		if err != nil {
			return nil, 0, err
		}
		return page, proto.StatusOK, nil
	}
	return wire, proto.StatusOK, nil
}

func (c *Consumer) delete(ctx context.Context, _ *dispatch.Conn, req *proto.Request) (any, int, error) {
	pk, err := requirePK(req)
	if err != nil {
		return nil, 0, err
	}
	if err := c.store.Delete(ctx, pk); err != nil {
		return nil, 0, storeError(err)
	}
	return nil, proto.StatusNoContent, nil
}

func (c *Consumer) subscribeInstance(_ context.Context, conn *dispatch.Conn, req *proto.Request) (any, int, error) {
	if err := requireRequestID(req); err != nil {
		return nil, 0, err
	}
	pk, err := requirePK(req)
	if err != nil {
		return nil, 0, err
	}
	// Subscribing to an identity that does not exist yet is allowed; the
	// subscriber starts receiving events once the record appears.
	if _, err := c.engine.Subscribe(conn, c.instance, req.RequestID, req.Kwargs); err != nil {
		return nil, 0, proto.ValidationError(err.Error())
	}
	return map[string]any{"pk": pk}, proto.StatusCreated, nil
}

func (c *Consumer) unsubscribeInstance(_ context.Context, conn *dispatch.Conn, req *proto.Request) (any, int, error) {
	if _, err := requirePK(req); err != nil {
		return nil, 0, err
	}
	if _, err := c.engine.Unsubscribe(conn, c.instance, req.RequestID, req.Kwargs); err != nil {
		return nil, 0, proto.ValidationError(err.Error())
	}
	return nil, proto.StatusNoContent, nil
}

func (c *Consumer) subscribeActivity(_ context.Context, conn *dispatch.Conn, req *proto.Request) (any, int, error) {
	if err := requireRequestID(req); err != nil {
		return nil, 0, err
	}
	if _, err := c.engine.Subscribe(conn, c.activity, req.RequestID, req.Kwargs); err != nil {
		return nil, 0, proto.ValidationError(err.Error())
	}
	return nil, proto.StatusCreated, nil
}

func (c *Consumer) unsubscribeActivity(_ context.Context, conn *dispatch.Conn, req *proto.Request) (any, int, error) {
	if _, err := c.engine.Unsubscribe(conn, c.activity, req.RequestID, req.Kwargs); err != nil {
		return nil, 0, proto.ValidationError(err.Error())
	}
	return nil, proto.StatusNoContent, nil
}

// checkedGroups validates consumer-derived group suffixes before they become
// channel names. Custom grouping functions typically build suffixes out of
// client kwargs.
func checkedGroups(fn observer.GroupsForConsumerFunc) observer.GroupsForConsumerFunc {
	if fn == nil {
		return nil
	}
	return func(kwargs map[string]any) ([]string, error) {
		suffixes, err := fn(kwargs)
		if err != nil {
			return nil, err
		}
		for _, s := range suffixes {
			if err := validation.ValidateGroupSuffix(s); err != nil {
				return nil, err
			}
		}
		return suffixes, nil
	}
}

func requirePK(req *proto.Request) (string, error) {
	pk, ok := proto.PKString(req.PK)
	if !ok {
		return "", proto.ValidationError("Field \"pk\" is required.")
	}
	return pk, nil
}

func requireRequestID(req *proto.Request) error {
	if len(req.RequestID) == 0 || string(req.RequestID) == "null" {
		return proto.ValidationError("Field \"request_id\" is required for subscriptions.")
	}
	return nil
}

// storeError maps storage failures onto the wire error taxonomy.
func storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return proto.NotFound()
	case errors.Is(err, storage.ErrConflict):
		return proto.ValidationError("Record already exists.")
	default:
		return err
	}
}
