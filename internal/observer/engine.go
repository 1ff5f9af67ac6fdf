package observer

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"liveapi/internal/groups"
	"liveapi/internal/storage"
)

const eventQueueSize = 256

// Engine routes committed mutation events to the groups computed by each
// matching binding. Events for one entity type are delivered in commit order
// on a dedicated queue; different entity types proceed independently.
type Engine struct {
	bindings *Registry
	groups   *groups.Registry
	log      *zap.Logger

	mu     sync.Mutex
	queues map[string]chan storage.Event
	closed bool

	pending sync.WaitGroup
	workers sync.WaitGroup

	// stateMu guards the per-binding group memory used to diff old and new
	// signal groups across updates of the same record.
	stateMu sync.Mutex
	current map[string]map[string][]string
}

// NewEngine creates an engine publishing through the given group registry.
func NewEngine(bindings *Registry, reg *groups.Registry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		bindings: bindings,
		groups:   reg,
		log:      log,
		queues:   make(map[string]chan storage.Event),
		current:  make(map[string]map[string][]string),
	}
}

// Bindings exposes the binding registry for delivery-time lookups.
func (e *Engine) Bindings() *Registry { return e.bindings }

// Groups exposes the group registry.
func (e *Engine) Groups() *groups.Registry { return e.groups }

// Attach wires a store's post-commit events into the engine.
func (e *Engine) Attach(st storage.Store) {
	st.Notify(e.Submit)
}

// Submit enqueues a mutation event for delivery. Calls for the same entity
// type must arrive in commit order; the engine preserves that order through
// to publish.
func (e *Engine) Submit(evt storage.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	q, ok := e.queues[evt.Entity]
	if !ok {
		q = make(chan storage.Event, eventQueueSize)
		e.queues[evt.Entity] = q
		e.workers.Add(1)
		go e.run(q)
	}
	e.pending.Add(1)
	// The send stays under the lock so Close can never observe a drained
	// pending counter and shut the queue while an enqueue is in flight.
	// Workers drain without taking the lock, so a full queue cannot
	// deadlock here.
	q <- evt
}

// Flush blocks until every submitted event has been processed. Test hook and
// shutdown aid; new submissions during a Flush extend the wait.
func (e *Engine) Flush() {
	e.pending.Wait()
}

// Close stops accepting events, drains the ones already queued and waits for
// the entity workers to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.pending.Wait()

	e.mu.Lock()
	for _, q := range e.queues {
		close(q)
	}
	e.mu.Unlock()
	e.workers.Wait()
}

func (e *Engine) run(q chan storage.Event) {
	defer e.workers.Done()
	for evt := range q {
		e.process(evt)
		e.pending.Done()
	}
}

func (e *Engine) process(evt storage.Event) {
	for _, b := range e.bindings.bindingsFor(evt.Entity) {
		if !b.observes(evt.Kind) {
			continue
		}
		e.dispatchBinding(b, evt)
	}
}

// dispatchBinding publishes one event through one binding. The serializer
// runs at most once per emitted kind, never once per subscriber; the encoded
// payload is reused for every target group.
func (e *Engine) dispatchBinding(b *Binding, evt storage.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warn("observer binding panicked",
				zap.String("binding", b.Name),
				zap.String("entity", evt.Entity),
				zap.Any("panic", rec))
		}
	}()

	var newGroups []string
	if evt.Kind != storage.KindDelete {
		newGroups = b.signalGroups(evt)
	}
	oldGroups := e.swapGroups(b, evt, newGroups)

	removed, kept, added := diffGroups(oldGroups, newGroups)

	// A record leaving a group reads as a delete there, staying reads as
	// an update, arriving reads as a create.
	e.publishAs(b, evt, storage.KindDelete, removed)
	e.publishAs(b, evt, storage.KindUpdate, kept)
	e.publishAs(b, evt, storage.KindCreate, added)
}

func (e *Engine) publishAs(b *Binding, evt storage.Event, kind storage.Kind, targets []string) {
	if len(targets) == 0 {
		return
	}
	body, err := b.serializeBody(evt, kind)
	if err != nil {
		e.log.Warn("observer serializer failed",
			zap.String("binding", b.Name),
			zap.String("pk", evt.PK),
			zap.Error(err))
		return
	}
	payload, err := json.Marshal(Message{Binding: b.Name, Kind: kind, PK: evt.PK, Body: body})
	if err != nil {
		e.log.Warn("observer message encode failed", zap.String("binding", b.Name), zap.Error(err))
		return
	}
	for _, group := range targets {
		if err := e.groups.Publish(context.Background(), group, payload); err != nil {
			e.log.Warn("observer publish failed",
				zap.String("binding", b.Name),
				zap.String("group", group),
				zap.Error(err))
		}
	}
}

// swapGroups records the event's new signal groups for its record and returns
// the previous ones. Creates start from nothing, deletes clear the memory. An
// update for a record never seen before diffs against its own groups, so it
// reads as a plain update everywhere.
func (e *Engine) swapGroups(b *Binding, evt storage.Event, newGroups []string) []string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	byPK, ok := e.current[b.Name]
	if !ok {
		byPK = make(map[string][]string)
		e.current[b.Name] = byPK
	}

	old, seen := byPK[evt.PK]
	switch evt.Kind {
	case storage.KindCreate:
		old = nil
	case storage.KindUpdate:
		if !seen {
			old = newGroups
		}
	}

	if evt.Kind == storage.KindDelete {
		delete(byPK, evt.PK)
	} else {
		byPK[evt.PK] = newGroups
	}
	return old
}

func diffGroups(old, cur []string) (removed, kept, added []string) {
	oldSet := make(map[string]struct{}, len(old))
	for _, g := range old {
		oldSet[g] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(cur))
	for _, g := range cur {
		newSet[g] = struct{}{}
	}
	for _, g := range old {
		if _, ok := newSet[g]; !ok {
			removed = append(removed, g)
		}
	}
	for _, g := range cur {
		if _, ok := oldSet[g]; ok {
			kept = append(kept, g)
		} else {
			added = append(added, g)
		}
	}
	return removed, kept, added
}

// Subscribe joins the session to every group the binding's consumer-side
// grouping function yields for the kwargs, recording the request id for later
// event correlation.
func (e *Engine) Subscribe(sess Session, b *Binding, requestID json.RawMessage, kwargs map[string]any) ([]string, error) {
	targets, err := b.consumerGroups(kwargs)
	if err != nil {
		return nil, err
	}
	for _, group := range targets {
		sess.Subscriptions().Add(b.Name, group, requestID)
		if err := e.groups.Join(sess, group); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

// Unsubscribe mirrors Subscribe. With a request id it removes only that
// subscription, leaving each group once no request ids remain; without one it
// drops the session from every computed group outright.
func (e *Engine) Unsubscribe(sess Session, b *Binding, requestID json.RawMessage, kwargs map[string]any) ([]string, error) {
	targets, err := b.consumerGroups(kwargs)
	if err != nil {
		return nil, err
	}
	for _, group := range targets {
		var empty bool
		if len(requestID) == 0 {
			empty = sess.Subscriptions().RemoveAll(b.Name, group)
		} else {
			empty = sess.Subscriptions().Remove(b.Name, group, requestID)
		}
		if empty {
			if err := e.groups.Leave(sess, group); err != nil {
				return nil, err
			}
		}
	}
	return targets, nil
}

// HandleDelivery runs on the receiving connection for every payload the
// group registry hands it. It resolves the binding, computes the subscribing
// request ids for the matched group from the session's own bookkeeping, and
// invokes the bound handler. Handler failures are logged and dropped; they
// never affect other connections or the publishing path.
func (e *Engine) HandleDelivery(sess Session, group string, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.log.Warn("undecodable group payload", zap.String("group", group), zap.Error(err))
		return
	}
	b := e.bindings.Lookup(msg.Binding)
	if b == nil {
		e.log.Warn("delivery for unknown binding", zap.String("binding", msg.Binding))
		return
	}

	requestIDs := sess.Subscriptions().RequestIDs(b.Name, group)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.log.Warn("observer handler panicked",
					zap.String("binding", b.Name),
					zap.String("conn", sess.ID()),
					zap.Any("panic", rec))
			}
		}()
		if b.Handle != nil {
			b.Handle(sess, msg, requestIDs)
		}
	}()

	// The identity behind an instance group is gone after a delete;
	// lingering membership would leak and could match a reused identity.
	if b.AutoUnsubscribeOnDelete && msg.Kind == storage.KindDelete {
		if sess.Subscriptions().RemoveAll(b.Name, group) {
			if err := e.groups.Leave(sess, group); err != nil {
				e.log.Warn("auto-unsubscribe leave failed",
					zap.String("group", group), zap.Error(err))
			}
		}
	}
}
