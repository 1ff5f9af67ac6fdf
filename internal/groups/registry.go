// Package groups maintains the process-wide mapping from broadcast groups to
// the connections currently interested in them, and fans published payloads
// out to every member. A pluggable backend carries publishes across server
// processes; the default backend loops them back in-process.
package groups

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is one connection's receiving side. The registry keys members by
// ID and never retains anything beyond this narrow interface, so connection
// disposal only needs an explicit LeaveAll.
type Subscriber interface {
	ID() string
	Deliver(group string, payload []byte)
}

// Backend carries published payloads between processes. Subscribe and
// Unsubscribe track which groups this process has local members for, so a
// shared broker only routes traffic that somebody here wants.
type Backend interface {
	Publish(ctx context.Context, group string, payload []byte) error
	Subscribe(group string) error
	Unsubscribe(group string) error
	Close() error
}

// Registry owns group membership for this process. Groups exist implicitly:
// the first Join creates one and the last Leave forgets it.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]Subscriber

	backend Backend
	log     *zap.Logger
}

// NewRegistry creates a registry over the given backend. A nil backend gets
// the in-process loopback.
func NewRegistry(backend Backend, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		members: make(map[string]map[string]Subscriber),
		log:     log,
	}
	if backend == nil {
		backend = NewLocalBackend(r.deliverLocal)
	} else if d, ok := backend.(interface{ SetDeliver(func(string, []byte)) }); ok {
		// Backends built before the registry (e.g. Redis) learn local
		// delivery here.
		d.SetDeliver(r.deliverLocal)
	}
	r.backend = backend
	return r
}

// Join adds the subscriber to a group. Joining a group twice is a no-op.
func (r *Registry) Join(sub Subscriber, group string) error {
	r.mu.Lock()
	set, ok := r.members[group]
	if !ok {
		set = make(map[string]Subscriber)
		r.members[group] = set
	}
	_, already := set[sub.ID()]
	set[sub.ID()] = sub
	first := !already && len(set) == 1
	r.mu.Unlock()

	if first {
		if err := r.backend.Subscribe(group); err != nil {
			return err
		}
	}
	return nil
}

// Leave removes the subscriber from a group. Leaving a group it never joined
// is a no-op.
func (r *Registry) Leave(sub Subscriber, group string) error {
	r.mu.Lock()
	set, ok := r.members[group]
	if ok {
		delete(set, sub.ID())
		if len(set) == 0 {
			delete(r.members, group)
		} else {
			ok = false
		}
	}
	r.mu.Unlock()

	if ok {
		return r.backend.Unsubscribe(group)
	}
	return nil
}

// LeaveAll removes the subscriber from every group it joined. Called on
// disconnect so membership never outlives the connection.
func (r *Registry) LeaveAll(sub Subscriber) {
	r.mu.Lock()
	var emptied []string
	for group, set := range r.members {
		if _, ok := set[sub.ID()]; !ok {
			continue
		}
		delete(set, sub.ID())
		if len(set) == 0 {
			delete(r.members, group)
			emptied = append(emptied, group)
		}
	}
	r.mu.Unlock()

	for _, group := range emptied {
		if err := r.backend.Unsubscribe(group); err != nil {
			r.log.Warn("backend unsubscribe failed", zap.String("group", group), zap.Error(err))
		}
	}
}

// Members reports the current membership count of a group.
func (r *Registry) Members(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[group])
}

// Publish delivers the payload to every current member of the group, here and
// in every other process sharing the backend. Publishing to an empty or
// unknown group is a silent no-op.
func (r *Registry) Publish(ctx context.Context, group string, payload []byte) error {
	return r.backend.Publish(ctx, group, payload)
}

// deliverLocal hands the payload to each local member. A member that fails or
// disconnects mid-publish must not stop delivery to the rest.
func (r *Registry) deliverLocal(group string, payload []byte) {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.members[group]))
	for _, sub := range r.members[group] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Warn("subscriber delivery panicked",
						zap.String("group", group),
						zap.String("conn", sub.ID()),
						zap.Any("panic", rec))
				}
			}()
			sub.Deliver(group, payload)
		}()
	}
}

// Close shuts the backend down.
func (r *Registry) Close() error {
	return r.backend.Close()
}
