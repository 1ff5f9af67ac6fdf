// Package observer binds handler functions to storage mutation events and
// fans them out to subscribed connections through the group registry.
//
// A Binding is declared once per distinguishable event stream and shared by
// every connection that subscribes to it; the only per-connection state is
// group membership and the request ids recorded at subscribe time.
package observer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"liveapi/internal/proto"
	"liveapi/internal/storage"
)

// maxGroupName bounds wire group names; longer names are hashed, since
// broadcast backends may cap channel name length.
const maxGroupName = 100

// Message is the payload published to a group for one mutation event. Body is
// the serializer output, produced once per event regardless of subscriber
// count.
type Message struct {
	Binding string          `json:"binding"`
	Kind    storage.Kind    `json:"kind"`
	PK      string          `json:"pk"`
	Body    json.RawMessage `json:"body"`
}

// Session is the connection-facing surface the engine needs: identity and
// delivery (shared with the group registry), the connection's own
// subscription bookkeeping, and a way to push response envelopes.
type Session interface {
	ID() string
	Deliver(group string, payload []byte)
	Subscriptions() *SubscriptionSet
	Reply(resp proto.Response)
}

// GroupsForSignalFunc computes the target groups for a mutation event. It
// runs on every mutation regardless of subscriber count and must stay cheap:
// it operates only on the event's own fields and never queries the store.
type GroupsForSignalFunc func(evt storage.Event) []string

// GroupsForConsumerFunc computes the groups a subscribing connection should
// join for the given action kwargs.
type GroupsForConsumerFunc func(kwargs map[string]any) ([]string, error)

// SerializeFunc shapes the event body sent to subscribers. kind may differ
// from evt.Kind when group membership changed: a record moving out of a group
// is a delete from that group's point of view.
type SerializeFunc func(evt storage.Event, kind storage.Kind) (any, error)

// HandlerFunc formats and sends the wire messages for one delivered event.
// requestIDs holds the verbatim correlation tokens this connection used when
// subscribing to the matched group.
type HandlerFunc func(sess Session, msg Message, requestIDs []json.RawMessage)

// Binding associates a handler with an entity type and a set of mutation
// kinds, plus the grouping function pair and an optional serializer. Bindings
// are process-wide and immutable after registration.
type Binding struct {
	// Name must be unique across all registered bindings; duplicate names
	// for the same entity type would silently shadow each other otherwise.
	Name   string
	Entity string
	// Kinds filters which mutation kinds this binding observes. Empty
	// means all three.
	Kinds []storage.Kind

	GroupsForSignal   GroupsForSignalFunc
	GroupsForConsumer GroupsForConsumerFunc
	Serialize         SerializeFunc
	Handle            HandlerFunc

	// AutoUnsubscribeOnDelete forces subscribers out of a group after a
	// delete event is delivered on it. Set on instance bindings, where the
	// group is derived from an identity that no longer exists.
	AutoUnsubscribeOnDelete bool
}

func (b *Binding) observes(kind storage.Kind) bool {
	if len(b.Kinds) == 0 {
		return true
	}
	for _, k := range b.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// groupName scopes a grouping-function result to this binding so that two
// bindings yielding the same suffix never share a channel.
func (b *Binding) groupName(suffix string) string {
	name := b.Name + "." + suffix
	if len(name) <= maxGroupName {
		return name
	}
	// The hex digest takes 64 chars plus the separator; the binding-name
	// prefix gets whatever remains of the budget.
	sum := sha256.Sum256([]byte(name))
	prefix := b.Name
	if len(prefix) > maxGroupName-65 {
		prefix = prefix[:maxGroupName-65]
	}
	return prefix + "." + hex.EncodeToString(sum[:])
}

func (b *Binding) signalGroups(evt storage.Event) []string {
	if b.GroupsForSignal == nil {
		return []string{b.groupName("all")}
	}
	suffixes := b.GroupsForSignal(evt)
	groups := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		groups = append(groups, b.groupName(s))
	}
	return groups
}

func (b *Binding) consumerGroups(kwargs map[string]any) ([]string, error) {
	if b.GroupsForConsumer == nil {
		return []string{b.groupName("all")}, nil
	}
	suffixes, err := b.GroupsForConsumer(kwargs)
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		groups = append(groups, b.groupName(s))
	}
	return groups, nil
}

func (b *Binding) serializeBody(evt storage.Event, kind storage.Kind) (json.RawMessage, error) {
	if b.Serialize == nil {
		return json.Marshal(map[string]any{"pk": evt.PK})
	}
	body, err := b.Serialize(evt, kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(body)
}

// SubscriptionSet tracks the request ids one connection used per (binding,
// group). It is owned by the connection and read transactionally at delivery
// time; nothing here is shared across connections.
type SubscriptionSet struct {
	mu sync.Mutex
	m  map[string]map[string]map[string]struct{}
}

// NewSubscriptionSet creates an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{m: make(map[string]map[string]map[string]struct{})}
}

// Add records a request id for a (binding, group) pair. An empty id records
// the membership without a correlation token.
func (s *SubscriptionSet) Add(binding, group string, requestID json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byGroup, ok := s.m[binding]
	if !ok {
		byGroup = make(map[string]map[string]struct{})
		s.m[binding] = byGroup
	}
	ids, ok := byGroup[group]
	if !ok {
		ids = make(map[string]struct{})
		byGroup[group] = ids
	}
	if len(requestID) > 0 {
		ids[string(requestID)] = struct{}{}
	}
}

// Remove drops one request id and reports whether the (binding, group) entry
// is now gone, meaning the connection should leave the group.
func (s *SubscriptionSet) Remove(binding, group string, requestID json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byGroup, ok := s.m[binding]
	if !ok {
		return false
	}
	ids, ok := byGroup[group]
	if !ok {
		return false
	}
	delete(ids, string(requestID))
	if len(ids) == 0 {
		delete(byGroup, group)
		if len(byGroup) == 0 {
			delete(s.m, binding)
		}
		return true
	}
	return false
}

// RemoveAll drops a (binding, group) entry regardless of remaining request
// ids and reports whether it existed.
func (s *SubscriptionSet) RemoveAll(binding, group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byGroup, ok := s.m[binding]
	if !ok {
		return false
	}
	if _, ok := byGroup[group]; !ok {
		return false
	}
	delete(byGroup, group)
	if len(byGroup) == 0 {
		delete(s.m, binding)
	}
	return true
}

// RequestIDs returns the verbatim correlation tokens recorded for a (binding,
// group) pair, in stable order.
func (s *SubscriptionSet) RequestIDs(binding, group string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.m[binding][group]
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for id := range ids {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		out[i] = json.RawMessage(k)
	}
	return out
}
