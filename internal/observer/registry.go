package observer

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds every declared binding. It is populated at composition time
// and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Binding
	byEntity map[string][]*Binding
}

// NewBindingRegistry creates an empty binding registry.
func NewBindingRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Binding),
		byEntity: make(map[string][]*Binding),
	}
}

// Register adds a binding. A duplicate name is rejected instead of silently
// shadowing the earlier binding's event stream.
func (r *Registry) Register(b *Binding) error {
	if b.Name == "" {
		return fmt.Errorf("observer: binding needs a name")
	}
	if b.Entity == "" {
		return fmt.Errorf("observer: binding %q needs an entity type", b.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[b.Name]; ok {
		return fmt.Errorf("observer: binding %q already registered for entity %q", b.Name, prev.Entity)
	}
	r.byName[b.Name] = b
	bindings := append(r.byEntity[b.Entity], b)
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Name < bindings[j].Name })
	r.byEntity[b.Entity] = bindings
	return nil
}

// MustRegister registers or panics; for composition-time wiring where a
// duplicate is a programming error.
func (r *Registry) MustRegister(b *Binding) *Binding {
	if err := r.Register(b); err != nil {
		panic(err)
	}
	return b
}

// Lookup finds a binding by name.
func (r *Registry) Lookup(name string) *Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *Registry) bindingsFor(entity string) []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byEntity[entity]
}
