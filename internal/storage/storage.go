// Package storage defines the contract the framework expects from a
// persistence collaborator: CRUD primitives over schemaless records plus a
// post-commit mutation event hook feeding the observer engine.
package storage

import (
	"context"
	"errors"
)

// Kind is the class of a committed mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event is raised after a mutation commits, never before: subscribers must
// not observe uncommitted state. Record is a snapshot of the row; for deletes
// it is the last committed snapshot.
type Event struct {
	Entity string
	Kind   Kind
	PK     string
	Record map[string]any
}

// ErrNotFound is returned by Get, Update and Delete for an unknown identity.
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned by Create when the supplied identity already exists.
var ErrConflict = errors.New("storage: record already exists")

// Store is the persistence collaborator. Records are string-keyed documents
// with a string primary key under "id". The store owns its own transaction
// discipline; every method is atomic from the caller's point of view.
type Store interface {
	Get(ctx context.Context, pk string) (map[string]any, error)
	List(ctx context.Context, filter map[string]any) ([]map[string]any, error)
	Create(ctx context.Context, data map[string]any) (map[string]any, error)
	Update(ctx context.Context, pk string, data map[string]any, partial bool) (map[string]any, error)
	Delete(ctx context.Context, pk string) error

	// Entity names the record type events are tagged with.
	Entity() string
	// Notify registers a sink invoked once per committed mutation, in
	// commit order.
	Notify(sink func(Event))
}
