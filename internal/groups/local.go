package groups

import "context"

// LocalBackend loops publishes straight back to the local registry. It is the
// single-process deployment default.
type LocalBackend struct {
	deliver func(group string, payload []byte)
}

// NewLocalBackend creates a loopback backend delivering through the given
// function.
func NewLocalBackend(deliver func(string, []byte)) *LocalBackend {
	return &LocalBackend{deliver: deliver}
}

// SetDeliver replaces the delivery function.
func (b *LocalBackend) SetDeliver(deliver func(string, []byte)) { b.deliver = deliver }

// Publish hands the payload to local members synchronously, preserving the
// caller's ordering.
func (b *LocalBackend) Publish(_ context.Context, group string, payload []byte) error {
	b.deliver(group, payload)
	return nil
}

// Subscribe is a no-op: local membership is all the membership there is.
func (b *LocalBackend) Subscribe(string) error { return nil }

// Unsubscribe is a no-op.
func (b *LocalBackend) Unsubscribe(string) error { return nil }

// Close is a no-op.
func (b *LocalBackend) Close() error { return nil }
