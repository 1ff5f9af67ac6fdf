// Package permission evaluates composable allow/deny checks before an action
// handler runs. Checks combine with And, Or and Not; a special connect
// pseudo-action is evaluated once when a connection is accepted.
package permission

import "context"

// ActionConnect is the pseudo-action evaluated at connection accept time,
// before any client message is processed. Denial closes the connection.
const ActionConnect = "connect"

// Request carries everything a check may consider: the connection identity,
// the opaque auth context established at connect time, the action name, and
// the target identity when the action names one.
type Request struct {
	ConnID string
	Auth   any
	Action string
	PK     string
	Kwargs map[string]any
}

// Permission is a single allow/deny check. Implementations may perform
// asynchronous work internally (the context is for that); from the
// dispatcher's point of view the call is one suspend-capable operation.
type Permission interface {
	Allow(ctx context.Context, req Request) (bool, error)
}

// Messager is optionally implemented by permissions that want a custom denial
// message in the error envelope.
type Messager interface {
	DenialMessage() string
}

// DenialMessage extracts a permission's denial message, falling back to the
// generic one.
func DenialMessage(p Permission) string {
	if m, ok := p.(Messager); ok {
		if msg := m.DenialMessage(); msg != "" {
			return msg
		}
	}
	return "Permission denied"
}

// Check evaluates every permission in order and reports the first denial with
// its message. An empty list allows.
func Check(ctx context.Context, perms []Permission, req Request) (bool, string, error) {
	for _, p := range perms {
		ok, err := p.Allow(ctx, req)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, DenialMessage(p), nil
		}
	}
	return true, "", nil
}
