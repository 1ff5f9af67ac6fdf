package proto

import "strings"

// Error is an API failure that maps onto a response envelope. Handlers return
// these (or wrap them) and the dispatcher turns them into error envelopes
// without tearing down the connection.
type Error struct {
	Status   int
	Messages []string
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return "api error"
	}
	return strings.Join(e.Messages, "; ")
}

// NewError builds an Error with the given status and messages.
func NewError(status int, messages ...string) *Error {
	return &Error{Status: status, Messages: messages}
}

// ValidationError reports a bad client payload.
func ValidationError(messages ...string) *Error {
	if len(messages) == 0 {
		messages = []string{"Invalid input."}
	}
	return &Error{Status: StatusBadRequest, Messages: messages}
}

// PermissionDenied reports a rejected action.
func PermissionDenied(message string) *Error {
	if message == "" {
		message = "Permission denied"
	}
	return &Error{Status: StatusForbidden, Messages: []string{message}}
}

// NotFound reports an unknown target identity.
func NotFound() *Error {
	return &Error{Status: StatusNotFound, Messages: []string{"Not found"}}
}

// MethodNotAllowed reports an unrecognized action name.
func MethodNotAllowed(action string) *Error {
	return &Error{Status: StatusMethodNotAllowed, Messages: []string{"Method \"" + action + "\" not allowed."}}
}

// ActionMissing reports a request without an action key.
func ActionMissing() *Error {
	return &Error{Status: StatusBadRequest, Messages: []string{"Unable to find action in message body."}}
}
