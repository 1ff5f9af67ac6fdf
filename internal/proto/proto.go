// Package proto defines the JSON envelopes exchanged over a connection and
// the status codes carried in them.
package proto

import (
	"encoding/json"
	"math"
	"strconv"
)

// Request is one inbound client message. Action selects the handler and
// RequestID is an opaque correlation token echoed back verbatim on every
// response and subscription event caused by this request. All remaining
// top-level keys are collected into Kwargs for the handler.
type Request struct {
	Action    string          `json:"action"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	PK        any             `json:"pk,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Filter    map[string]any  `json:"filter,omitempty"`

	Kwargs map[string]any `json:"-"`
}

// ParseRequest decodes a raw message into a Request, keeping unknown
// top-level fields available in Kwargs.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	var kwargs map[string]any
	if err := json.Unmarshal(raw, &kwargs); err != nil {
		return nil, err
	}
	delete(kwargs, "action")
	delete(kwargs, "request_id")
	req.Kwargs = kwargs
	return &req, nil
}

// Response is the envelope for every outbound message: synchronous replies
// echo the request's action, subscription events carry the mutation kind
// ("create", "update" or "delete") as the action instead.
type Response struct {
	Action         string          `json:"action"`
	RequestID      json.RawMessage `json:"request_id"`
	Errors         []string        `json:"errors"`
	ResponseStatus int             `json:"response_status"`
	Data           any             `json:"data"`
}

// NewResponse builds a success envelope with an empty error list.
func NewResponse(action string, requestID json.RawMessage, status int, data any) Response {
	return Response{
		Action:         action,
		RequestID:      requestID,
		Errors:         []string{},
		ResponseStatus: status,
		Data:           data,
	}
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(action string, requestID json.RawMessage, status int, errs []string) Response {
	if len(errs) == 0 {
		errs = []string{}
	}
	return Response{
		Action:         action,
		RequestID:      requestID,
		Errors:         errs,
		ResponseStatus: status,
		Data:           nil,
	}
}

// PKString normalizes a decoded JSON primary key to its string form. JSON
// numbers arrive as float64; integral values are rendered without a fraction
// so that {"pk": 1} and {"pk": "1"} address the same record.
func PKString(v any) (string, bool) {
	switch pk := v.(type) {
	case string:
		if pk == "" {
			return "", false
		}
		return pk, true
	case float64:
		// Values outside int64 range would overflow the conversion.
		if pk == math.Trunc(pk) && pk >= math.MinInt64 && pk < math.MaxInt64 {
			return strconv.FormatInt(int64(pk), 10), true
		}
		return strconv.FormatFloat(pk, 'f', -1, 64), true
	case int:
		return strconv.Itoa(pk), true
	case int64:
		return strconv.FormatInt(pk, 10), true
	default:
		return "", false
	}
}
