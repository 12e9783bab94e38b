package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoHandler is returned when a request names an op no handler is
// registered for. It lets callers distinguish a misrouted op from a handler
// that ran and failed.
var ErrNoHandler = errors.New("no handler registered for op")

// Handler processes one op. The returned value is marshaled into the
// response's result field.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Registry maps ops to their handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for an op. Later registrations replace earlier
// ones.
func (r *Registry) Register(op string, h Handler) {
	r.handlers[op] = h
}

// CanHandle reports whether a handler is registered for op.
func (r *Registry) CanHandle(op string) bool {
	_, ok := r.handlers[op]
	return ok
}

// Handle dispatches one request and always produces a response; handler
// errors travel in the response's error field.
func (r *Registry) Handle(ctx context.Context, req Request) Response {
	h, ok := r.handlers[req.Op]
	if !ok {
		return errorResponse(req.ID, fmt.Errorf("%w: %q", ErrNoHandler, req.Op))
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, fmt.Errorf("marshaling %s result: %w", req.Op, err))
	}
	return Response{ID: req.ID, OK: true, Result: raw}
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}

// DecodeParams unmarshals request params into v. Absent params leave v at
// its zero value.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}
