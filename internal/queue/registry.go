package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// HandlerFunc executes a decoded payload and returns a JSON-encodable result.
type HandlerFunc func(ctx context.Context, p Payload) (any, error)

// Registry maps job types to handlers. It is populated at startup and
// treated as read-only once an Engine is running.
type Registry struct {
	handlers map[JobType]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[JobType]HandlerFunc)}
}

// Register binds a handler for the payload type P. Registering the same type
// twice replaces the previous handler.
func Register[P Payload](r *Registry, fn func(ctx context.Context, p P) (any, error)) {
	var zero P
	r.handlers[zero.JobType()] = func(ctx context.Context, p Payload) (any, error) {
		typed, ok := p.(P)
		if !ok {
			return nil, Permanentf("payload %T does not match handler for %s", p, zero.JobType())
		}
		return fn(ctx, typed)
	}
}

// Has reports whether t has a registered handler.
func (r *Registry) Has(t JobType) bool {
	_, ok := r.handlers[t]
	return ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []JobType {
	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Require returns an error naming every type in types that has no handler.
func (r *Registry) Require(types ...JobType) error {
	var errs []error
	for _, t := range types {
		if !r.Has(t) {
			errs = append(errs, fmt.Errorf("%w: no handler registered for %s", ErrUnknownJobType, t))
		}
	}
	return errors.Join(errs...)
}

// dispatch decodes the job's payload, runs its handler and encodes the result.
// Decode failures are permanent: the stored payload will never become valid.
func (r *Registry) dispatch(ctx context.Context, job *Job) (json.RawMessage, error) {
	fn, ok := r.handlers[job.Type]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}

	payload, err := DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, Permanent(err)
	}

	out, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, Permanentf("encode result: %v", err)
	}
	return result, nil
}
