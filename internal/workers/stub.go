package workers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/forestshield/forestshield/internal/fserr"
)

// StubInvoker is a scriptable in-process invoker for tests. Handlers are
// registered per worker name; unregistered workers fail NotFound.
type StubInvoker struct {
	mu       sync.Mutex
	handlers map[string]func(payload json.RawMessage) (interface{}, error)
	calls    map[string]int
}

// NewStubInvoker returns an empty stub.
func NewStubInvoker() *StubInvoker {
	return &StubInvoker{
		handlers: make(map[string]func(payload json.RawMessage) (interface{}, error)),
		calls:    make(map[string]int),
	}
}

// Handle registers the response function for a worker.
func (s *StubInvoker) Handle(worker string, fn func(payload json.RawMessage) (interface{}, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[worker] = fn
}

// Respond registers a fixed successful response for a worker.
func (s *StubInvoker) Respond(worker string, result interface{}) {
	s.Handle(worker, func(json.RawMessage) (interface{}, error) { return result, nil })
}

// Fail registers a fixed error for a worker.
func (s *StubInvoker) Fail(worker string, err error) {
	s.Handle(worker, func(json.RawMessage) (interface{}, error) { return nil, err })
}

// Calls reports how many times a worker was invoked.
func (s *StubInvoker) Calls(worker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[worker]
}

// Invoke implements Invoker.
func (s *StubInvoker) Invoke(ctx context.Context, worker string, payload interface{}) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fserr.E(fserr.KindTransient, worker, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fserr.E(fserr.KindFatal, worker, err)
	}

	s.mu.Lock()
	fn, ok := s.handlers[worker]
	s.calls[worker]++
	s.mu.Unlock()

	if !ok {
		return nil, fserr.Ef(fserr.KindNotFound, worker, "no stub handler for %s", worker)
	}
	result, err := fn(raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fserr.E(fserr.KindFatal, worker, err)
	}
	return out, nil
}
