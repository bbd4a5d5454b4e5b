// Package registry implements the Cap'n Web capability table: stable
// integer capability ids mapped to callable objects, with refcounts and an
// at-most-once disposal hook. It is the "Polymorphic capability registry"
// described in the design notes — capabilities are modeled as an interface,
// never as dynamic attribute lookup.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wireproto/capnweb/internal/rpcerr"
	"github.com/wireproto/capnweb/internal/wire"
)

// CapID is a stable, non-negative capability identity. 0 is reserved for
// the main (bootstrap) capability every batch starts against.
type CapID int

const MainCapID CapID = 0

// RpcTarget is the interface every registered capability implements.
// Dispatch handles a single member call and returns its result as a
// JSON-marshalable value, or an error. ctx carries the per-dispatch
// deadline and is cancelled if the surrounding batch is abandoned.
type RpcTarget interface {
	Dispatch(ctx context.Context, method string, args json.RawMessage) (interface{}, error)
}

// AttributeResolver is an optional capability extension for member paths
// longer than one segment (§4.2: "length > 1 traverses attributes of the
// capability object"). Capabilities that only expose flat methods need not
// implement it; such paths then fail with not_found.
type AttributeResolver interface {
	ResolveAttribute(path wire.Path) (interface{}, error)
}

// Disposer lets a capability observe reaching a zero refcount. Dispose is
// invoked at most once.
type Disposer interface {
	Dispose()
}

// Ref lets a capability method hand back a reference to another
// already-registered capability (by id) instead of plain data, so that a
// subsequent three-argument pipeline expression has something to call
// through. It does not allocate a new registration — within a single
// batch, the core never creates capabilities on the fly; it only ever
// observes ones the process already owns.
type Ref struct {
	ID CapID
}

type entry struct {
	cap         RpcTarget
	refcount    int32
	disposeOnce sync.Once
}

// panicError marks an error as having been recovered from a capability
// panic, so the dispatch loop can map it to Internal rather than treating
// it as a deliberate application-level failure.
type panicError struct{ msg string }

func (p *panicError) Error() string { return p.msg }

// Registry is the process-wide, concurrency-safe capability table. It is
// created once at startup and handed to every batch; batches never mutate
// it except through refcount operations a capability itself triggers.
type Registry struct {
	mu              sync.RWMutex
	entries         map[CapID]*entry
	dispatchTimeout time.Duration
}

// New creates an empty registry. dispatchTimeout of zero disables the
// per-dispatch timeout.
func New(dispatchTimeout time.Duration) *Registry {
	return &Registry{
		entries:         make(map[CapID]*entry),
		dispatchTimeout: dispatchTimeout,
	}
}

// Register adds a capability under id with an initial refcount of 1. It is
// an error to re-register an id that is already live.
func (r *Registry) Register(id CapID, cap RpcTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("capability %d already registered", id)
	}
	r.entries[id] = &entry{cap: cap, refcount: 1}
	return nil
}

// Has reports whether id is currently registered.
func (r *Registry) Has(id CapID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Incref records an inbound reference to a capability (e.g. one returned as
// a value, or named by an import). It is a no-op error to incref an id that
// does not exist.
func (r *Registry) Incref(id CapID) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("incref: no such capability %d", id)
	}
	atomic.AddInt32(&e.refcount, 1)
	return nil
}

// Decref releases one reference. When the refcount reaches zero the
// capability's Dispose hook (if any) runs exactly once and the entry is
// removed from the table.
func (r *Registry) Decref(id CapID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("decref: no such capability %d", id)
	}
	remaining := atomic.AddInt32(&e.refcount, -1)
	if remaining <= 0 {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if remaining <= 0 {
		if d, ok := e.cap.(Disposer); ok {
			e.disposeOnce.Do(d.Dispose)
		}
	}
	return nil
}

// Dispatch invokes the member named by path on the capability registered
// at id, per the contract in §4.2: path length 0 is reserved for future
// capability passing (unsupported today), length 1 is a method call,
// length > 1 traverses capability-exposed attributes.
func (r *Registry) Dispatch(ctx context.Context, id CapID, path wire.Path, args []interface{}) (interface{}, *rpcerr.Error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, rpcerr.New(rpcerr.NotFound, fmt.Sprintf("no such capability %d", id))
	}

	switch {
	case len(path) == 0:
		return nil, rpcerr.New(rpcerr.Unsupported, "capability passing (empty member path) is not supported")
	case len(path) > 1:
		resolver, ok := e.cap.(AttributeResolver)
		if !ok {
			return nil, rpcerr.New(rpcerr.NotFound, fmt.Sprintf("capability %d has no member path of length %d", id, len(path)))
		}
		v, err := resolver.ResolveAttribute(path)
		if err != nil {
			return nil, rpcerr.FromCapabilityError(err)
		}
		return normalizeResult(v)
	}

	method, ok := path[0].Key()
	if !ok {
		return nil, rpcerr.New(rpcerr.BadRequest, "method path segment must be a property name, not an index")
	}

	return r.call(ctx, id, e, method, args)
}

func (r *Registry) call(ctx context.Context, id CapID, e *entry, method string, args []interface{}) (interface{}, *rpcerr.Error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, rpcerr.New(rpcerr.BadRequest, "could not encode arguments: "+err.Error())
	}

	callCtx := ctx
	if r.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.dispatchTimeout)
		defer cancel()
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{nil, &panicError{msg: fmt.Sprintf("capability %d method %q panicked: %v", id, method, p)}}
			}
		}()
		v, err := e.cap.Dispatch(callCtx, method, argsJSON)
		done <- outcome{v, err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, rpcerr.New(rpcerr.Cancelled, "batch cancelled during dispatch")
		}
		return nil, rpcerr.New(rpcerr.Timeout, fmt.Sprintf("dispatch to capability %d method %q timed out", id, method))
	case o := <-done:
		if o.err != nil {
			if pe, isPanic := o.err.(*panicError); isPanic {
				return nil, rpcerr.New(rpcerr.Internal, pe.msg)
			}
			return nil, rpcerr.FromCapabilityError(o.err)
		}
		return normalizeResult(o.value)
	}
}

// normalizeResult round-trips a capability's return value through JSON so
// that Go structs and typed slices come back as the same generic
// map[string]interface{}/[]interface{} shapes the wire codec produces from
// parsed JSON. This keeps path traversal and substitution uniform
// regardless of whether a value originated from the wire or from a
// capability method's native return type. A Ref is passed through
// untouched — it is never wire data, only an internal convention for
// naming another registered capability.
func normalizeResult(v interface{}) (interface{}, *rpcerr.Error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(Ref); ok {
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, rpcerr.New(rpcerr.Internal, "capability result is not JSON-serializable: "+err.Error())
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, rpcerr.New(rpcerr.Internal, "capability result could not be round-tripped: "+err.Error())
	}
	return generic, nil
}
