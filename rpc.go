// Package gocapnweb implements the core RPC engine of a Cap'n Web server: a
// wire codec, a capability registry, and a batch evaluator that resolves
// promise-pipelined expressions against registered capabilities.
package gocapnweb

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wireproto/capnweb/internal/evaluator"
	"github.com/wireproto/capnweb/internal/registry"
	"github.com/wireproto/capnweb/internal/rpcerr"
	"github.com/wireproto/capnweb/internal/wire"
)

// RpcTarget is the interface every registered capability implements.
type RpcTarget = registry.RpcTarget

// Disposer lets a capability observe reaching a zero refcount.
type Disposer = registry.Disposer

// AttributeResolver is an optional capability extension for member paths
// longer than one segment.
type AttributeResolver = registry.AttributeResolver

// CapID is a stable capability identity. 0 is the main/bootstrap capability.
type CapID = registry.CapID

// Ref lets a capability method hand back a reference to another
// already-registered capability, so a pipeline expression can call through it.
type Ref = registry.Ref

// MainCapID is the reserved bootstrap capability id every batch starts against.
const MainCapID = registry.MainCapID

// BaseRpcTarget is a convenient RpcTarget built from named method handlers,
// generalizing the teacher's method-map target to carry a context through
// every dispatch.
type BaseRpcTarget struct {
	methods map[string]func(ctx context.Context, args json.RawMessage) (interface{}, error)
	mu      sync.RWMutex
}

// NewBaseRpcTarget creates an empty BaseRpcTarget.
func NewBaseRpcTarget() *BaseRpcTarget {
	return &BaseRpcTarget{
		methods: make(map[string]func(ctx context.Context, args json.RawMessage) (interface{}, error)),
	}
}

// Method registers a handler under name.
func (t *BaseRpcTarget) Method(name string, handler func(ctx context.Context, args json.RawMessage) (interface{}, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[name] = handler
}

// Dispatch implements RpcTarget.
func (t *BaseRpcTarget) Dispatch(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	t.mu.RLock()
	handler, exists := t.methods[method]
	t.mu.RUnlock()

	if !exists {
		return nil, rpcerr.New(rpcerr.NotFound, "no such method: "+method)
	}
	return handler(ctx, args)
}

// Registry is the process-wide capability table.
type Registry = registry.Registry

// NewRegistry creates an empty registry with the given per-dispatch timeout.
func NewRegistry(dispatchTimeout time.Duration) *Registry {
	return registry.New(dispatchTimeout)
}

// Batch evaluates exactly one batch of push/pull messages against a
// registry, producing the wire response frame. It wires together the
// codec (internal/wire), the evaluator (internal/evaluator) and the
// registry for a single request/response round trip.
type Batch struct {
	inner *evaluator.Batch
}

// NewBatch creates an empty batch bound to reg, with expression nesting
// bounded by maxPipelineDepth.
func NewBatch(reg *Registry, maxPipelineDepth int) *Batch {
	return &Batch{inner: evaluator.New(reg, maxPipelineDepth)}
}

// Intake reads a framed batch body and allocates result ids for each push,
// validating the pull list. It returns a protocol-kind error describing
// the first malformed line, unknown pull target, or duplicate pull.
func (b *Batch) Intake(body []byte, maxBytes int) *rpcerr.Error {
	return b.inner.Intake(bytes.NewReader(body), maxBytes)
}

// Run evaluates every pulled id and returns the response frame bytes,
// newline-delimited, in pull order, with a single trailing newline.
func (b *Batch) Run(ctx context.Context) ([]byte, error) {
	answers := b.inner.Run(ctx)
	wireAnswers := make([]wire.Answer, 0, len(answers))
	for _, a := range answers {
		wireAnswers = append(wireAnswers, wire.Answer{ResultID: a.ResultID, Value: a.Value, Err: a.Err})
	}
	var buf bytes.Buffer
	if err := wire.EncodeAnswers(&buf, wireAnswers); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
