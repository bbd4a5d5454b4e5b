package evaluator

import (
	"context"
	"fmt"
	"io"

	"github.com/wireproto/capnweb/internal/registry"
	"github.com/wireproto/capnweb/internal/rpcerr"
	"github.com/wireproto/capnweb/internal/wire"
)

// Dispatcher is the capability-registry surface the evaluator depends on.
// registry.Registry satisfies it; tests may supply a stub.
type Dispatcher interface {
	Dispatch(ctx context.Context, id registry.CapID, path wire.Path, args []interface{}) (interface{}, *rpcerr.Error)
}

// Answer is one resolved or rejected pulled id, ready for the front-end to
// serialize.
type Answer struct {
	ResultID int
	Value    interface{}
	Err      *rpcerr.Error
}

// Batch drives intake and evaluation of exactly one batch of messages. It
// is not safe for concurrent use from more than one goroutine, matching the
// single-threaded-per-batch scheduling model.
type Batch struct {
	registry Dispatcher
	maxDepth int

	cache     map[int]*cacheEntry
	pushOrder []int
	pulled    map[int]bool
	pullOrder []int
	nextID    int

	// abort is set the first time evaluation discovers a protocol-class
	// violation that only surfaces mid-evaluation (a pipeline reference to
	// an id that was never pushed). Once set, Run discards every other
	// answer and reports a single top-level protocol reject.
	abort *rpcerr.Error
}

// New creates an empty batch bound to reg. maxPipelineDepth bounds
// recursive expression nesting; zero or negative disables the bound.
func New(reg Dispatcher, maxPipelineDepth int) *Batch {
	return &Batch{
		registry: reg,
		maxDepth: maxPipelineDepth,
		cache:    make(map[int]*cacheEntry),
		pulled:   make(map[int]bool),
	}
}

// Intake consumes a framed batch body, allocating sequential result ids for
// each push and validating the pull list. It returns a protocol-kind error
// on the first malformed line, unknown pull target, or duplicate pull —
// these abort the whole batch before any evaluation begins.
func (b *Batch) Intake(r io.Reader, maxBytes int) *rpcerr.Error {
	var abortErr *rpcerr.Error
	scanErr := wire.ScanBatch(r, maxBytes, func(msg wire.Message) error {
		switch msg.Tag {
		case wire.TagPush:
			b.nextID++
			b.cache[b.nextID] = &cacheEntry{expr: msg.Expr}
			b.pushOrder = append(b.pushOrder, b.nextID)
			return nil

		case wire.TagPull:
			id := msg.ResultID
			if _, exists := b.cache[id]; !exists {
				abortErr = rpcerr.New(rpcerr.Protocol, fmt.Sprintf("pull references unknown result id %d", id)).
					WithData(map[string]interface{}{"reason": string(rpcerr.UnknownResult), "resultId": id})
				return abortErr
			}
			if b.pulled[id] {
				abortErr = rpcerr.New(rpcerr.Protocol, fmt.Sprintf("duplicate pull for result id %d", id))
				return abortErr
			}
			b.pulled[id] = true
			b.pullOrder = append(b.pullOrder, id)
			return nil

		default:
			abortErr = rpcerr.New(rpcerr.Protocol, fmt.Sprintf("unexpected message tag %q in request batch", msg.Tag))
			return abortErr
		}
	})
	if abortErr != nil {
		return abortErr
	}
	if scanErr != nil {
		return rpcerr.New(rpcerr.Protocol, scanErr.Error())
	}
	return nil
}

// Run evaluates every pulled id in pull order and returns the answer set.
// Before any capability is dispatched, it walks the already-parsed
// expression trees to confirm every pipeline reference transitively
// reachable from a pulled id actually names a pushed result id. This is a
// protocol-class check (§3: "a pipeline reference to a result id that has
// not yet been pushed in the batch is a protocol error") and must happen
// up front — discovering the same violation mid-evaluation, after some
// independent pulls have already dispatched effectful capability calls,
// would violate the "protocol-level failures abort the entire batch"
// guarantee (§4.3/§7): a client must never see partial effects from a
// batch that is ultimately reported as a single top-level protocol reject.
func (b *Batch) Run(ctx context.Context) []Answer {
	if err := b.validateReachability(); err != nil {
		return []Answer{{ResultID: protocolAbortTarget(), Err: err}}
	}

	answers := make([]Answer, 0, len(b.pullOrder))
	for _, id := range b.pullOrder {
		if b.abort != nil {
			break
		}
		v, err := b.evaluate(ctx, id)
		if err == nil {
			if ref, isCap := v.(wire.CapabilityRef); isCap {
				err = rpcerr.New(rpcerr.Unsupported, fmt.Sprintf("result %d is a reference to capability %d and cannot be pulled directly", id, ref.CapID))
				v = nil
			}
		}
		answers = append(answers, Answer{ResultID: id, Value: v, Err: err})
	}

	if b.abort != nil {
		return []Answer{{ResultID: protocolAbortTarget(), Err: b.abort}}
	}
	return answers
}

// validateReachability confirms that every pipeline ResultID transitively
// reachable from a pulled id names an id actually present in the cache,
// without invoking any capability. It is a pure tree walk over the parsed
// Expr of each pushed id already in the pull set's dependency closure;
// cycles are safe to walk here (they are rejected later, during
// evaluation, as `cycle` rather than `unknown_result`) since visited ids
// are never re-walked.
func (b *Batch) validateReachability() *rpcerr.Error {
	visited := make(map[int]bool, len(b.cache))
	queue := append([]int(nil), b.pullOrder...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		if id == 0 {
			// id 0 is the reserved main-capability sentinel (§3); it is
			// always valid and never stored in the cache.
			continue
		}

		entry, ok := b.cache[id]
		if !ok {
			return rpcerr.New(rpcerr.Protocol, fmt.Sprintf("pipeline reference to result id %d that was never pushed", id)).
				WithData(map[string]interface{}{"reason": string(rpcerr.UnknownResult), "resultId": id})
		}
		queue = append(queue, collectResultRefs(entry.expr)...)
	}
	return nil
}

// collectResultRefs returns every result id a pipeline expression
// anywhere within expr refers to, recursing through arrays, objects, call
// arguments and pipeline arguments alike.
func collectResultRefs(expr wire.Expr) []int {
	var refs []int
	switch expr.Kind {
	case wire.KindArray:
		for _, e := range expr.Elems {
			refs = append(refs, collectResultRefs(e)...)
		}
	case wire.KindObject:
		for _, k := range expr.Keys {
			refs = append(refs, collectResultRefs(expr.Fields[k])...)
		}
	case wire.KindCall:
		for _, a := range expr.Args {
			refs = append(refs, collectResultRefs(a)...)
		}
	case wire.KindPipeline:
		refs = append(refs, expr.ResultID)
		for _, a := range expr.Args {
			refs = append(refs, collectResultRefs(a)...)
		}
	}
	return refs
}

// protocolAbortTarget is the id a whole-batch protocol reject is reported
// against. Result ids are always >= 1 (§3), so 0 — reserved for the main
// capability — is never itself a valid result id and is always safe to use.
func protocolAbortTarget() int {
	return 0
}
