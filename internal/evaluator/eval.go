package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wireproto/capnweb/internal/registry"
	"github.com/wireproto/capnweb/internal/rpcerr"
	"github.com/wireproto/capnweb/internal/wire"
)

// evaluate resolves result id to its wire value, memoizing the outcome and
// detecting pipeline cycles via the InFlight marker. id 0 is the reserved
// sentinel for the main capability and is never stored in the cache.
func (b *Batch) evaluate(ctx context.Context, id int) (interface{}, *rpcerr.Error) {
	if id == 0 {
		return wire.CapabilityRef{CapID: 0}, nil
	}

	entry, ok := b.cache[id]
	if !ok {
		err := rpcerr.New(rpcerr.Protocol, fmt.Sprintf("pipeline reference to result id %d that was never pushed", id)).
			WithData(map[string]interface{}{"reason": string(rpcerr.UnknownResult), "resultId": id})
		b.abort = err
		return nil, err
	}

	switch entry.status {
	case statusResolved:
		return entry.value, nil
	case statusRejected:
		return nil, entry.err
	case statusInFlight:
		err := rpcerr.New(rpcerr.Cycle, fmt.Sprintf("pipeline cycle detected revisiting result id %d while in flight", id))
		entry.status = statusRejected
		entry.err = err
		return nil, err
	}

	entry.status = statusInFlight
	v, err := b.evalExpr(ctx, entry.expr, 0)
	if err != nil {
		entry.status = statusRejected
		entry.err = err
		return nil, err
	}
	entry.status = statusResolved
	entry.value = v
	return v, nil
}

// evalExpr realizes one expression node into a plain wire value, recursing
// depth-first and left-to-right through its children. depth bounds
// recursive nesting against maxDepth.
func (b *Batch) evalExpr(ctx context.Context, expr wire.Expr, depth int) (interface{}, *rpcerr.Error) {
	if b.maxDepth > 0 && depth > b.maxDepth {
		return nil, rpcerr.New(rpcerr.BadRequest, fmt.Sprintf("expression nesting exceeds maximum pipeline depth %d", b.maxDepth))
	}

	switch expr.Kind {
	case wire.KindLiteral:
		var v interface{}
		if len(expr.Literal) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(expr.Literal, &v); err != nil {
			return nil, rpcerr.New(rpcerr.BadRequest, "invalid literal value: "+err.Error())
		}
		return v, nil

	case wire.KindArray:
		out := make([]interface{}, 0, len(expr.Elems))
		for _, e := range expr.Elems {
			v, err := b.evalExpr(ctx, e, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case wire.KindObject:
		values := make(map[string]interface{}, len(expr.Keys))
		for _, k := range expr.Keys {
			v, err := b.evalExpr(ctx, expr.Fields[k], depth+1)
			if err != nil {
				return nil, err
			}
			values[k] = v
		}
		return &wire.OrderedObject{Keys: expr.Keys, Values: values}, nil

	case wire.KindCall:
		args, err := b.evalArgs(ctx, expr.Args, depth)
		if err != nil {
			return nil, err
		}
		v, derr := b.registry.Dispatch(ctx, registry.CapID(expr.CapID), expr.Path, args)
		if derr != nil {
			return nil, derr
		}
		return normalizeDispatchResult(v), nil

	case wire.KindPipeline:
		return b.evalPipeline(ctx, expr, depth)

	case wire.KindExport, wire.KindImport:
		return nil, rpcerr.New(rpcerr.Unsupported, "export/import expressions are not supported")

	default:
		return nil, rpcerr.New(rpcerr.Internal, "unrecognized expression kind")
	}
}

func (b *Batch) evalArgs(ctx context.Context, args []wire.Expr, depth int) ([]interface{}, *rpcerr.Error) {
	out := make([]interface{}, 0, len(args))
	for _, a := range args {
		v, err := b.evalExpr(ctx, a, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// evalPipeline implements ["pipeline", rid, path, args?]. With no args it
// is a pure projection (resolve_member); with args, the value at rid must
// itself be a capability reference — calling a plain-data value fails with
// bad_request (the stricter of the two options the design notes leave
// open, since the spec explicitly allows restricting to capability-valued
// targets).
func (b *Batch) evalPipeline(ctx context.Context, expr wire.Expr, depth int) (interface{}, *rpcerr.Error) {
	v, derr := b.evaluate(ctx, expr.ResultID)
	if derr != nil {
		if b.abort != nil || derr.Kind == rpcerr.Cycle {
			return nil, derr
		}
		return nil, rpcerr.NewDependencyFailed(derr)
	}

	if !expr.HasArgs {
		result, terr := wire.Traverse(v, expr.Path)
		if terr != nil {
			if terr.BadRequest {
				return nil, rpcerr.New(rpcerr.BadRequest, terr.Message)
			}
			return nil, rpcerr.New(rpcerr.NotFound, terr.Message)
		}
		return result, nil
	}

	capRef, ok := v.(wire.CapabilityRef)
	if !ok {
		return nil, rpcerr.New(rpcerr.BadRequest, "pipeline call target is not a capability reference")
	}

	args, err := b.evalArgs(ctx, expr.Args, depth)
	if err != nil {
		return nil, err
	}
	v, derr = b.registry.Dispatch(ctx, registry.CapID(capRef.CapID), expr.Path, args)
	if derr != nil {
		return nil, derr
	}
	return normalizeDispatchResult(v), nil
}

// normalizeDispatchResult turns a registry.Ref a capability method returned
// into the evaluator's own capability marker, so a later pipeline
// expression can dispatch through it without the evaluator depending on
// dispatch internals beyond this one conversion.
func normalizeDispatchResult(v interface{}) interface{} {
	if ref, ok := v.(registry.Ref); ok {
		return wire.CapabilityRef{CapID: int(ref.ID)}
	}
	return v
}
