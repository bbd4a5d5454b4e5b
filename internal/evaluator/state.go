// Package evaluator drives a single batch: it holds the result cache, walks
// pushed expressions in dependency order, and produces the answer set for
// every pulled id. One evaluator instance is scoped to exactly one batch.
package evaluator

import (
	"github.com/wireproto/capnweb/internal/rpcerr"
	"github.com/wireproto/capnweb/internal/wire"
)

// cacheStatus is the tri-state lifecycle of one result id, per the state
// machine Unevaluated -> InFlight -> {Resolved | Rejected}.
type cacheStatus int

const (
	statusUnevaluated cacheStatus = iota
	statusInFlight
	statusResolved
	statusRejected
)

// cacheEntry holds one result id's expression and, once evaluation starts,
// its outcome. InFlight must be set before recursing into dependencies so a
// revisit while InFlight is detectable as a pipeline cycle.
type cacheEntry struct {
	expr   wire.Expr
	status cacheStatus
	value  interface{}
	err    *rpcerr.Error
}
