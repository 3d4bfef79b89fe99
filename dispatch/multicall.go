package dispatch

import (
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
)

// ClientResult pairs one handler Result with the clientId it answers,
// the shape a Multicall yields in bulk.
type ClientResult struct {
	Result   result.Result
	ClientID string
}

// Multicall is the opaque call-object optimisation: a call that
// is not a plain (method, args, clientId) triple but a pre-computed (or
// lazily computed) batch of results spanning several logical client
// calls, executed as a single database round trip.
type Multicall interface {
	// Ident names the multicall for the call-info timing log
	// step 8), in place of a single method name.
	Ident() string
	// Execute runs (or simply returns, for Done) the multicall's
	// (result, clientId) pairs.
	Execute(ctx *reqcontext.Context) []ClientResult
}

// Done is the trivial Multicall: it carries its results precomputed and
// Execute simply returns them unchanged. A replacement OptimizeCalls
// can use Done to splice several logically-identical calls' results
// back in without a second round of dispatch; the default
// OptimizeCalls does not use it.
type Done struct {
	ident   string
	results []ClientResult
}

// NewDone builds a Done multicall named ident that yields results
// verbatim when executed.
func NewDone(ident string, results []ClientResult) Done {
	return Done{ident: ident, results: results}
}

// Ident implements Multicall.
func (d Done) Ident() string { return d.ident }

// Execute implements Multicall: it returns the precomputed results.
func (d Done) Execute(ctx *reqcontext.Context) []ClientResult { return d.results }
