// Package dispatch implements the request dispatcher: it parses
// a batched call list, resolves back-references against the sentences
// accumulated so far, looks up a handler, invokes it, and accumulates
// the resulting sentences in call order.
//
// The Engine itself is the single process-wide mutable value: a
// handler map built once at startup and never mutated afterward. All
// per-request state lives on reqcontext.Context.
package dispatch

import (
	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/resultset"
)

// MaxCalls is the batch-size ceiling: a request naming more
// calls than this is rejected wholesale, not per-call.
const MaxCalls = 5000

// HandlerFunc is the shape every K/verb handler and published method
// entry is normalized to at startup.
type HandlerFunc = recordclass.MethodHandler

// Engine is the process-wide, immutable-after-startup handler map.
// One Engine is shared by every request.
type Engine struct {
	explicit  map[string]HandlerFunc
	generated map[string]HandlerFunc

	// SynthesizeClientIDs, if true, assigns a "x"+random clientId to any
	// call arriving without one instead of rejecting the request.
	SynthesizeClientIDs bool
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		explicit:  make(map[string]HandlerFunc),
		generated: make(map[string]HandlerFunc),
	}
}

// RegisterMethod registers a handler directly on the engine (the
// processor's own handler_for), taking priority over anything a record
// class generates for the same method name.
func (e *Engine) RegisterMethod(method string, h HandlerFunc) {
	e.explicit[method] = h
}

// RegisterRecordClass builds and registers every K/verb handler a
// record class generates, plus its published method map
// entries verbatim, against the given resultset operators.
func (e *Engine) RegisterRecordClass(rc *recordclass.RecordClass, ops *resultset.Operators) {
	k := rc.TypeKey

	e.generated[k+"/get"] = func(ctx *reqcontext.Context, args map[string]interface{}) []result.Result {
		return ops.Get(ctx, rc, args)
	}
	e.generated[k+"/changes"] = func(ctx *reqcontext.Context, args map[string]interface{}) []result.Result {
		return ops.Changes(ctx, rc, args)
	}
	e.generated[k+"/set"] = func(ctx *reqcontext.Context, args map[string]interface{}) []result.Result {
		return ops.Set(ctx, rc, args)
	}
	if rc.QueryEnabled {
		e.generated[k+"/query"] = func(ctx *reqcontext.Context, args map[string]interface{}) []result.Result {
			return ops.Query(ctx, rc, args)
		}
		e.generated[k+"/queryChanges"] = func(ctx *reqcontext.Context, args map[string]interface{}) []result.Result {
			return ops.QueryChanges(ctx, rc, args)
		}
	}
	for method, h := range rc.PublishedMethodMap {
		e.generated[method] = h
	}
}

// HandlerFor looks up the handler for method, trying the explicit map
// first and falling back to the record-class-generated map.
func (e *Engine) HandlerFor(method string) (HandlerFunc, bool) {
	if h, ok := e.explicit[method]; ok {
		return h, true
	}
	h, ok := e.generated[method]
	return h, ok
}
