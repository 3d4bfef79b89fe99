package dispatch

import (
	"context"
	"database/sql"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/utils/log"
)

// Call is one entry of a dispatched batch: either a plain (method,
// arguments, clientId) triple, or an opaque Multicall. Exactly
// one of Multicall or Method should be set.
type Call struct {
	Method    string
	Arguments map[string]interface{}
	ClientID  string

	Multicall Multicall
}

// OptimizeCalls is the no-op optimisation hook: by default it returns
// calls unchanged. A deployment may replace it (or wrap Engine to call
// a different function) to coalesce logically-identical calls into
// Multicalls before dispatch.
func OptimizeCalls(ctx *reqcontext.Context, calls []Call) []Call {
	return calls
}

// Dispatch runs the per-call loop over calls inside one top-level
// transaction, appending every resulting sentence to ctx's collection
// in call order, and returns the full sentence list. Each call runs as
// its own nested savepoint underneath that transaction, so one call's
// failure rolls back only its own writes, while the account-state
// bumps every call accumulated are flushed together when the top-level
// transaction commits. A batch over MaxCalls is rejected wholesale
// (fatal for the whole batch, not attributable to one call): the only sentence returned is a single
// tooManyMethods error carrying no clientId, since no individual call
// triple is to blame.
//
// A failure of the top-level transaction itself (as opposed to a
// per-call failure, which is already converted into an internalError
// result) is a genuinely uncaught core failure, so it is re-raised as
// a panic for the transport's own recover boundary to turn into a 500.
func (e *Engine) Dispatch(ctx *reqcontext.Context, calls []Call) []result.Sentence {
	if len(calls) > MaxCalls {
		ctx.Collection().Append(result.Fail(result.NewError(result.TypeTooManyMethods)).ToSentence(""))
		return ctx.Collection().All()
	}

	calls = e.assignClientIDs(calls)
	calls = OptimizeCalls(ctx, calls)

	txErr := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		for _, call := range calls {
			start := time.Now()

			if call.Multicall != nil {
				e.dispatchMulticall(ctx, call.Multicall)
				ctx.RecordCallTiming(call.Multicall.Ident(), time.Since(start))
				continue
			}

			e.dispatchOne(ctx, call)
			ctx.RecordCallTiming(call.Method, time.Since(start))
		}
		return nil
	})
	if txErr != nil {
		panic(txErr)
	}

	return ctx.Collection().All()
}

// dispatchMulticall runs a Multicall's constituent calls in their own
// nested savepoint, matching the per-call scoping every plain triple
// gets in dispatchOne.
func (e *Engine) dispatchMulticall(ctx *reqcontext.Context, mc Multicall) {
	var results []ClientResult
	txErr := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		results = mc.Execute(ctx)
		return nil
	})
	if txErr != nil {
		guid := ctx.FileExceptionReport(txErr)
		log.WithField("guid", guid).Error("dispatch: multicall savepoint failed")
		return
	}
	for _, cr := range results {
		ctx.Collection().Append(cr.Result.ToSentence(cr.ClientID))
	}
}

func (e *Engine) dispatchOne(ctx *reqcontext.Context, call Call) {
	handler, ok := e.HandlerFor(call.Method)
	if !ok {
		ctx.Collection().Append(result.Fail(result.NewError(result.TypeUnknownMethod)).ToSentence(call.ClientID))
		return
	}

	args, refErr := expandBackRefs(ctx.Collection(), call.Arguments)
	if refErr != nil {
		ctx.Collection().Append(result.Fail(refErr).ToSentence(call.ClientID))
		return
	}

	if !ctx.May(call.Method, args) {
		ctx.Collection().Append(result.Fail(result.NewError(result.TypeForbidden)).ToSentence(call.ClientID))
		return
	}

	var results []result.Result
	var panicked bool
	txErr := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		results, panicked = invokeHandler(ctx, handler, args)
		if panicked {
			return errors.New("dispatch: handler panicked")
		}
		return nil
	})
	if txErr != nil && !panicked {
		guid := ctx.FileExceptionReport(txErr)
		log.WithField("guid", guid).Error("dispatch: per-call savepoint failed")
		results = []result.Result{result.Fail(result.NewError(result.TypeInternalError).WithArg("guid", guid))}
	}
	appendResults(ctx, results, call.ClientID)
}

// invokeHandler runs handler, converting any panic (a Go bug, not an
// expected rejection: the engine itself never throws-to-abort)
// into a single internalError result. panicked reports whether that
// happened, so the caller's savepoint can roll back any partial writes
// the handler made before panicking.
func invokeHandler(ctx *reqcontext.Context, handler HandlerFunc, args map[string]interface{}) (out []result.Result, panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			guid := ctx.FileExceptionReport(p)
			log.WithField("guid", guid).WithField("panic", p).Error("dispatch: handler panicked")
			out = []result.Result{result.Fail(result.NewError(result.TypeInternalError).WithArg("guid", guid))}
			panicked = true
		}
	}()
	return handler(ctx, args), false
}

// appendResults applies the post-error-siblings ordering rule
// step 7: once an error result has been appended for this call, any
// further results are dropped and filed as an internal report.
func appendResults(ctx *reqcontext.Context, results []result.Result, clientID string) {
	for i, r := range results {
		ctx.Collection().Append(r.ToSentence(clientID))
		if r.Err != nil && i < len(results)-1 {
			guid := ctx.FileExceptionReport(errors.New("handler emitted results after an error result"))
			log.WithField("guid", guid).WithField("clientId", clientID).
				Warn("dispatch: dropping post-error sibling results")
			return
		}
	}
}

// assignClientIDs synthesizes a clientId for calls arriving without
// one, when the engine is configured to. A plain-triple call that
// still lacks one otherwise keeps its empty clientId: the caller
// already validated this at the transport boundary.
func (e *Engine) assignClientIDs(calls []Call) []Call {
	if !e.SynthesizeClientIDs {
		return calls
	}
	out := make([]Call, len(calls))
	for i, c := range calls {
		if c.Multicall == nil && c.ClientID == "" {
			c.ClientID = "x" + strconv.FormatInt(rand.Int63(), 36)
		}
		out[i] = c
	}
	return out
}
