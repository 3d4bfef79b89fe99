package resultset

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/state"
)

// Set implements the generic K/set method body: it runs
// the whole batch inside one transaction scope (a savepoint when the
// dispatcher already holds the request transaction), scoping each
// create/update/destroy to its own nested savepoint so one bad item
// rolls back only its own mutation, then stamps and persists a single
// new state for the whole call.
func (o *Operators) Set(ctx *reqcontext.Context, rc *recordclass.RecordClass, args map[string]interface{}) []result.Result {
	accountID, ok := argString(args, "accountId")
	if !ok {
		return []result.Result{result.Fail(invalidArgs("accountId is required"))}
	}

	sess := ctx.AccountState(accountID)

	created := map[string]interface{}{}
	notCreated := map[string]interface{}{}
	updated := map[string]interface{}{}
	notUpdated := map[string]interface{}{}
	var destroyed []string
	notDestroyed := map[string]interface{}{}

	var postprocess []func()
	var oldState, newState string

	txErr := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		var err error
		oldState, err = sess.StateFor(tx, rc.TypeKey)
		if err != nil {
			return err
		}

		if ifInState, given := argString(args, "ifInState"); given && ifInState != oldState {
			return result.NewError(result.TypeStateMismatch)
		}

		if hook := rc.Hooks.SetCheck; hook != nil {
			if cerr := hook(ctx, args); cerr != nil {
				return cerr
			}
		}

		if createArg, ok := args["create"].(map[string]interface{}); ok {
			o.doCreates(ctx, tx, rc, accountID, createArg, created, notCreated, &postprocess)
		}
		if updateArg, ok := args["update"].(map[string]interface{}); ok {
			for id, raw := range updateArg {
				patch, _ := raw.(map[string]interface{})
				o.doUpdate(ctx, tx, rc, accountID, id, patch, updated, notUpdated, &postprocess)
			}
		}
		if ids, ok := argStringSlice(args, "destroy"); ok {
			for _, id := range ids {
				o.doDestroy(ctx, tx, rc, accountID, id, &destroyed, notDestroyed, &postprocess)
			}
		}

		if len(postprocess) > 0 {
			hooks := postprocess
			ctx.Txn().AfterCommit(func(context.Context) error {
				for _, fn := range hooks {
					fn()
				}
				return nil
			})
		}

		newState, err = ctx.AccountState(accountID).StateFor(tx, rc.TypeKey)
		return err
	})

	if txErr != nil {
		if rerr, ok := txErr.(*result.Error); ok {
			return []result.Result{result.Fail(rerr)}
		}
		if errors.Cause(txErr) == state.ErrTryAgain {
			return []result.Result{result.Fail(result.NewError(result.TypeTryAgain))}
		}
		guid := ctx.FileExceptionReport(txErr)
		return []result.Result{result.Fail(result.NewError(result.TypeInternalError).WithArg("guid", guid))}
	}

	out := map[string]interface{}{
		"accountId": accountID,
		"oldState":  oldState,
		"newState":  newState,
	}
	if len(created) > 0 {
		out["created"] = created
	}
	if len(notCreated) > 0 {
		out["notCreated"] = notCreated
	}
	if len(updated) > 0 {
		out["updated"] = updated
	}
	if len(notUpdated) > 0 {
		out["notUpdated"] = notUpdated
	}
	if destroyed != nil {
		out["destroyed"] = destroyed
	}
	if len(notDestroyed) > 0 {
		out["notDestroyed"] = notDestroyed
	}
	return []result.Result{result.Ok(rc.TypeKey+"/set", out)}
}

// doCreates drives every entry of a /set "create" argument, resolving
// "#creationId" cross-references within the same batch before the
// object being referenced is necessarily processed: Go's map
// iteration order is randomised, so a naive single pass would make a
// sibling reference (e.g. a new Mailbox's parentId pointing at
// another mailbox created in the same call) succeed or fail depending
// on map order. Each round processes every entry whose references
// already resolve or can never resolve (so it fails immediately, not
// forever); entries still waiting on an as-yet-unprocessed sibling are
// retried next round. A round that makes no progress means every
// remaining entry is blocked on something this batch never defines.
func (o *Operators) doCreates(ctx *reqcontext.Context, tx *sql.Tx, rc *recordclass.RecordClass, accountID string, createArg map[string]interface{}, created, notCreated map[string]interface{}, postprocess *[]func()) {
	remaining := make(map[string]map[string]interface{}, len(createArg))
	for clientID, raw := range createArg {
		fields, _ := raw.(map[string]interface{})
		remaining[clientID] = fields
	}

	for len(remaining) > 0 {
		ready := make(map[string]map[string]interface{})
		for clientID, rawFields := range remaining {
			if creationRefsReady(ctx, rc, rawFields, remaining) {
				ready[clientID] = rawFields
			}
		}
		if len(ready) == 0 {
			for clientID := range remaining {
				notCreated[clientID] = result.NewError(result.TypeInvalidProperties).
					WithDescription("unresolvable creation id reference").Arguments()
			}
			return
		}
		for clientID, rawFields := range ready {
			o.doCreate(ctx, tx, rc, accountID, clientID, rawFields, created, notCreated, postprocess)
			delete(remaining, clientID)
		}
	}
}

// creationRefsReady reports whether every "#creationId"-shaped,
// ID-typed property value in rawFields is either already resolvable
// (logged by an earlier call, or by an earlier round of this same
// create batch) or unresolvable outright (not a key still pending in
// this round, so it will never resolve and should fail now rather
// than block forever). It returns false only when a value is waiting
// on a sibling creation id this same round hasn't processed yet.
func creationRefsReady(ctx *reqcontext.Context, rc *recordclass.RecordClass, rawFields map[string]interface{}, remaining map[string]map[string]interface{}) bool {
	for name, v := range rawFields {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "#") {
			continue
		}
		prop, known := rc.PropertyByName(name)
		if !known || prop.Type != recordclass.ID {
			continue
		}
		cid := s[1:]
		refType := prop.RefType
		if refType == "" {
			refType = rc.TypeKey
		}
		if _, _, found := ctx.ResolveCreationID(refType, cid); found {
			continue
		}
		if _, stillPending := remaining[cid]; stillPending {
			return false
		}
	}
	return true
}

func (o *Operators) doCreate(ctx *reqcontext.Context, outerTx *sql.Tx, rc *recordclass.RecordClass, accountID, clientID string, rawFields map[string]interface{}, created, notCreated map[string]interface{}, postprocess *[]func()) {
	rawFields, rerr := resolveCreationRefs(ctx, rc, rawFields)
	if rerr != nil {
		notCreated[clientID] = rerr.Arguments()
		return
	}
	fields, ierr := validateAndCoerce(rc, rawFields, rc.ClientCreatableProperties(ctx.IsSystem), true)
	if ierr != nil {
		notCreated[clientID] = ierr.Arguments()
		return
	}
	if hook := rc.Hooks.CreateCheck; hook != nil {
		if cerr := hook(ctx, fields); cerr != nil {
			existing, out := (map[string]interface{})(nil), cerr
			if eh := rc.Hooks.CreateError; eh != nil {
				existing, out = eh(ctx, cerr)
			}
			if out != nil {
				notCreated[clientID] = out.Arguments()
				return
			}
			// CreateError suppressed the error and supplied the row to
			// treat as the (idempotent) create result.
			ctx.LogCreationID(rc.TypeKey, clientID, existing["id"].(string))
			created[clientID] = projectRow(existing, requestedDefaultView(rc))
			return
		}
	}
	applyDefaults(rc, fields)

	id := newID()
	var row map[string]interface{}
	err := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		sess := ctx.AccountState(accountID)
		if err := sess.EnsureBumped(tx, rc.TypeKey); err != nil {
			return err
		}
		modSeq, err := sess.NextStateFor(tx, rc.TypeKey)
		if err != nil {
			return err
		}
		if err := o.Schema.Insert(tx, rc, accountID, id, modSeq, fields); err != nil {
			return err
		}
		row, err = o.Schema.FetchByID(tx, rc, accountID, id)
		if err != nil {
			return err
		}
		if err := o.seedNewAccount(tx, rc, accountID); err != nil {
			return err
		}
		if hook := rc.Hooks.Created; hook != nil {
			if err := hook(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		notCreated[clientID] = result.NewError(result.TypeInternalError).Arguments()
		return
	}

	ctx.LogCreationID(rc.TypeKey, clientID, id)
	view := map[string]interface{}{"id": id}
	for name := range fields {
		if v, ok := row[name]; ok {
			view[name] = v
		}
	}
	for _, p := range rc.Properties {
		if p.Default != nil {
			if v, ok := row[p.Name]; ok {
				view[p.Name] = v
			}
		}
	}
	created[clientID] = view

	if hook := rc.Hooks.PostprocessCreate; hook != nil {
		capturedRow := row
		*postprocess = append(*postprocess, func() { hook(ctx, capturedRow) })
	}
}

func (o *Operators) doUpdate(ctx *reqcontext.Context, outerTx *sql.Tx, rc *recordclass.RecordClass, accountID, id string, patch map[string]interface{}, updated, notUpdated map[string]interface{}, postprocess *[]func()) {
	row, err := o.Schema.FetchByID(outerTx, rc, accountID, id)
	if err != nil {
		notUpdated[id] = result.NewError(result.TypeInternalError).Arguments()
		return
	}
	if row == nil {
		notUpdated[id] = result.NewError("notFound").Arguments()
		return
	}

	patch, rerr := resolveCreationRefs(ctx, rc, patch)
	if rerr != nil {
		notUpdated[id] = rerr.Arguments()
		return
	}

	fields, ierr := validateAndCoerce(rc, patch, rc.ClientUpdatableProperties(ctx.IsSystem), false)
	if ierr != nil {
		notUpdated[id] = ierr.Arguments()
		return
	}
	if hook := rc.Hooks.UpdateCheck; hook != nil {
		if cerr := hook(ctx, row, fields); cerr != nil {
			notUpdated[id] = cerr.Arguments()
			return
		}
	}

	var newRow map[string]interface{}
	err = ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		sess := ctx.AccountState(accountID)
		if err := sess.EnsureBumped(tx, rc.TypeKey); err != nil {
			return err
		}
		modSeq, err := sess.NextStateFor(tx, rc.TypeKey)
		if err != nil {
			return err
		}
		if err := o.Schema.Update(tx, rc, accountID, id, modSeq, fields); err != nil {
			return err
		}
		newRow, err = o.Schema.FetchByID(tx, rc, accountID, id)
		if err != nil {
			return err
		}
		if hook := rc.Hooks.Updated; hook != nil {
			if err := hook(ctx, newRow, row, newRow); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		notUpdated[id] = result.NewError(result.TypeInternalError).Arguments()
		return
	}

	updated[id] = nil

	if hook := rc.Hooks.PostprocessUpdate; hook != nil {
		capturedRow := newRow
		*postprocess = append(*postprocess, func() { hook(ctx, capturedRow) })
	}
}

func (o *Operators) doDestroy(ctx *reqcontext.Context, outerTx *sql.Tx, rc *recordclass.RecordClass, accountID, id string, destroyed *[]string, notDestroyed map[string]interface{}, postprocess *[]func()) {
	row, err := o.Schema.FetchByID(outerTx, rc, accountID, id)
	if err != nil {
		notDestroyed[id] = result.NewError(result.TypeInternalError).Arguments()
		return
	}
	if row == nil {
		notDestroyed[id] = result.NewError("notFound").Arguments()
		return
	}
	if hook := rc.Hooks.DestroyCheck; hook != nil {
		if cerr := hook(ctx, row); cerr != nil {
			notDestroyed[id] = cerr.Arguments()
			return
		}
	}

	err = ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		sess := ctx.AccountState(accountID)
		if err := sess.EnsureBumped(tx, rc.TypeKey); err != nil {
			return err
		}
		modSeq, err := sess.NextStateFor(tx, rc.TypeKey)
		if err != nil {
			return err
		}
		if err := o.Schema.SoftDestroy(tx, rc, accountID, id, modSeq); err != nil {
			return err
		}
		if hook := rc.Hooks.Destroyed; hook != nil {
			if err := hook(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		notDestroyed[id] = result.NewError(result.TypeInternalError).Arguments()
		return
	}

	*destroyed = append(*destroyed, id)

	if hook := rc.Hooks.PostprocessDestroy; hook != nil {
		capturedRow := row
		*postprocess = append(*postprocess, func() { hook(ctx, capturedRow) })
	}
}
