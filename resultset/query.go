package resultset

import (
	"context"
	"database/sql"
	"sort"
	"strconv"

	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/state"
)

// sortTerm is one decoded entry of the "sort" argument.
type sortTerm struct {
	Property    string
	IsAscending bool
}

func parseSort(rc *recordclass.RecordClass, args map[string]interface{}) ([]sortTerm, *result.Error) {
	raw, ok := args["sort"].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]sortTerm, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, invalidArgs("malformed sort entry")
		}
		prop, _ := m["property"].(string)
		if _, known := rc.QuerySortMap[prop]; !known {
			return nil, invalidArgs("unknown sort property: " + prop)
		}
		asc := true
		if v, present := m["isAscending"]; present {
			b, _ := v.(bool)
			asc = b
		}
		out = append(out, sortTerm{Property: prop, IsAscending: asc})
	}
	return out, nil
}

func orderByClauses(rc *recordclass.RecordClass, terms []sortTerm) []string {
	out := make([]string, 0, len(terms)+1)
	for _, t := range terms {
		spec := rc.QuerySortMap[t.Property]
		dir := "ASC"
		if !t.IsAscending {
			dir = "DESC"
		}
		out = append(out, spec.SortBy+" "+dir)
	}
	// id is the tie-breaker so ordering is stable across calls, which
	// /queryChanges's position lookups depend on.
	out = append(out, "id ASC")
	return out
}

// filterConditions builds the WHERE fragments and their bind args for
// every key present in the "filter" argument and declared in the
// record class's query filter map.
func filterConditions(rc *recordclass.RecordClass, filter map[string]interface{}) ([]string, []interface{}, *result.Error) {
	var conds []string
	var bind []interface{}
	for key, val := range filter {
		cond, ok := rc.QueryFilterMap[key]
		if !ok {
			return nil, nil, invalidArgs("unknown filter: " + key)
		}
		sqlFrag, args, err := cond.CondBuilder(val)
		if err != nil {
			return nil, nil, invalidArgs(err.Error())
		}
		conds = append(conds, sqlFrag)
		bind = append(bind, args...)
	}
	return conds, bind, nil
}

func parseFilter(args map[string]interface{}) map[string]interface{} {
	f, _ := args["filter"].(map[string]interface{})
	return f
}

// orderedMatchingIDs runs rc's declared filter/sort over accountID's
// active rows and returns every matching id in query order.
func (o *Operators) orderedMatchingIDs(ctx *reqcontext.Context, tx *sql.Tx, rc *recordclass.RecordClass, accountID string, filter map[string]interface{}, terms []sortTerm) ([]string, *result.Error) {
	conds, bind, ferr := filterConditions(rc, filter)
	if ferr != nil {
		return nil, ferr
	}
	rows, err := o.Schema.FetchFiltered(tx, rc, accountID, conds, bind, orderByClauses(rc, terms))
	if err != nil {
		guid := ctx.FileExceptionReport(err)
		return nil, result.NewError(result.TypeInternalError).WithArg("guid", guid)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r["id"].(string)
	}
	return ids, nil
}

// Query implements the generic K/query method body: it
// lists accountID's active ids matching "filter", ordered by "sort",
// windowed by position/limit or by anchor/anchorOffset.
func (o *Operators) Query(ctx *reqcontext.Context, rc *recordclass.RecordClass, args map[string]interface{}) []result.Result {
	accountID, ok := argString(args, "accountId")
	if !ok {
		return []result.Result{result.Fail(invalidArgs("accountId is required"))}
	}
	terms, serr := parseSort(rc, args)
	if serr != nil {
		return []result.Result{result.Fail(serr)}
	}

	var out map[string]interface{}
	var rejected *result.Error

	txErr := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		ids, ferr := o.orderedMatchingIDs(ctx, tx, rc, accountID, parseFilter(args), terms)
		if ferr != nil {
			rejected = ferr
			return nil
		}

		position := 0
		if v, present := args["position"]; present {
			if n, ok := asInt(v); ok {
				position = n
			}
		}
		if anchor, present := argString(args, "anchor"); present {
			idx := indexOf(ids, anchor)
			if idx < 0 {
				rejected = invalidArgs("anchor not found in result set")
				return nil
			}
			offset := 0
			if v, present := args["anchorOffset"]; present {
				offset, _ = asInt(v)
			}
			position = idx + offset
		}
		if position < 0 {
			position = maxInt(0, len(ids)+position)
		}
		if position > len(ids) {
			position = len(ids)
		}

		window := ids[position:]
		if v, present := args["limit"]; present {
			if n, ok := asInt(v); ok && n >= 0 && n < len(window) {
				window = window[:n]
			}
		}

		queryState, err := ctx.AccountState(accountID).StateFor(tx, rc.TypeKey)
		if err != nil {
			return err
		}

		out = map[string]interface{}{
			"accountId":           accountID,
			"queryState":          queryState,
			"canCalculateChanges": true,
			"position":            position,
			"ids":                 window,
		}
		if calc, _ := args["calculateTotal"].(bool); calc {
			out["total"] = len(ids)
		}
		return nil
	})
	if txErr != nil {
		guid := ctx.FileExceptionReport(txErr)
		return []result.Result{result.Fail(result.NewError(result.TypeInternalError).WithArg("guid", guid))}
	}
	if rejected != nil {
		return []result.Result{result.Fail(rejected)}
	}
	return []result.Result{result.Ok(rc.TypeKey+"/query", out)}
}

// QueryChanges implements the generic K/queryChanges method body
// it reuses the four-valued state comparator against the
// record class's type state (queryState is the same string /changes
// uses) to decide whether an incremental diff is even possible, then
// classifies every row touched since sinceQueryState as added (now
// matching the filter) or removed (destroyed, or no longer matching).
func (o *Operators) QueryChanges(ctx *reqcontext.Context, rc *recordclass.RecordClass, args map[string]interface{}) []result.Result {
	accountID, ok := argString(args, "accountId")
	if !ok {
		return []result.Result{result.Fail(invalidArgs("accountId is required"))}
	}
	sinceState, ok := argString(args, "sinceQueryState")
	if !ok {
		return []result.Result{result.Fail(invalidArgs("sinceQueryState is required"))}
	}
	terms, serr := parseSort(rc, args)
	if serr != nil {
		return []result.Result{result.Fail(serr)}
	}
	filter := parseFilter(args)
	sess := ctx.AccountState(accountID)

	var out map[string]interface{}
	var rejected *result.Error

	txErr := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		low, high, err := sess.Window(tx, rc.TypeKey)
		if err != nil {
			return err
		}

		switch state.Compare(sinceState, low, high) {
		case state.Bogus:
			rejected = invalidArgs("sinceQueryState is not a recognised state")
			return nil
		case state.Resync:
			rejected = result.NewError(result.TypeCannotCalcChanges)
			return nil
		case state.InSync:
			out = map[string]interface{}{
				"accountId":     accountID,
				"oldQueryState": sinceState,
				"newQueryState": sinceState,
				"total":         0,
				"removed":       []string{},
				"added":         []map[string]interface{}{},
			}
			return nil
		}

		maxChanges := defaultMaxChanges
		if v, ok := args["maxChanges"]; ok {
			if n, ok := asInt(v); ok && n > 0 {
				maxChanges = n
			}
		}
		upToID, _ := argString(args, "upToId")

		sinceModSeq, _ := asInt64FromString(sinceState)
		createdRecs, updatedRecs, destroyedRecs, err := o.Schema.ChangesSince(tx, rc, accountID, sinceModSeq)
		if err != nil {
			return err
		}
		touched := mergeChangeRecords(createdRecs, updatedRecs, destroyedRecs)
		if upToID != "" {
			touched = truncateEntriesUpTo(touched, upToID)
		}
		touched, _, newStateModSeq := truncateAtModSeqBoundary(touched, maxChanges, high)

		destroyedSet := make(map[string]bool, len(destroyedRecs))
		for _, r := range destroyedRecs {
			destroyedSet[r.ID] = true
		}

		matchingIDs, ferr := o.orderedMatchingIDs(ctx, tx, rc, accountID, filter, terms)
		if ferr != nil {
			rejected = ferr
			return nil
		}
		indexByID := make(map[string]int, len(matchingIDs))
		for i, id := range matchingIDs {
			indexByID[id] = i
		}

		var removed []string
		var added []map[string]interface{}
		seen := make(map[string]bool, len(touched))
		for _, e := range touched {
			if seen[e.id] {
				continue
			}
			seen[e.id] = true
			if destroyedSet[e.id] {
				removed = append(removed, e.id)
				continue
			}
			if idx, matches := indexByID[e.id]; matches {
				added = append(added, map[string]interface{}{"id": e.id, "index": idx})
			} else {
				removed = append(removed, e.id)
			}
		}
		sort.Slice(added, func(i, j int) bool { return added[i]["index"].(int) < added[j]["index"].(int) })

		if removed == nil {
			removed = []string{}
		}
		if added == nil {
			added = []map[string]interface{}{}
		}

		out = map[string]interface{}{
			"accountId":     accountID,
			"oldQueryState": sinceState,
			"newQueryState": strconv.FormatInt(newStateModSeq, 10),
			"total":         len(matchingIDs),
			"removed":       removed,
			"added":         added,
		}
		return nil
	})
	if txErr != nil {
		guid := ctx.FileExceptionReport(txErr)
		return []result.Result{result.Fail(result.NewError(result.TypeInternalError).WithArg("guid", guid))}
	}
	if rejected != nil {
		return []result.Result{result.Fail(rejected)}
	}

	return []result.Result{result.Ok(rc.TypeKey+"/queryChanges", out)}
}

// truncateEntriesUpTo cuts entries right after the one whose id is
// upToID, in whatever order entries is already sorted in (chronological,
// via mergeChangeRecords). If upToID never occurs, entries is returned
// unchanged.
func truncateEntriesUpTo(entries []changeEntry, upToID string) []changeEntry {
	for i, e := range entries {
		if e.id == upToID {
			return entries[:i+1]
		}
	}
	return entries
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
