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
	"github.com/covenant-jmap/jmapcore/storage"
)

const defaultMaxChanges = 256

// Changes implements the generic K/changes method body: the
// four-valued comparator decides whether the client's sinceState can
// be diffed at all before any row is touched.
func (o *Operators) Changes(ctx *reqcontext.Context, rc *recordclass.RecordClass, args map[string]interface{}) []result.Result {
	accountID, ok := argString(args, "accountId")
	if !ok {
		return []result.Result{result.Fail(invalidArgs("accountId is required"))}
	}
	sinceState, ok := argString(args, "sinceState")
	if !ok {
		return []result.Result{result.Fail(invalidArgs("sinceState is required"))}
	}

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
			rejected = invalidArgs("sinceState is not a recognised state")
			return nil
		case state.Resync:
			rejected = result.NewError(result.TypeCannotCalcChanges)
			return nil
		case state.InSync:
			out = map[string]interface{}{
				"accountId":      accountID,
				"oldState":       sinceState,
				"newState":       sinceState,
				"hasMoreUpdates": false,
				"created":        []string{},
				"updated":        []string{},
				"destroyed":      []string{},
			}
			return nil
		}

		maxChanges := defaultMaxChanges
		if v, ok := args["maxChanges"]; ok {
			if n, ok := asInt(v); ok && n > 0 {
				maxChanges = n
			}
		}

		sinceModSeq, _ := asInt64FromString(sinceState)
		createdRecs, updatedRecs, destroyedRecs, err := o.Schema.ChangesSince(tx, rc, accountID, sinceModSeq)
		if err != nil {
			return err
		}

		entries := mergeChangeRecords(createdRecs, updatedRecs, destroyedRecs)
		kept, hasMore, newStateModSeq := truncateAtModSeqBoundary(entries, maxChanges, high)
		keepSet := make(map[string]bool, len(kept))
		for _, e := range kept {
			keepSet[e.id] = true
		}

		out = map[string]interface{}{
			"accountId":      accountID,
			"oldState":       sinceState,
			"newState":       strconv.FormatInt(newStateModSeq, 10),
			"hasMoreUpdates": hasMore,
			"created":        filterKeptIDs(createdRecs, keepSet),
			"updated":        filterKeptIDs(updatedRecs, keepSet),
			"destroyed":      filterKeptIDs(destroyedRecs, keepSet),
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

	return []result.Result{result.Ok(rc.TypeKey+"/changes", out)}
}

// changeEntry is one touched row reduced to the fields truncation and
// merge order care about, independent of which bucket (created,
// updated, destroyed) it came from.
type changeEntry struct {
	id     string
	modSeq int64
}

// mergeChangeRecords merges any number of modseq-ascending-sorted
// storage.ChangeRecord slices into one chronological sequence, the
// order actual mutations occurred in regardless of which bucket they
// landed in.
func mergeChangeRecords(groups ...[]storage.ChangeRecord) []changeEntry {
	var all []changeEntry
	for _, g := range groups {
		for _, r := range g {
			all = append(all, changeEntry{id: r.ID, modSeq: r.ModSeq})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].modSeq < all[j].modSeq })
	return all
}

// truncateAtModSeqBoundary caps entries to at most limit, extending
// the cut to include every entry sharing the last included entry's
// modseq: several creates in one /set call share a single modseq (one
// ensure_state_bumped per type per transaction), so cutting between
// them would silently drop the rest of that batch from every future
// page. When nothing is cut, newState is the account's true current
// high watermark; otherwise it is the modseq of the last entry kept,
// a real intermediate state a follow-up call can resume from.
func truncateAtModSeqBoundary(entries []changeEntry, limit int, high int64) (kept []changeEntry, hasMore bool, newState int64) {
	if limit <= 0 || len(entries) <= limit {
		return entries, false, high
	}
	cut := limit - 1
	for cut+1 < len(entries) && entries[cut+1].modSeq == entries[cut].modSeq {
		cut++
	}
	hasMore = cut < len(entries)-1
	return entries[:cut+1], hasMore, entries[cut].modSeq
}

// filterKeptIDs returns records's ids, in their original order,
// restricted to those present in keep.
func filterKeptIDs(records []storage.ChangeRecord, keep map[string]bool) []string {
	var out []string
	for _, r := range records {
		if keep[r.ID] {
			out = append(out, r.ID)
		}
	}
	return out
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asInt64FromString(s string) (int64, bool) {
	var n int64
	var neg bool
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}
