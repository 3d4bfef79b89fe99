package resultset_test

import (
	"testing"

	"github.com/covenant-jmap/jmapcore/catalog"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/resultset"
	"github.com/covenant-jmap/jmapcore/storage"
)

func newQueryFixture(t *testing.T) (*resultset.Operators, *reqcontext.Context) {
	t.Helper()
	registry := catalog.NewRegistry()
	schema, err := storage.Open("file:"+t.Name()+"?mode=memory&cache=shared", registry)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	ops := resultset.New(schema, registry)
	ctx := reqcontext.New(schema.DB, schema)
	return ops, ctx
}

func createMailbox(t *testing.T, ops *resultset.Operators, ctx *reqcontext.Context, accountID, clientID string, fields map[string]interface{}) string {
	t.Helper()
	rc := catalog.Mailbox()
	results := ops.Set(ctx, rc, map[string]interface{}{
		"accountId": accountID,
		"create":    map[string]interface{}{clientID: fields},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("create mailbox %s failed: %+v", clientID, results)
	}
	created := results[0].Arguments["created"].(map[string]interface{})
	row := created[clientID].(map[string]interface{})
	return row["id"].(string)
}

func TestQueryOrdersByDeclaredSort(t *testing.T) {
	ops, ctx := newQueryFixture(t)
	const account = "act1"
	rc := catalog.Mailbox()

	bID := createMailbox(t, ops, ctx, account, "b", map[string]interface{}{"name": "B", "sortOrder": int64(2)})
	aID := createMailbox(t, ops, ctx, account, "a", map[string]interface{}{"name": "A", "sortOrder": int64(1)})

	results := ops.Query(ctx, rc, map[string]interface{}{
		"accountId": account,
		"sort":      []interface{}{map[string]interface{}{"property": "sortOrder", "isAscending": true}},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("query failed: %+v", results)
	}
	ids := results[0].Arguments["ids"].([]string)
	if len(ids) != 2 || ids[0] != aID || ids[1] != bID {
		t.Fatalf("ids = %v, want [%s, %s]", ids, aID, bID)
	}
}

func TestQueryFiltersByRole(t *testing.T) {
	ops, ctx := newQueryFixture(t)
	const account = "act1"
	rc := catalog.Mailbox()

	inboxID := createMailbox(t, ops, ctx, account, "inbox", map[string]interface{}{"name": "Inbox", "role": "inbox"})
	createMailbox(t, ops, ctx, account, "trash", map[string]interface{}{"name": "Trash", "role": "trash"})

	results := ops.Query(ctx, rc, map[string]interface{}{
		"accountId": account,
		"filter":    map[string]interface{}{"role": "inbox"},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("query failed: %+v", results)
	}
	ids := results[0].Arguments["ids"].([]string)
	if len(ids) != 1 || ids[0] != inboxID {
		t.Fatalf("ids = %v, want [%s]", ids, inboxID)
	}
}

func TestQueryChangesReportsAddedAndRemoved(t *testing.T) {
	ops, ctx := newQueryFixture(t)
	const account = "act1"
	rc := catalog.Mailbox()

	createMailbox(t, ops, ctx, account, "keep", map[string]interface{}{"name": "Keep", "role": "inbox"})

	queryState := ops.Query(ctx, rc, map[string]interface{}{
		"accountId": account,
		"filter":    map[string]interface{}{"role": "inbox"},
	})[0].Arguments["queryState"].(string)

	newID := createMailbox(t, ops, ctx, account, "new", map[string]interface{}{"name": "New", "role": "inbox"})

	results := ops.QueryChanges(ctx, rc, map[string]interface{}{
		"accountId":       account,
		"sinceQueryState": queryState,
		"filter":          map[string]interface{}{"role": "inbox"},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("queryChanges failed: %+v", results)
	}
	added := results[0].Arguments["added"].([]map[string]interface{})
	if len(added) != 1 || added[0]["id"] != newID {
		t.Fatalf("added = %v, want a single entry for %s", added, newID)
	}
	removed := results[0].Arguments["removed"].([]string)
	if len(removed) != 0 {
		t.Fatalf("removed = %v, want none", removed)
	}
}

func TestQueryChangesRejectsBogusState(t *testing.T) {
	ops, ctx := newQueryFixture(t)
	const account = "act1"
	rc := catalog.Mailbox()
	createMailbox(t, ops, ctx, account, "a", map[string]interface{}{"name": "A"})

	results := ops.QueryChanges(ctx, rc, map[string]interface{}{
		"accountId":       account,
		"sinceQueryState": "not-a-real-state",
	})
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected an error result, got %+v", results)
	}
	if results[0].Err.Type != "invalidArguments" {
		t.Fatalf("err.Type = %s, want invalidArguments", results[0].Err.Type)
	}
}
