package resultset_test

import (
	"testing"

	"github.com/covenant-jmap/jmapcore/catalog"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/resultset"
	"github.com/covenant-jmap/jmapcore/storage"
)

func newSetFixture(t *testing.T) (*resultset.Operators, *reqcontext.Context) {
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

func TestSetCreateRejectsMissingRequiredProperty(t *testing.T) {
	ops, ctx := newSetFixture(t)
	rc := catalog.Cookie()

	results := ops.Set(ctx, rc, map[string]interface{}{
		"accountId": "act1",
		"create":    map[string]interface{}{"c1": map[string]interface{}{}},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("set failed outright: %+v", results)
	}
	notCreated, ok := results[0].Arguments["notCreated"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected notCreated, got %+v", results[0].Arguments)
	}
	failure, ok := notCreated["c1"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected notCreated[c1], got %+v", notCreated)
	}
	if failure["type"] != "invalidProperties" {
		t.Fatalf("notCreated[c1].type = %v, want invalidProperties", failure["type"])
	}
	props, ok := failure["properties"].([]string)
	if !ok || len(props) != 1 || props[0] != "type" {
		t.Fatalf("notCreated[c1].properties = %v, want [type]", failure["properties"])
	}
	if _, created := results[0].Arguments["created"]; created {
		t.Fatalf("create should not have been persisted: %+v", results[0].Arguments)
	}
}

func TestSetCreateResolvesSameBatchCreationIDRegardlessOfOrder(t *testing.T) {
	ops, ctx := newSetFixture(t)
	rc := catalog.Mailbox()

	// "child" is keyed ahead of "parent" so a naive single pass over
	// Go's randomised map order would sometimes see it first; doCreates
	// must still resolve #parent once the parent round completes.
	results := ops.Set(ctx, rc, map[string]interface{}{
		"accountId": "act1",
		"create": map[string]interface{}{
			"child": map[string]interface{}{
				"name":     "Child",
				"parentId": "#parent",
			},
			"parent": map[string]interface{}{
				"name": "Parent",
			},
		},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("set failed: %+v", results)
	}
	notCreated, _ := results[0].Arguments["notCreated"].(map[string]interface{})
	if len(notCreated) != 0 {
		t.Fatalf("notCreated = %+v, want none", notCreated)
	}
	created := results[0].Arguments["created"].(map[string]interface{})
	parentRow, ok := created["parent"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected created[parent], got %+v", created)
	}
	childRow, ok := created["child"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected created[child], got %+v", created)
	}
	if childRow["parentId"] != parentRow["id"] {
		t.Fatalf("child.parentId = %v, want %v", childRow["parentId"], parentRow["id"])
	}
}

func TestSetCreateFailsOnDuplicateCreationID(t *testing.T) {
	ops, ctx := newSetFixture(t)
	rc := catalog.Mailbox()

	results := ops.Set(ctx, rc, map[string]interface{}{
		"accountId": "act1",
		"create": map[string]interface{}{
			"dup": map[string]interface{}{"name": "First"},
		},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("first set failed: %+v", results)
	}

	// Logging "dup" a second time (a second create with the same
	// clientId, in a separate method call within the same request)
	// flips reqcontext's table to DUPLICATE.
	results = ops.Set(ctx, rc, map[string]interface{}{
		"accountId": "act1",
		"create": map[string]interface{}{
			"dup": map[string]interface{}{"name": "Second"},
		},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("second set failed: %+v", results)
	}

	// A later reference to "#dup" must now surface duplicateCreationId,
	// not silently resolve to either id or fail as merely unresolved.
	results = ops.Set(ctx, rc, map[string]interface{}{
		"accountId": "act1",
		"create": map[string]interface{}{
			"ref": map[string]interface{}{"name": "Referrer", "parentId": "#dup"},
		},
	})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("third set failed: %+v", results)
	}
	notCreated, ok := results[0].Arguments["notCreated"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected notCreated, got %+v", results[0].Arguments)
	}
	refFailure, ok := notCreated["ref"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected notCreated[ref], got %+v", notCreated)
	}
	if refFailure["type"] != "duplicateCreationId" {
		t.Fatalf("notCreated[ref].type = %v, want duplicateCreationId", refFailure["type"])
	}
}

func TestSetUpdateResolvesCreationIDFromEarlierCreate(t *testing.T) {
	ops, ctx := newSetFixture(t)
	rc := catalog.Mailbox()

	createResults := ops.Set(ctx, rc, map[string]interface{}{
		"accountId": "act1",
		"create": map[string]interface{}{
			"folder": map[string]interface{}{"name": "Folder"},
			"other":  map[string]interface{}{"name": "Other"},
		},
	})
	created := createResults[0].Arguments["created"].(map[string]interface{})
	otherID := created["other"].(map[string]interface{})["id"].(string)

	updateResults := ops.Set(ctx, rc, map[string]interface{}{
		"accountId": "act1",
		"update": map[string]interface{}{
			otherID: map[string]interface{}{"parentId": "#folder"},
		},
	})
	if len(updateResults) != 1 || updateResults[0].Err != nil {
		t.Fatalf("update failed: %+v", updateResults)
	}
	notUpdated, _ := updateResults[0].Arguments["notUpdated"].(map[string]interface{})
	if len(notUpdated) != 0 {
		t.Fatalf("notUpdated = %+v, want none", notUpdated)
	}
	if _, ok := updateResults[0].Arguments["updated"].(map[string]interface{})[otherID]; !ok {
		t.Fatalf("updated = %+v, want an entry for %s", updateResults[0].Arguments["updated"], otherID)
	}
}
