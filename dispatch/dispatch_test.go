package dispatch_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-jmap/jmapcore/catalog"
	"github.com/covenant-jmap/jmapcore/dispatch"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/resultset"
	"github.com/covenant-jmap/jmapcore/storage"
)

// newTestEngine wires the catalog's record classes against a fresh
// in-memory database, the same setup a jmapd process builds at
// startup, minus the HTTP layer. storage.Open caches connections by
// DSN, so each test gets its own named memory database to avoid
// leaking state across tests that happen to share an account id.
func newTestEngine(t *testing.T) (*dispatch.Engine, *storage.Schema) {
	t.Helper()
	registry := catalog.NewRegistry()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	schema, err := storage.Open(dsn, registry)
	require.NoError(t, err)

	ops := resultset.New(schema, registry)
	engine := dispatch.NewEngine()
	for _, rc := range catalog.RecordClasses() {
		engine.RegisterRecordClass(rc, ops)
	}
	return engine, schema
}

// The literal S1-S6 scenarios all omit accountId from their
// request bodies; accountId is mandatory, so every call below
// is given the same account id the scenario text elides.
const testAccount = "act1"

func TestS1CreateAndBackRefRead(t *testing.T) {
	engine, schema := newTestEngine(t)
	ctx := reqcontext.New(schema.DB, schema)

	calls := []dispatch.Call{
		{
			Method: "Cookie/set",
			Arguments: map[string]interface{}{
				"accountId": testAccount,
				"create": map[string]interface{}{
					"c1": map[string]interface{}{"type": "chocolate", "delicious": "yes"},
				},
			},
			ClientID: "a",
		},
		{
			Method: "Cookie/get",
			Arguments: map[string]interface{}{
				"accountId": testAccount,
				"#ids": map[string]interface{}{
					"resultOf": "a",
					"name":     "Cookie/set",
					"path":     "/created/c1/id",
				},
			},
			ClientID: "b",
		},
	}

	sentences := engine.Dispatch(ctx, calls)
	require.Len(t, sentences, 2)

	a := sentences[0]
	assert.Equal(t, "Cookie/set", a.Name)
	assert.Equal(t, "0", a.Arguments["oldState"])
	assert.Equal(t, "1", a.Arguments["newState"])
	created, ok := a.Arguments["created"].(map[string]interface{})
	require.True(t, ok)
	c1, ok := created["c1"].(map[string]interface{})
	require.True(t, ok)
	guid, _ := c1["id"].(string)
	assert.NotEmpty(t, guid)

	b := sentences[1]
	assert.Equal(t, "Cookie/get", b.Name)
	assert.Equal(t, "1", b.Arguments["state"])
	list, ok := b.Arguments["list"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, guid, list[0]["id"])
}

func TestS2DuplicateCreationID(t *testing.T) {
	engine, schema := newTestEngine(t)
	ctx := reqcontext.New(schema.DB, schema)

	cookieCreate := func(clientID string) dispatch.Call {
		return dispatch.Call{
			Method: "Cookie/set",
			Arguments: map[string]interface{}{
				"accountId": testAccount,
				"create": map[string]interface{}{
					"c1": map[string]interface{}{"type": "oatmeal"},
				},
			},
			ClientID: clientID,
		}
	}

	calls := []dispatch.Call{
		cookieCreate("a"),
		cookieCreate("b"),
		{
			Method: "Cookie/get",
			Arguments: map[string]interface{}{
				"accountId": testAccount,
				"#ids": map[string]interface{}{
					"resultOf": "a",
					"name":     "Cookie/set",
					"path":     "/created/c1/id",
				},
			},
			ClientID: "c",
		},
	}

	sentences := engine.Dispatch(ctx, calls)
	require.Len(t, sentences, 3)

	firstGUID := sentences[0].Arguments["created"].(map[string]interface{})["c1"].(map[string]interface{})["id"].(string)
	secondGUID := sentences[1].Arguments["created"].(map[string]interface{})["c1"].(map[string]interface{})["id"].(string)
	assert.NotEqual(t, firstGUID, secondGUID, "both /set calls still create their own row")

	list := sentences[2].Arguments["list"].([]map[string]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, firstGUID, list[0]["id"], "back-ref resolution uses the first matching sentence")
}

func TestS3UnknownMethod(t *testing.T) {
	engine, schema := newTestEngine(t)
	ctx := reqcontext.New(schema.DB, schema)

	sentences := engine.Dispatch(ctx, []dispatch.Call{
		{Method: "Nope/nope", Arguments: map[string]interface{}{}, ClientID: "a"},
	})

	require.Len(t, sentences, 1)
	assert.Equal(t, "error", sentences[0].Name)
	assert.Equal(t, "unknownMethod", sentences[0].Arguments["type"])
	assert.Equal(t, "a", sentences[0].ClientID)
}

func TestS4MalformedBackRef(t *testing.T) {
	engine, schema := newTestEngine(t)
	ctx := reqcontext.New(schema.DB, schema)

	sentences := engine.Dispatch(ctx, []dispatch.Call{
		{
			Method: "Cookie/get",
			Arguments: map[string]interface{}{
				"#ids": map[string]interface{}{"resultOf": "x", "name": "Cookie/set"},
			},
			ClientID: "a",
		},
	})

	require.Len(t, sentences, 1)
	assert.Equal(t, "error", sentences[0].Name)
	assert.Equal(t, "resultReference", sentences[0].Arguments["type"])
	assert.Equal(t, "malformed ResultReference", sentences[0].Arguments["description"])
	assert.Equal(t, "a", sentences[0].ClientID)
}

func TestS5ChangesResync(t *testing.T) {
	engine, schema := newTestEngine(t)
	ctx := reqcontext.New(schema.DB, schema)

	_, err := schema.DB.Exec(
		"INSERT INTO states (accountId, type, lowestModSeq, highestModSeq) VALUES (?, ?, 100, 200)",
		testAccount, "Cookie")
	require.NoError(t, err)

	sentences := engine.Dispatch(ctx, []dispatch.Call{
		{
			Method:    "Cookie/changes",
			Arguments: map[string]interface{}{"accountId": testAccount, "sinceState": "50"},
			ClientID:  "a",
		},
	})

	require.Len(t, sentences, 1)
	assert.Equal(t, "error", sentences[0].Name)
	assert.Equal(t, "cannotCalculateChanges", sentences[0].Arguments["type"])
}

func TestS6IfInStateMismatch(t *testing.T) {
	engine, schema := newTestEngine(t)
	ctx := reqcontext.New(schema.DB, schema)

	setupSentences := engine.Dispatch(ctx, []dispatch.Call{
		{
			Method: "Cookie/set",
			Arguments: map[string]interface{}{
				"accountId": testAccount,
				"create":    map[string]interface{}{"c1": map[string]interface{}{"type": "sugar"}},
			},
			ClientID: "setup",
		},
	})
	require.Equal(t, "1", setupSentences[0].Arguments["newState"])

	ctx2 := reqcontext.New(schema.DB, schema)
	sentences := engine.Dispatch(ctx2, []dispatch.Call{
		{
			Method: "Cookie/set",
			Arguments: map[string]interface{}{
				"accountId": testAccount,
				"ifInState": "999",
				"create":    map[string]interface{}{"c2": map[string]interface{}{"type": "ginger"}},
			},
			ClientID: "a",
		},
	})

	require.Len(t, sentences, 1)
	assert.Equal(t, "error", sentences[0].Name)
	assert.Equal(t, "stateMismatch", sentences[0].Arguments["type"])

	ctx3 := reqcontext.New(schema.DB, schema)
	var state string
	err := ctx3.TxnDo(context.Background(), func(tx *sql.Tx) error {
		var stateErr error
		state, stateErr = ctx3.AccountState(testAccount).StateFor(tx, "Cookie")
		return stateErr
	})
	require.NoError(t, err)
	assert.Equal(t, "1", state, "a rejected /set must not bump the state")
}

func TestTooManyMethodsIsAWholeBatchRejection(t *testing.T) {
	engine, schema := newTestEngine(t)
	engine.SynthesizeClientIDs = true
	ctx := reqcontext.New(schema.DB, schema)

	calls := make([]dispatch.Call, dispatch.MaxCalls+1)
	for i := range calls {
		calls[i] = dispatch.Call{
			Method:    "Cookie/get",
			Arguments: map[string]interface{}{"accountId": testAccount},
		}
	}

	sentences := engine.Dispatch(ctx, calls)
	require.Len(t, sentences, 1)
	assert.Equal(t, "tooManyMethods", sentences[0].Arguments["type"])
	assert.Empty(t, sentences[0].ClientID)
}
