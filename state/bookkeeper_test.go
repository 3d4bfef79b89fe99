package state

import (
	"database/sql"
	"testing"
)

type fakeStore struct {
	rows map[string]map[string]Row // accountID -> type -> Row
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]map[string]Row)}
}

func (f *fakeStore) LoadStates(tx *sql.Tx, accountID string) (map[string]Row, error) {
	out := make(map[string]Row)
	for k, v := range f.rows[accountID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) BumpState(tx *sql.Tx, accountID, typ string, newHigh int64) error {
	if f.rows[accountID] == nil {
		f.rows[accountID] = make(map[string]Row)
	}
	row := f.rows[accountID][typ]
	row.AccountID, row.Type = accountID, typ
	row.High = newHigh
	f.rows[accountID][typ] = row
	return nil
}

func (f *fakeStore) SeedStates(tx *sql.Tx, accountID string, types []string) error {
	for _, t := range types {
		if err := f.BumpState(tx, accountID, t, 0); err != nil {
			return err
		}
	}
	return nil
}

func TestNoOpSetKeepsOldStateEqualToNewState(t *testing.T) {
	store := newFakeStore()
	sess := NewSession(store, "acct-1")

	before, err := sess.StateFor(nil, "Cookie")
	if err != nil {
		t.Fatal(err)
	}
	// no mutation: never call EnsureBumped
	after, err := sess.StateFor(nil, "Cookie")
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("expected oldState == newState for no-op, got %s vs %s", before, after)
	}
	if before != "0" {
		t.Fatalf("expected initial state 0, got %s", before)
	}
}

func TestEnsureBumpedIsIdempotentWithinOneTransaction(t *testing.T) {
	store := newFakeStore()
	sess := NewSession(store, "acct-1")

	if err := sess.EnsureBumped(nil, "Cookie"); err != nil {
		t.Fatal(err)
	}
	if err := sess.EnsureBumped(nil, "Cookie"); err != nil {
		t.Fatal(err)
	}

	next, err := sess.NextStateFor(nil, "Cookie")
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Fatalf("expected single bump to pin next state at 1, got %d", next)
	}

	if err := sess.Commit(nil); err != nil {
		t.Fatal(err)
	}

	got, err := sess.StateFor(nil, "Cookie")
	if err != nil {
		t.Fatal(err)
	}
	if got != "1" {
		t.Fatalf("expected highestModSeq==1 after exactly one bump, got %s", got)
	}
}

func TestLocalizeAndMerge(t *testing.T) {
	store := newFakeStore()
	outer := NewSession(store, "acct-1")

	inner := outer.Localize()
	if err := inner.EnsureBumped(nil, "Cookie"); err != nil {
		t.Fatal(err)
	}
	outer.Merge(inner)

	next, err := outer.NextStateFor(nil, "Cookie")
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Fatalf("expected merged pending bump to surface on outer session, got %d", next)
	}
}

func TestDiscardedNestedSessionDoesNotLeak(t *testing.T) {
	store := newFakeStore()
	outer := NewSession(store, "acct-1")

	inner := outer.Localize()
	if err := inner.EnsureBumped(nil, "Cookie"); err != nil {
		t.Fatal(err)
	}
	// inner discarded without Merge, simulating a rolled-back savepoint.

	state, err := outer.StateFor(nil, "Cookie")
	if err != nil {
		t.Fatal(err)
	}
	if state != "0" {
		t.Fatalf("expected outer state unaffected by discarded nested bump, got %s", state)
	}
}
