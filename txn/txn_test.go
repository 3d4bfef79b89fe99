package txn

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("CREATE TABLE widgets (name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestDoCommitsOuterTransaction(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db)

	err := m.Do(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO widgets (name) VALUES (?)", "a")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM widgets").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row committed, got %d", count)
	}
}

func TestNestedSavepointRollbackKeepsOuterWrite(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db)

	err := m.Do(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO widgets (name) VALUES (?)", "outer"); err != nil {
			return err
		}
		// Inner savepoint fails and should roll back only its own write.
		_ = m.Do(context.Background(), func(tx *sql.Tx) error {
			if _, err := tx.Exec("INSERT INTO widgets (name) VALUES (?)", "inner"); err != nil {
				return err
			}
			return errInnerFailure
		})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM widgets").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected only outer write to survive, got %d rows", count)
	}
}

func TestDepthZeroMisuseDetected(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db)
	m.tx = nil

	// Simulate an already-open transaction at depth 0.
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	m.tx = tx

	err = m.Do(context.Background(), func(tx *sql.Tx) error { return nil })
	if err != ErrMisuse {
		t.Fatalf("expected ErrMisuse, got %v", err)
	}
	tx.Rollback()
}

func TestAfterCommitHookFiresOnlyOnOutermostCommit(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db)

	fired := 0
	err := m.Do(context.Background(), func(tx *sql.Tx) error {
		m.AfterCommit(func(ctx context.Context) error {
			fired++
			return nil
		})
		return m.Do(context.Background(), func(tx *sql.Tx) error {
			m.AfterCommit(func(ctx context.Context) error {
				fired++
				return nil
			})
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if fired != 2 {
		t.Fatalf("expected both after-commit hooks to fire once outer commits, got %d", fired)
	}
}

var errInnerFailure = errors.New("inner failure")
