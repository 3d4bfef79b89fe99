/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package storage implements the soft-delete / change-tracking storage
// protocol over a relational store: every record table carries
// accountId, modSeqCreated, modSeqChanged, dateDestroyed, isActive; the
// package also owns the states table the account-state bookkeeper reads
// and writes.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 driver
	"github.com/pkg/errors"

	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/state"
)

var (
	index = struct {
		mu *sync.Mutex
		db map[string]*sql.DB
	}{&sync.Mutex{}, make(map[string]*sql.DB)}
)

func openDB(dsn string) (*sql.DB, error) {
	index.mu.Lock()
	defer index.mu.Unlock()

	if db := index.db[dsn]; db != nil {
		return db, nil
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	index.db[dsn] = db
	return db, nil
}

// stateRow is the gorp-mapped shape of one states table row.
type stateRow struct {
	AccountID string `db:"accountId"`
	Type      string `db:"type"`
	Low       int64  `db:"lowestModSeq"`
	High      int64  `db:"highestModSeq"`
}

// Schema is the request-scoped (really: process-scoped, since sqlite
// connections are cheap to share) handle the resultset operators drive.
// It owns the registry of record classes and the underlying database.
type Schema struct {
	DB       *sql.DB
	dbmap    *gorp.DbMap
	Registry *recordclass.Registry
}

// Open opens (or reuses) a sqlite connection at dsn and binds it to the
// given record-class registry, ensuring the states table and every
// record class's table exist.
func Open(dsn string, registry *recordclass.Registry) (*Schema, error) {
	parsed, err := NewDSN(dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "storage: parse dsn")
	}
	parsed.EnsureCacheShared()

	db, err := openDB(parsed.Format())
	if err != nil {
		return nil, errors.WithMessage(err, "storage: open")
	}

	dbmap := &gorp.DbMap{Db: db, Dialect: gorp.SqliteDialect{}}
	dbmap.AddTableWithName(stateRow{}, "states").SetKeys(false, "AccountID", "Type")

	s := &Schema{DB: db, dbmap: dbmap, Registry: registry}
	if err := s.ensureStatesTable(); err != nil {
		return nil, err
	}
	for _, rc := range registry.All() {
		if err := s.ensureRecordTable(rc); err != nil {
			return nil, errors.WithMessagef(err, "storage: ensure table for %s", rc.TypeKey)
		}
	}
	return s, nil
}

func (s *Schema) ensureStatesTable() error {
	const ddl = `CREATE TABLE IF NOT EXISTS states (
		accountId TEXT NOT NULL,
		type TEXT NOT NULL,
		lowestModSeq INTEGER NOT NULL DEFAULT 0,
		highestModSeq INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (accountId, type)
	)`
	_, err := s.DB.Exec(ddl)
	return err
}

func columnDDL(p recordclass.Property) string {
	col := p.ColumnName()
	var sqlType string
	switch p.Type {
	case recordclass.Integer:
		sqlType = "INTEGER"
	case recordclass.Boolean:
		sqlType = "BOOLEAN"
	case recordclass.Timestamp:
		sqlType = "TIMESTAMP"
	default:
		sqlType = "TEXT"
	}
	null := "NOT NULL"
	if p.Optional {
		null = "NULL"
	}
	return fmt.Sprintf("`%s` %s %s", col, sqlType, null)
}

// ensureRecordTable creates rc's table with the mandatory columns of
// the mandatory columns plus its declared (non-virtual) properties, and the isActive-
// prefixed unique indexes.
func (s *Schema) ensureRecordTable(rc *recordclass.RecordClass) error {
	cols := []string{
		"`id` TEXT PRIMARY KEY",
		"`accountId` TEXT NOT NULL",
		"`modSeqCreated` INTEGER NOT NULL",
		"`modSeqChanged` INTEGER NOT NULL",
		"`dateDestroyed` TIMESTAMP NULL",
		"`isActive` BOOLEAN NULL",
		"`created` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
	}
	for _, p := range rc.Properties {
		if p.Virtual {
			continue
		}
		cols = append(cols, columnDDL(p))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (%s)", rc.Table, strings.Join(cols, ", "))
	if _, err := s.DB.Exec(ddl); err != nil {
		return err
	}

	for i, constraint := range rc.UniqueConstraints {
		// isActive leads the constraint so NULL (destroyed) rows never
		// collide under SQL's NULL <> NULL semantics.
		cols := append([]string{"isActive"}, constraint...)
		quoted := make([]string, len(cols))
		for j, c := range cols {
			quoted[j] = "`" + c + "`"
		}
		idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS `%s_uniq_%d` ON `%s` (%s)",
			rc.Table, i, rc.Table, strings.Join(quoted, ", "))
		if _, err := s.DB.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// --- state.Store implementation -------------------------------------
//
// Every method below runs against the caller's tx, never against
// s.DB directly: database/sql may hand a fresh pooled connection to a
// bare s.DB.Exec, which would put the write on a connection the
// enclosing SAVEPOINT/ROLLBACK TO SAVEPOINT machinery in the txn
// package never touches. gorp's dbmap holds only the states table
// registration and is not otherwise used (ensureStatesTable issues raw
// DDL); in particular it is not used for Select,
// since gorp v2 has no supported way to run a mapped query against an
// externally-managed *sql.Tx.

// LoadStates implements state.Store.
func (s *Schema) LoadStates(tx *sql.Tx, accountID string) (map[string]state.Row, error) {
	rows, err := tx.Query(
		"SELECT accountId, type, lowestModSeq, highestModSeq FROM states WHERE accountId = ?",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]state.Row)
	for rows.Next() {
		var r stateRow
		if err := rows.Scan(&r.AccountID, &r.Type, &r.Low, &r.High); err != nil {
			return nil, err
		}
		out[r.Type] = state.Row{AccountID: r.AccountID, Type: r.Type, Low: r.Low, High: r.High}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// BumpState implements state.Store: it updates the states row if
// present, or inserts a fresh one (low=0) otherwise. A unique-key
// violation on insert (a concurrent request won the race) is surfaced
// as state.ErrTryAgain.
func (s *Schema) BumpState(tx *sql.Tx, accountID, typ string, newHigh int64) error {
	res, err := tx.Exec(
		"UPDATE states SET highestModSeq = ? WHERE accountId = ? AND type = ?",
		newHigh, accountID, typ)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = tx.Exec(
		"INSERT INTO states (accountId, type, lowestModSeq, highestModSeq) VALUES (?, ?, 0, ?)",
		accountID, typ, newHigh)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrTryAgain
		}
		return err
	}
	return nil
}

// SeedStates implements state.Store.
func (s *Schema) SeedStates(tx *sql.Tx, accountID string, types []string) error {
	for _, t := range types {
		_, err := tx.Exec(
			"INSERT OR IGNORE INTO states (accountId, type, lowestModSeq, highestModSeq) VALUES (?, ?, 0, 0)",
			accountID, t)
		if err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
