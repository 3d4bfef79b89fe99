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

package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/covenant-jmap/jmapcore/recordclass"
)

// mandatoryColumns are present on every record-class table.
var mandatoryColumns = []string{"id", "accountId", "modSeqCreated", "modSeqChanged", "dateDestroyed", "isActive", "created"}

func persistedColumns(rc *recordclass.RecordClass) []recordclass.Property {
	out := make([]recordclass.Property, 0, len(rc.Properties))
	for _, p := range rc.Properties {
		if !p.Virtual {
			out = append(out, p)
		}
	}
	return out
}

func selectColumnList(rc *recordclass.RecordClass) []string {
	cols := append([]string{}, mandatoryColumns...)
	for _, p := range persistedColumns(rc) {
		cols = append(cols, p.ColumnName())
	}
	return cols
}

// scanRow turns one *sql.Rows position into a JMAP-property-keyed row:
// mandatory columns keep their bare names, declared properties are
// keyed by their JMAP property name (not necessarily the column name).
func scanRow(rc *recordclass.RecordClass, rows *sql.Rows, cols []string) (map[string]interface{}, error) {
	raw := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	byColumn := make(map[string]string, len(rc.Properties))
	for _, p := range rc.Properties {
		byColumn[p.ColumnName()] = p.Name
	}

	out := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		key := col
		if name, ok := byColumn[col]; ok {
			key = name
		}
		out[key] = normalizeScanned(raw[i])
	}
	return out, nil
}

// normalizeScanned converts sqlite's returned driver values ([]byte for
// TEXT, int64 for INTEGER/BOOLEAN) into the plain Go types the resultset
// layer and JSON encoder expect.
func normalizeScanned(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

// FetchByID returns the row for id, or nil if it does not exist or is
// not active (soft-deleted).
func (s *Schema) FetchByID(tx *sql.Tx, rc *recordclass.RecordClass, accountID, id string) (map[string]interface{}, error) {
	cols := selectColumnList(rc)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}
	query := fmt.Sprintf("SELECT %s FROM `%s` WHERE accountId = ? AND id = ? AND isActive = 1",
		strings.Join(quoted, ", "), rc.Table)

	rows, err := tx.Query(query, accountID, id)
	if err != nil {
		return nil, errors.WithMessage(err, "storage: fetch by id")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	row, err := scanRow(rc, rows, cols)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// FetchMany returns every active row named by ids, keyed by id. Missing
// or inactive ids are simply absent from the result.
func (s *Schema) FetchMany(tx *sql.Tx, rc *recordclass.RecordClass, accountID string, ids []string) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for _, id := range ids {
		row, err := s.FetchByID(tx, rc, accountID, id)
		if err != nil {
			return nil, err
		}
		if row != nil {
			out[id] = row
		}
	}
	return out, nil
}

// FetchFiltered runs a /query-style scan: every active row in
// accountID's table matching the WHERE fragments built from filter
// conditions, ordered per orderBy (already-validated SQL expressions).
func (s *Schema) FetchFiltered(tx *sql.Tx, rc *recordclass.RecordClass, accountID string, whereExtra []string, args []interface{}, orderBy []string) ([]map[string]interface{}, error) {
	cols := selectColumnList(rc)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}

	where := []string{"accountId = ?", "isActive = 1"}
	bind := append([]interface{}{accountID}, args...)
	where = append(where, whereExtra...)

	query := fmt.Sprintf("SELECT %s FROM `%s` WHERE %s",
		strings.Join(quoted, ", "), rc.Table, strings.Join(where, " AND "))
	if len(orderBy) > 0 {
		query += " ORDER BY " + strings.Join(orderBy, ", ")
	}

	rows, err := tx.Query(query, bind...)
	if err != nil {
		return nil, errors.WithMessage(err, "storage: fetch filtered")
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		row, err := scanRow(rc, rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Insert persists a new row with the given id and create-time modseq.
// fields must already be validated and keyed by JMAP property name.
func (s *Schema) Insert(tx *sql.Tx, rc *recordclass.RecordClass, accountID, id string, modSeq int64, fields map[string]interface{}) error {
	cols := []string{"id", "accountId", "modSeqCreated", "modSeqChanged", "isActive", "created"}
	args := []interface{}{id, accountID, modSeq, modSeq, true, time.Now().UTC()}

	for _, p := range persistedColumns(rc) {
		v, ok := fields[p.Name]
		if !ok {
			continue
		}
		cols = append(cols, p.ColumnName())
		args = append(args, v)
	}

	placeholders := strings.Repeat("?, ", len(cols))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}
	query := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)", rc.Table, strings.Join(quoted, ", "), placeholders)

	_, err := tx.Exec(query, args...)
	return err
}

// Update applies a partial set of property changes to an existing
// active row, stamping modSeqChanged.
func (s *Schema) Update(tx *sql.Tx, rc *recordclass.RecordClass, accountID, id string, modSeq int64, fields map[string]interface{}) error {
	sets := []string{"modSeqChanged = ?"}
	args := []interface{}{modSeq}

	for _, p := range persistedColumns(rc) {
		v, ok := fields[p.Name]
		if !ok {
			continue
		}
		sets = append(sets, "`"+p.ColumnName()+"` = ?")
		args = append(args, v)
	}
	args = append(args, accountID, id)

	query := fmt.Sprintf("UPDATE `%s` SET %s WHERE accountId = ? AND id = ? AND isActive = 1",
		rc.Table, strings.Join(sets, ", "))
	res, err := tx.Exec(query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDestroy marks a row destroyed: dateDestroyed is stamped,
// isActive flips to NULL (freeing the unique-constraint slot), and
// modSeqChanged advances.
func (s *Schema) SoftDestroy(tx *sql.Tx, rc *recordclass.RecordClass, accountID, id string, modSeq int64) error {
	query := fmt.Sprintf(
		"UPDATE `%s` SET isActive = NULL, dateDestroyed = ?, modSeqChanged = ? WHERE accountId = ? AND id = ? AND isActive = 1",
		rc.Table)
	res, err := tx.Exec(query, time.Now().UTC(), modSeq, accountID, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ChangeRecord is one row touched since a /changes or /queryChanges
// caller's sinceState, tagged with the modseq that made it match, so
// truncation can pick a real intermediate cutoff instead of only ever
// reporting the account's current high watermark.
type ChangeRecord struct {
	ID     string
	ModSeq int64
}

// ChangesSince returns the ids created, updated, and destroyed after
// sinceModSeq (exclusive), ordered by their relevant modseq ascending,
// for /changes and /queryChanges. An id whose modSeqCreated is also >
// sinceModSeq is reported only as created, never also as updated.
func (s *Schema) ChangesSince(tx *sql.Tx, rc *recordclass.RecordClass, accountID string, sinceModSeq int64) (created, updated, destroyed []ChangeRecord, err error) {
	created, err = s.changeRecordsWhere(tx, rc, accountID, "modSeqCreated",
		"isActive = 1 AND modSeqCreated > ?", sinceModSeq)
	if err != nil {
		return nil, nil, nil, err
	}
	updated, err = s.changeRecordsWhere(tx, rc, accountID, "modSeqChanged",
		"isActive = 1 AND modSeqCreated <= ? AND modSeqChanged > ?", sinceModSeq, sinceModSeq)
	if err != nil {
		return nil, nil, nil, err
	}
	destroyed, err = s.changeRecordsWhere(tx, rc, accountID, "modSeqChanged",
		"isActive IS NULL AND modSeqCreated <= ? AND modSeqChanged > ?", sinceModSeq, sinceModSeq)
	if err != nil {
		return nil, nil, nil, err
	}
	return created, updated, destroyed, nil
}

func (s *Schema) changeRecordsWhere(tx *sql.Tx, rc *recordclass.RecordClass, accountID, modSeqColumn, cond string, args ...interface{}) ([]ChangeRecord, error) {
	query := fmt.Sprintf("SELECT id, %s FROM `%s` WHERE accountId = ? AND %s ORDER BY %s ASC",
		modSeqColumn, rc.Table, cond, modSeqColumn)
	bind := append([]interface{}{accountID}, args...)

	rows, err := tx.Query(query, bind...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		if err := rows.Scan(&rec.ID, &rec.ModSeq); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

