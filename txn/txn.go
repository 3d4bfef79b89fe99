// Package txn implements the savepoint-scoped nested transaction
// manager: context.txn_do(work) opens a transaction at depth
// zero and a SQL SAVEPOINT at any deeper nesting, so a handler's inner
// work (e.g. a per-record check hook) can fail and roll back without
// unwinding calls that already succeeded earlier in the same request.
//
// It is a lineal descendant of the two-phase-commit coordinator this
// codebase used to reach multiple storage workers: the same
// before/after hook shape survives, but there is exactly one
// participant (the request's single database connection) and "prepare"
// is a SQL SAVEPOINT rather than a network round trip.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/covenant-jmap/jmapcore/utils/log"
)

// Hook runs before or after a transaction boundary.
type Hook func(ctx context.Context) error

// ErrMisuse is returned when txn_do is invoked at depth zero while a
// transaction is already open.
var ErrMisuse = errors.New("txn: txn_do called at depth 0 with a transaction already open")

// Manager drives one request's transaction/savepoint stack over a
// single *sql.DB connection.
type Manager struct {
	db *sql.DB

	mu      sync.Mutex
	tx      *sql.Tx
	depth   int
	spSeq   int
	onAfter []Hook
}

// NewManager creates a Manager bound to db. One Manager is created per
// request (it lives on reqcontext.Context) and is never shared.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Depth reports the current transaction nesting depth (0 = no open
// transaction).
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// Tx returns the currently open *sql.Tx, or nil if Do is not active.
func (m *Manager) Tx() *sql.Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx
}

// AfterCommit queues a hook to run once the outermost transaction
// commits successfully. Used for the after-commit postprocess
// hooks, which must never run if any enclosing scope rolls back.
func (m *Manager) AfterCommit(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAfter = append(m.onAfter, hook)
}

// Do opens a transaction (depth 0) or a savepoint (depth > 0), runs
// work, and commits/releases on success or rolls back on failure. At
// depth 0 it enforces that no transaction is already open (ErrMisuse).
func (m *Manager) Do(ctx context.Context, work func(tx *sql.Tx) error) (err error) {
	m.mu.Lock()
	var sp string
	var tx *sql.Tx
	depth := m.depth
	mark := len(m.onAfter)

	if depth == 0 {
		if m.tx != nil {
			m.mu.Unlock()
			return ErrMisuse
		}
		tx, err = m.db.BeginTx(ctx, nil)
		if err != nil {
			m.mu.Unlock()
			return errors.WithMessage(err, "txn: begin")
		}
		m.tx = tx
	} else {
		tx = m.tx
		m.spSeq++
		sp = fmt.Sprintf("jmap_sp_%d", m.spSeq)
		if _, err = tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			m.mu.Unlock()
			return errors.WithMessage(err, "txn: savepoint")
		}
	}
	m.depth++
	m.mu.Unlock()

	workErr := work(tx)

	m.mu.Lock()
	m.depth--
	m.mu.Unlock()

	if workErr != nil {
		m.mu.Lock()
		m.onAfter = m.onAfter[:mark]
		m.mu.Unlock()
		if depth == 0 {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.WithError(rbErr).Warn("txn: rollback after failure also failed")
			}
			m.reset()
		} else {
			if _, rbErr := tx.Exec("ROLLBACK TO SAVEPOINT " + sp); rbErr != nil {
				log.WithError(rbErr).Warn("txn: rollback to savepoint failed")
			}
			_, _ = tx.Exec("RELEASE SAVEPOINT " + sp)
		}
		return workErr
	}

	if depth == 0 {
		if err = tx.Commit(); err != nil {
			m.mu.Lock()
			m.onAfter = nil
			m.mu.Unlock()
			m.reset()
			return errors.WithMessage(err, "txn: commit")
		}
		m.fireAfterCommit(ctx)
		m.reset()
		return nil
	}

	if _, err = tx.Exec("RELEASE SAVEPOINT " + sp); err != nil {
		return errors.WithMessage(err, "txn: release savepoint")
	}
	return nil
}

func (m *Manager) fireAfterCommit(ctx context.Context) {
	m.mu.Lock()
	hooks := m.onAfter
	m.onAfter = nil
	m.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx); err != nil {
			log.WithError(err).Error("txn: after-commit hook failed")
		}
	}
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.tx = nil
	m.spSeq = 0
	m.depth = 0
	m.mu.Unlock()
}
