package state

import (
	"database/sql"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Row is one states table row: the (low, high) modseq window recorded
// for a single (accountId, type) pair.
type Row struct {
	AccountID string
	Type      string
	Low       int64
	High      int64
}

// Store is the storage-layer contract the bookkeeper needs. The
// concrete implementation lives in the storage package, against the
// states(accountId, type, lowestModSeq, highestModSeq) table. Every
// method runs against the caller's tx so a bump or seed genuinely
// belongs to the enclosing savepoint/transaction and rolls back with
// it, rather than landing on some other pooled connection.
type Store interface {
	// LoadStates returns every states row recorded for accountID,
	// keyed by type.
	LoadStates(tx *sql.Tx, accountID string) (map[string]Row, error)
	// BumpState updates (or, if absent, inserts with low=0) the
	// states row for (accountID, typ), setting highestModSeq to
	// newHigh. It must surface a unique-key race as ErrTryAgain.
	BumpState(tx *sql.Tx, accountID, typ string, newHigh int64) error
	// SeedStates inserts zeroed states rows (high=0) for every type
	// named, used when an is_account_base record class creates a
	// fresh account.
	SeedStates(tx *sql.Tx, accountID string, types []string) error
}

// ErrTryAgain is surfaced when a concurrent request collided on the
// same (account, type) state row; the underlying primary-key violation
// on the states row is the detection mechanism.
var ErrTryAgain = errors.New("blocked by another client")

// Session is the per-request, per-account account-state bookkeeper. It
// is created lazily on first state access within a top-level
// transaction, and is localised (copied, folded back) across nested
// transactions.
type Session struct {
	mu        sync.Mutex
	store     Store
	accountID string
	loaded    map[string]Row
	haveLoad  bool
	pending   map[string]int64
}

// NewSession creates a bookkeeper session bound to one account.
func NewSession(store Store, accountID string) *Session {
	return &Session{
		store:     store,
		accountID: accountID,
		pending:   make(map[string]int64),
	}
}

func (s *Session) ensureLoaded(tx *sql.Tx) error {
	if s.haveLoad {
		return nil
	}
	rows, err := s.store.LoadStates(tx, s.accountID)
	if err != nil {
		return errors.WithMessage(err, "state: load states")
	}
	s.loaded = rows
	s.haveLoad = true
	return nil
}

// StateFor returns the current state string for typ: pending if set,
// else the recorded highestModSeq, else "0".
func (s *Session) StateFor(tx *sql.Tx, typ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pending, ok := s.pending[typ]; ok {
		return strconv.FormatInt(pending, 10), nil
	}
	if err := s.ensureLoaded(tx); err != nil {
		return "", err
	}
	if row, ok := s.loaded[typ]; ok {
		return strconv.FormatInt(row.High, 10), nil
	}
	return "0", nil
}

// Window returns the recorded (low, high) modseq window for typ,
// defaulting to (0, 0) if no row exists yet.
func (s *Session) Window(tx *sql.Tx, typ string) (low, high int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.ensureLoaded(tx); err != nil {
		return 0, 0, err
	}
	if row, ok := s.loaded[typ]; ok {
		low, high = row.Low, row.High
	}
	if pending, ok := s.pending[typ]; ok {
		high = pending
	}
	return low, high, nil
}

// NextStateFor returns the modseq to stamp on the next mutation of
// typ: pending if already bumped this transaction, else
// highestModSeq+1, else 1.
func (s *Session) NextStateFor(tx *sql.Tx, typ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStateForLocked(tx, typ)
}

func (s *Session) nextStateForLocked(tx *sql.Tx, typ string) (int64, error) {
	if pending, ok := s.pending[typ]; ok {
		return pending, nil
	}
	if err := s.ensureLoaded(tx); err != nil {
		return 0, err
	}
	if row, ok := s.loaded[typ]; ok {
		return row.High + 1, nil
	}
	return 1, nil
}

// EnsureBumped records, idempotently, that typ's state must advance at
// commit. The first call within a transaction computes and pins the
// next state; later calls in the same (sub)transaction are no-ops.
func (s *Session) EnsureBumped(tx *sql.Tx, typ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[typ]; ok {
		return nil
	}
	next, err := s.nextStateForLocked(tx, typ)
	if err != nil {
		return err
	}
	s.pending[typ] = next
	return nil
}

// Localize returns a nested session sharing the store/account but with
// an independent copy of the pending map, per the nested-transaction
// scoping. The caller must call Merge (on success) or simply discard
// the child (on failure).
func (s *Session) Localize() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := &Session{
		store:     s.store,
		accountID: s.accountID,
		loaded:    s.loaded,
		haveLoad:  s.haveLoad,
		pending:   make(map[string]int64, len(s.pending)),
	}
	for k, v := range s.pending {
		child.pending[k] = v
	}
	return child
}

// Merge folds a successfully-completed child's pending bumps back into
// s. Called on the outer session after an inner txn_do succeeds.
func (s *Session) Merge(child *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range child.pending {
		s.pending[k] = v
	}
}

// Commit persists every pending bump to the states table, against tx
// (the outermost transaction about to commit), so the bump lives or
// dies with the rest of the request's writes. Called once, on the
// outer top-level transaction's success.
func (s *Session) Commit(tx *sql.Tx) error {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	for typ, next := range pending {
		if err := s.store.BumpState(tx, s.accountID, typ, next); err != nil {
			if errors.Cause(err) == ErrTryAgain {
				return ErrTryAgain
			}
			return errors.WithMessage(err, "state: commit")
		}
	}
	return nil
}

// Refresh discards cached state-row snapshots, forcing the next access
// to reload from the store.
func (s *Session) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveLoad = false
	s.loaded = nil
}
