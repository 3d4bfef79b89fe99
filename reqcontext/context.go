// Package reqcontext implements the per-request mutable bag that
// underlies a request: the schema handle, the accumulated sentence
// collection, the creation-id table, the exception-guid list, and the
// nested transaction/account-state scoping that every handler runs
// inside.
package reqcontext

import (
	"context"
	"database/sql"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/state"
	"github.com/covenant-jmap/jmapcore/txn"
	"github.com/covenant-jmap/jmapcore/utils/log"
)

// creationDuplicate is the sentinel value the creation-id table uses to
// mark a creation id logged more than once in one request.
type creationDuplicate struct{}

// DUPLICATE is the creation-id table's duplicate sentinel.
var DUPLICATE = creationDuplicate{}

type creationKey struct {
	Type       string
	CreationID string
}

// Context is the per-request state bag handed to every handler. It is
// never shared across requests.
type Context struct {
	// IsSystem reports whether this request runs with system
	// escalation (bypasses client-permission restrictions on create
	// and update).
	IsSystem bool

	// MayCall is the access-control predicate; the dispatcher calls
	// it once per call before invoking the handler. A nil MayCall
	// allows everything (used in tests).
	MayCall func(method string, args map[string]interface{}) bool

	// TransactionID is the opaque guid returned in the
	// Ix-Transaction-ID response header.
	TransactionID string

	db  *sql.DB
	txm *txn.Manager

	mu             sync.Mutex
	accountStates  map[string]*state.Session
	creationIDs    map[creationKey]interface{}
	collection     result.Collection
	callInfo       map[string]time.Duration
	exceptionGUIDs []string

	store state.Store
}

// New creates a Context bound to a database connection and a state
// store implementation.
func New(db *sql.DB, store state.Store) *Context {
	return &Context{
		TransactionID: uuid.Must(uuid.NewV4()).String(),
		db:            db,
		txm:           txn.NewManager(db),
		accountStates: make(map[string]*state.Session),
		creationIDs:   make(map[creationKey]interface{}),
		callInfo:      make(map[string]time.Duration),
		store:         store,
	}
}

// DB returns the request's database connection.
func (c *Context) DB() *sql.DB { return c.db }

// Txn returns the request's transaction manager.
func (c *Context) Txn() *txn.Manager { return c.txm }

// Collection returns the sentence collection accumulated so far.
func (c *Context) Collection() *result.Collection {
	return &c.collection
}

// May reports whether the call is permitted; a nil MayCall hook allows
// everything.
func (c *Context) May(method string, args map[string]interface{}) bool {
	if c.MayCall == nil {
		return true
	}
	return c.MayCall(method, args)
}

// AccountState returns (creating if necessary) the bookkeeper session
// for accountID.
func (c *Context) AccountState(accountID string) *state.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.accountStates[accountID]
	if !ok {
		sess = state.NewSession(c.store, accountID)
		c.accountStates[accountID] = sess
	}
	return sess
}

// TxnDo implements context.txn_do(work): it opens the top-level
// transaction (or a nested savepoint) and scopes account-state
// sessions to match. At the outermost commit, every pending state bump
// is flushed to storage before the SQL transaction itself commits.
func (c *Context) TxnDo(ctx context.Context, work func(tx *sql.Tx) error) error {
	c.mu.Lock()
	saved := c.accountStates
	localized := make(map[string]*state.Session, len(saved))
	for acct, sess := range saved {
		localized[acct] = sess.Localize()
	}
	c.accountStates = localized
	c.mu.Unlock()

	err := c.txm.Do(ctx, func(tx *sql.Tx) error {
		if werr := work(tx); werr != nil {
			return werr
		}
		if c.txm.Depth() == 1 {
			// We are about to become the outermost success: flush
			// every account's pending bumps within this same SQL
			// transaction before it commits.
			c.mu.Lock()
			current := c.accountStates
			c.mu.Unlock()
			for _, sess := range current {
				if cerr := sess.Commit(tx); cerr != nil {
					return cerr
				}
			}
		}
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// Discard the localized snapshot; restore the parent's view.
		c.accountStates = saved
		return err
	}
	// Fold the (possibly new) localized sessions back into the parent
	// map, promoting newly-touched accounts.
	for acct, sess := range localized {
		if parent, ok := saved[acct]; ok {
			parent.Merge(sess)
		} else {
			saved[acct] = sess
		}
	}
	c.accountStates = saved
	if c.txm.Depth() == 0 {
		// Outermost transaction fully committed; state rows have been
		// persisted. Clear so a reused Context could start clean.
		c.accountStates = make(map[string]*state.Session)
	}
	return nil
}

// LogCreationID records creation id cid for a create-time record of
// type typ as mapping to id; if cid has already been logged this
// request, its entry becomes DUPLICATE instead.
func (c *Context) LogCreationID(typ, cid, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := creationKey{Type: typ, CreationID: cid}
	if _, exists := c.creationIDs[key]; exists {
		c.creationIDs[key] = DUPLICATE
		return
	}
	c.creationIDs[key] = id
}

// ResolveCreationID looks up a previously logged creation id. ok is
// false if never logged; isDuplicate is true if the second log flipped
// it to the DUPLICATE sentinel.
func (c *Context) ResolveCreationID(typ, cid string) (id string, isDuplicate, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, exists := c.creationIDs[creationKey{Type: typ, CreationID: cid}]
	if !exists {
		return "", false, false
	}
	if v == DUPLICATE {
		return "", true, true
	}
	return v.(string), false, true
}

// RecordCallTiming stores how long a call (by method name, or
// call_ident for multicalls) took to execute.
func (c *Context) RecordCallTiming(method string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callInfo[method] += d
}

// CallInfo returns a snapshot of the accumulated per-method timings.
func (c *Context) CallInfo() map[string]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Duration, len(c.callInfo))
	for k, v := range c.callInfo {
		out[k] = v
	}
	return out
}

// FileExceptionReport is the opaque out-of-band crash-report sink: it
// records a correlation guid and returns it so the caller can embed it
// in an internalError sentence.
func (c *Context) FileExceptionReport(cause interface{}) string {
	guid := uuid.Must(uuid.NewV4()).String()
	c.mu.Lock()
	c.exceptionGUIDs = append(c.exceptionGUIDs, guid)
	c.mu.Unlock()
	log.WithField("guid", guid).WithField("cause", cause).Error("reqcontext: exception report filed")
	return guid
}

// ExceptionGUIDs returns every correlation guid filed during this
// request.
func (c *Context) ExceptionGUIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.exceptionGUIDs))
	copy(out, c.exceptionGUIDs)
	return out
}
