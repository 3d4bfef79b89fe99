// Package recordclass implements the declarative record-class registry:
// the column/property metadata, hook points, and default filter/sort
// maps that the resultset operators generalize over.
package recordclass

import (
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/validator"
)

// DataType enumerates the property data types a record class can declare.
type DataType int

const (
	String DataType = iota
	CaseInsensitiveString
	Timestamp
	StringArray
	Boolean
	Integer
	ID
)

// Property is one record-class-declared column.
type Property struct {
	Name    string // JMAP property name
	Column  string // SQL column name; defaults to Name if empty
	Type    DataType

	Optional        bool // is_optional
	ClientMayInit   bool
	ClientMayUpdate bool
	Immutable       bool
	Virtual         bool // not persisted; computed on read

	// RefType is the JMAP type name a "#creationId"-shaped value of
	// this property resolves against (e.g. Mailbox.parentId names
	// "Mailbox"). Only meaningful when Type is ID; empty means the
	// record class's own TypeKey, the common self-referential case.
	RefType string

	Validator validator.ValueValidator
	Default   func() interface{}
}

// ColumnName returns the SQL column backing this property.
func (p Property) ColumnName() string {
	if p.Column != "" {
		return p.Column
	}
	return p.Name
}

// FilterCond is one entry of a query_filter_map: it builds a SQL
// condition (and its bind args) for one declared filter key, and can
// report whether a changed row matches/no-longer-matches for
// queryChanges differencing.
type FilterCond struct {
	// CondBuilder returns a SQL WHERE fragment (using ? placeholders)
	// and its bind arguments for the given filter value.
	CondBuilder func(value interface{}) (sql string, args []interface{}, err error)
	// Differ reports whether a row (decoded column map) matches this
	// filter value. QueryChanges does not call it: it re-runs the
	// CondBuilder query to find rows that entered or left the results.
	Differ func(row map[string]interface{}, value interface{}) bool
}

// SortSpec is one entry of a query_sort_map: the SQL expression to
// order by for a declared sort key.
type SortSpec struct {
	SortBy string // SQL expression, e.g. "sortOrder" or "created"
}

// MethodHandler is the shape of a published_method_map entry and of
// every generated K/verb handler: a raw (ctx, args) -> []Result
// function.
type MethodHandler func(ctx *reqcontext.Context, args map[string]interface{}) []result.Result

// SetCheckHook validates a whole /set batch before any mutation; it may
// short-circuit the entire call by returning a non-nil Error.
type SetCheckHook func(ctx *reqcontext.Context, args map[string]interface{}) *result.Error

// CreateCheckHook authorises/validates one creation before it is
// persisted.
type CreateCheckHook func(ctx *reqcontext.Context, rec map[string]interface{}) *result.Error

// CreateErrorHook may suppress or rewrite a creation error.
type CreateErrorHook func(ctx *reqcontext.Context, err *result.Error) (row map[string]interface{}, out *result.Error)

// CreatedHook runs in-transaction immediately after a row is inserted.
type CreatedHook func(ctx *reqcontext.Context, row map[string]interface{}) error

// UpdateCheckHook authorises/validates one update before it is
// persisted.
type UpdateCheckHook func(ctx *reqcontext.Context, row, rec map[string]interface{}) *result.Error

// UpdatedHook runs in-transaction immediately after a row is updated.
type UpdatedHook func(ctx *reqcontext.Context, row map[string]interface{}, old, newRow map[string]interface{}) error

// DestroyCheckHook may reject a destroy before it is persisted.
type DestroyCheckHook func(ctx *reqcontext.Context, row map[string]interface{}) *result.Error

// DestroyedHook runs in-transaction immediately after a row is
// soft-deleted.
type DestroyedHook func(ctx *reqcontext.Context, row map[string]interface{}) error

// PostprocessHook runs after the outer transaction commits (external
// side effects only: these never run if the request rolls back).
type PostprocessHook func(ctx *reqcontext.Context, row map[string]interface{})

// Hooks groups the fixed-shape set of optional hook points a record
// class may implement. Every field is optional; a nil hook is simply
// skipped.
type Hooks struct {
	SetCheck    SetCheckHook
	CreateCheck CreateCheckHook
	CreateError CreateErrorHook
	Created     CreatedHook
	UpdateCheck UpdateCheckHook
	Updated     UpdatedHook
	DestroyCheck DestroyCheckHook
	Destroyed   DestroyedHook

	PostprocessCreate  PostprocessHook
	PostprocessUpdate  PostprocessHook
	PostprocessDestroy PostprocessHook
}

// RecordClass is the declarative description of one entity table plus
// its hooks (the record-class declaration contract).
type RecordClass struct {
	TypeKey     string // the JMAP type name, e.g. "Mailbox"
	AccountType string // logical account family, e.g. "mail"

	IsAccountBase bool // creating this record seeds the account's states rows

	Table      string // SQL table name
	Properties []Property

	// UniqueConstraints lists groups of property names that must be
	// jointly unique among active rows. The storage layer prefixes
	// each with isActive so soft-deleted rows never collide.
	UniqueConstraints [][]string

	// ExtraGetArgs lists additional argument names for a K/get handler.
	// Get does not read this field; it ignores every argument other than
	// accountId, ids and properties.
	ExtraGetArgs []string

	DefaultProperties []string // properties returned when "properties" is omitted from get

	QueryEnabled   bool
	QueryFilterMap map[string]FilterCond
	QuerySortMap   map[string]SortSpec

	PublishedMethodMap map[string]MethodHandler

	Hooks Hooks
}

// PropertyByName returns the declared property named name, if any.
func (r *RecordClass) PropertyByName(name string) (Property, bool) {
	for _, p := range r.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// ClientCreatableProperties returns the set of property names a client
// (or, if isSystem, any non-virtual non-immutable property) may supply
// on create.
func (r *RecordClass) ClientCreatableProperties(isSystem bool) map[string]bool {
	out := make(map[string]bool)
	for _, p := range r.Properties {
		if p.Virtual {
			continue
		}
		if p.ClientMayInit || (isSystem && !p.Immutable) {
			out[p.Name] = true
		}
	}
	return out
}

// ClientUpdatableProperties returns the set of property names a client
// (or, if isSystem, any non-virtual non-immutable property) may supply
// on update.
func (r *RecordClass) ClientUpdatableProperties(isSystem bool) map[string]bool {
	out := make(map[string]bool)
	for _, p := range r.Properties {
		if p.Virtual || p.Immutable {
			continue
		}
		if p.ClientMayUpdate || isSystem {
			out[p.Name] = true
		}
	}
	return out
}

// Registry is the process-wide, immutable-after-startup map of record
// classes, built once by the server at boot.
type Registry struct {
	classes map[string]*RecordClass
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*RecordClass)}
}

// Register adds a record class to the registry, keyed by its TypeKey.
func (reg *Registry) Register(rc *RecordClass) {
	reg.classes[rc.TypeKey] = rc
}

// Lookup returns the record class for typeKey, if registered.
func (reg *Registry) Lookup(typeKey string) (*RecordClass, bool) {
	rc, ok := reg.classes[typeKey]
	return rc, ok
}

// All returns every registered record class.
func (reg *Registry) All() []*RecordClass {
	out := make([]*RecordClass, 0, len(reg.classes))
	for _, rc := range reg.classes {
		out = append(out, rc)
	}
	return out
}

// TypesInAccountFamily returns the TypeKey of every record class
// sharing the given account_type, used to seed states rows for a new
// account.
func (reg *Registry) TypesInAccountFamily(accountType string) []string {
	var out []string
	for _, rc := range reg.classes {
		if rc.AccountType == accountType {
			out = append(out, rc.TypeKey)
		}
	}
	return out
}
