// Package resultset implements the five generic method operators the
// record-class registry generalizes over: get, set,
// changes, query, and queryChanges. Each operator is parameterized by
// a *recordclass.RecordClass and drives the same storage primitives
// and hook chain regardless of which record class it is handling.
package resultset

import (
	"database/sql"
	"strings"

	uuid "github.com/satori/go.uuid"

	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/storage"
)

// Operators binds the generic method bodies to a concrete schema and
// the registry it was built from (needed to seed sibling states rows
// when an is_account_base record is created).
type Operators struct {
	Schema   *storage.Schema
	Registry *recordclass.Registry
}

// New creates an Operators bound to schema and registry.
func New(schema *storage.Schema, registry *recordclass.Registry) *Operators {
	return &Operators{Schema: schema, Registry: registry}
}

func argString(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// argStringSlice reads a []string-shaped argument. A ResultReference
// that resolves to a bare scalar (e.g. a "/created/c1/id" path, rather
// than a wildcarded "/list/*/id") is accepted as a single-element
// slice: the argument still expects an array, and nothing
// says a back-ref substitution must itself already be one.
func argStringSlice(args map[string]interface{}, key string) ([]string, bool) {
	v, ok := args[key]
	if !ok {
		return nil, false
	}
	if s, ok := v.(string); ok {
		return []string{s}, true
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func invalidArgs(desc string) *result.Error {
	return result.NewError(result.TypeInvalidArguments).WithDescription(desc)
}

// requestedProperties resolves the "properties" argument to the set of
// JMAP property names a /get (or the record view inside /set) should
// return, falling back to the record class's DefaultProperties.
func requestedProperties(rc *recordclass.RecordClass, args map[string]interface{}) ([]string, *result.Error) {
	raw, present := argStringSlice(args, "properties")
	if !present {
		if rc.DefaultProperties != nil {
			return rc.DefaultProperties, nil
		}
		names := make([]string, 0, len(rc.Properties))
		for _, p := range rc.Properties {
			names = append(names, p.Name)
		}
		return names, nil
	}
	for _, name := range raw {
		if name == "id" {
			continue
		}
		if _, ok := rc.PropertyByName(name); !ok {
			return nil, invalidArgs("unknown property: " + name)
		}
	}
	return raw, nil
}

// projectRow narrows a full stored row down to id plus the requested
// properties, in the shape a /get list entry or /set created entry
// takes on the wire.
func projectRow(row map[string]interface{}, properties []string) map[string]interface{} {
	out := map[string]interface{}{"id": row["id"]}
	for _, p := range properties {
		if v, ok := row[p]; ok {
			out[p] = v
		}
	}
	return out
}

// validateAndCoerce runs every declared property's validator over the
// caller-supplied fields, restricted to the allowed set (client- or
// system-creatable/updatable). Unknown keys and validator
// failures are both reported as invalidProperties with the offending
// names, never silently dropped.
//
// On create (isCreate), it also enforces the structural half of the
// spec's validation order: a non-Optional, non-Virtual property with
// no Default must be present in raw, or the create is rejected before
// it ever reaches applyDefaults or the storage layer, where a missing
// NOT NULL column would otherwise surface as a generic SQL failure
// instead of invalidProperties.
func validateAndCoerce(rc *recordclass.RecordClass, raw map[string]interface{}, allowed map[string]bool, isCreate bool) (map[string]interface{}, *result.Error) {
	out := make(map[string]interface{}, len(raw))
	var bad []string

	for name, v := range raw {
		if name == "id" {
			continue
		}
		if !allowed[name] {
			bad = append(bad, name)
			continue
		}
		prop, ok := rc.PropertyByName(name)
		if !ok {
			bad = append(bad, name)
			continue
		}
		if prop.Validator != nil {
			if err := prop.Validator(v); err != nil {
				bad = append(bad, name)
				continue
			}
		}
		out[name] = v
	}

	if isCreate {
		for _, p := range rc.Properties {
			if p.Virtual || p.Optional || p.Default != nil {
				continue
			}
			if _, present := out[p.Name]; !present {
				bad = append(bad, p.Name)
			}
		}
	}

	if len(bad) > 0 {
		return nil, result.NewError(result.TypeInvalidProperties).
			WithDescription("one or more properties failed validation").
			WithArg("properties", bad)
	}
	return out, nil
}

// resolveCreationRefs substitutes any "#creationId"-shaped value of an
// ID-typed property with the real id assigned earlier in this request
// by a prior create, before validateAndCoerce ever sees it (the
// structural-then-value validation order applies here too: a
// reference must resolve before the value it resolves to is
// validated). A creation id logged more than once in this request has
// already flipped to reqcontext's DUPLICATE sentinel; a lookup that
// hits it fails the whole create/update with duplicateCreationId
// rather than silently treating the reference as unresolved.
func resolveCreationRefs(ctx *reqcontext.Context, rc *recordclass.RecordClass, raw map[string]interface{}) (map[string]interface{}, *result.Error) {
	out := make(map[string]interface{}, len(raw))
	for name, v := range raw {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "#") {
			out[name] = v
			continue
		}
		prop, known := rc.PropertyByName(name)
		if !known || prop.Type != recordclass.ID {
			out[name] = v
			continue
		}
		refType := prop.RefType
		if refType == "" {
			refType = rc.TypeKey
		}
		id, isDuplicate, found := ctx.ResolveCreationID(refType, s[1:])
		if isDuplicate {
			return nil, result.NewError(result.TypeDuplicateCreationID).WithArg("creationId", s[1:])
		}
		if !found {
			return nil, result.NewError(result.TypeInvalidProperties).
				WithDescription("unresolvable creation id reference").
				WithArg("properties", []string{name})
		}
		out[name] = id
	}
	return out, nil
}

// applyDefaults fills in any declared property missing from fields
// whose record class supplies a Default generator, used on create.
func applyDefaults(rc *recordclass.RecordClass, fields map[string]interface{}) {
	for _, p := range rc.Properties {
		if p.Virtual {
			continue
		}
		if _, present := fields[p.Name]; present {
			continue
		}
		if p.Default != nil {
			fields[p.Name] = p.Default()
		}
	}
}

func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}

// requestedDefaultView lists every non-virtual declared property,
// used when projecting a full row for a create response.
func requestedDefaultView(rc *recordclass.RecordClass) []string {
	out := make([]string, 0, len(rc.Properties))
	for _, p := range rc.Properties {
		if !p.Virtual {
			out = append(out, p.Name)
		}
	}
	return out
}

// seedNewAccount, if rc is the account-family's base record class,
// seeds the states table for every type sharing that account family
// (creating a Mailbox seeds a row for every type in the "mail" family).
func (o *Operators) seedNewAccount(tx *sql.Tx, rc *recordclass.RecordClass, accountID string) error {
	if !rc.IsAccountBase || o.Registry == nil {
		return nil
	}
	types := o.Registry.TypesInAccountFamily(rc.AccountType)
	return o.Schema.SeedStates(tx, accountID, types)
}
