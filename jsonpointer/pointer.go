// Package jsonpointer implements the modified JSON-Pointer resolver of
// RFC 6901 pointer resolution plus the JMAP "*"-over-array extension used to expand
// back-references.
package jsonpointer

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error carries the accumulated path (and, for "*"-expansion, the
// indices visited, outermost last) of a failed resolution.
type Error struct {
	Path    string
	Indices []int
}

func (e *Error) Error() string {
	if len(e.Indices) == 0 {
		return "jsonpointer: could not resolve " + e.Path
	}
	idx := make([]string, len(e.Indices))
	for i, n := range e.Indices {
		idx[i] = strconv.Itoa(n)
	}
	return "jsonpointer: could not resolve " + e.Path + " (indices " + strings.Join(idx, ",") + ")"
}

func unescape(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

// Resolve resolves pointer against value, following the RFC-6901 rules
// plus the "*" array-mapping extension. It rejects pointers not
// beginning with "/" and rejects the "-" token outright.
func Resolve(value interface{}, pointer string) (interface{}, error) {
	if !strings.HasPrefix(pointer, "/") {
		return nil, errors.Wrap(&Error{Path: pointer}, "malformed pointer: must begin with /")
	}
	tokens := strings.Split(pointer[1:], "/")
	return resolveTokens(value, tokens, pointer, nil)
}

func resolveTokens(value interface{}, tokens []string, fullPath string, indices []int) (interface{}, error) {
	if len(tokens) == 0 {
		return value, nil
	}

	tok := unescape(tokens[0])
	rest := tokens[1:]

	if tok == "-" {
		return nil, &Error{Path: fullPath, Indices: indices}
	}

	if tok == "*" {
		rv, ok := asSlice(value)
		if !ok {
			return nil, &Error{Path: fullPath, Indices: indices}
		}
		out := make([]interface{}, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i).Interface()
			resolved, err := resolveTokens(elem, rest, fullPath, append([]int{i}, indices...))
			if err != nil {
				return nil, err
			}
			// flatten one level: array-of-array -> array, whenever the
			// per-element resolved value is itself an array, regardless
			// of what follows in the pointer.
			if sub, ok := asSlice(resolved); ok {
				for j := 0; j < sub.Len(); j++ {
					out = append(out, sub.Index(j).Interface())
				}
			} else {
				out = append(out, resolved)
			}
		}
		return out, nil
	}

	if m, ok := value.(map[string]interface{}); ok {
		next, ok := m[tok]
		if !ok {
			return nil, &Error{Path: fullPath, Indices: indices}
		}
		return resolveTokens(next, rest, fullPath, indices)
	}
	if rv, ok := asSlice(value); ok {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 || n >= rv.Len() {
			return nil, &Error{Path: fullPath, Indices: indices}
		}
		return resolveTokens(rv.Index(n).Interface(), rest, fullPath, indices)
	}
	return nil, &Error{Path: fullPath, Indices: indices}
}

// asSlice reports whether value is any slice type (not just
// []interface{}): Result arguments carry concrete Go slices like
// []string and []map[string]interface{}, and the "*" extension and
// numeric-index rule must traverse those too.
func asSlice(value interface{}) (reflect.Value, bool) {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return reflect.Value{}, false
	}
	return rv, true
}

// DeepCopy makes a structural copy of a decoded-JSON value (maps,
// slices, and scalars), as required before splicing a resolved
// back-reference value into a later call's arguments.
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}
