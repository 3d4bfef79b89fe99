// Package validator implements the property-level predicates a record
// class attaches to its declared columns. Each validator is a
// value-to-error-or-nil function, backed by
// gopkg.in/go-playground/validator.v9 for the structural (tag-driven)
// checks and hand-rolled for the fixed set of domain predicates
// (string, case-insensitive-string, integer, enum, boolean).
package validator

import (
	"fmt"
	"strings"

	playground "gopkg.in/go-playground/validator.v9"
)

// ValueValidator is the value -> error-or-nil contract record-class
// properties declare against.
type ValueValidator func(value interface{}) error

var std = playground.New()

// String validates that value is a string (possibly empty) no longer
// than maxLen (0 means unbounded).
func String(maxLen int) ValueValidator {
	return func(value interface{}) error {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("must be a string")
		}
		if maxLen > 0 && len(s) > maxLen {
			return fmt.Errorf("must be at most %d characters", maxLen)
		}
		return nil
	}
}

// CaseInsensitiveString makes the same check as String. Neither it nor
// the storage layer folds case: the value is stored as given in a plain
// TEXT column and compared case-sensitively.
func CaseInsensitiveString(maxLen int) ValueValidator {
	return String(maxLen)
}

// Integer validates that value is a JSON number representable as an
// integer within [min, max].
func Integer(min, max int64) ValueValidator {
	return func(value interface{}) error {
		n, ok := asInt64(value)
		if !ok {
			return fmt.Errorf("must be an integer")
		}
		if n < min || n > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

// Enum validates that value is one of the given allowed strings.
func Enum(allowed ...string) ValueValidator {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return func(value interface{}) error {
		s, ok := value.(string)
		if !ok || !set[s] {
			return fmt.Errorf("must be one of: %s", strings.Join(allowed, ", "))
		}
		return nil
	}
}

// Boolean validates that value is a JSON boolean.
func Boolean() ValueValidator {
	return func(value interface{}) error {
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("must be a boolean")
		}
		return nil
	}
}

// Record validates a nested object by running a struct-tag-driven pass
// (via go-playground/validator.v9) over the supplied value. Used for
// properties whose data type is itself a small record; the caller
// decodes the raw JSON value into shape (a pointer to a struct with
// validate tags) before this predicate runs.
func Record(shape interface{}) ValueValidator {
	return func(value interface{}) error {
		return std.Struct(value)
	}
}

func asInt64(value interface{}) (int64, bool) {
	switch n := value.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
