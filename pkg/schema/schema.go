// Package schema describes the expected fields of a protocol configuration
// and validates raw JSON-decoded maps against that description. Each protocol
// worker advertises a []Field; the config validator applies it to the
// operator's document.
package schema

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Kind is the closed set of field value types.
type Kind string

const (
	String  Kind = "string"
	Integer Kind = "integer"
	Float   Kind = "float"
	Boolean Kind = "boolean"
	Map     Kind = "map"
	List    Kind = "list"
	Enum    Kind = "enum"
)

// Predicate is a custom validation hook. It returns nil when the value is
// acceptable, or an error whose message becomes the reported reason.
type Predicate func(value any) error

// Field declares one expected configuration field.
type Field struct {
	Name     string
	Type     Kind
	Elem     Kind     // element type when Type == List
	Values   []string // allowed values when Type == Enum
	Required bool
	Default  any // applied when the field is absent and not required

	// Optional numeric bounds (inclusive), for Integer and Float fields.
	Min *float64
	Max *float64

	// Optional regex constraint for String fields.
	Pattern *regexp.Regexp

	Custom Predicate
}

// Bound is a convenience constructor for Min/Max pointers.
func Bound(v float64) *float64 { return &v }

// Apply validates raw against fields and returns the typed config map plus
// every reason found. All independent faults are reported; Apply never stops
// at the first one. Reasons are prefixed "config.<name>: " so callers can
// prepend a monitor path.
func Apply(fields []Field, raw map[string]any) (map[string]any, []string) {
	var reasons []string
	typed := make(map[string]any, len(fields))

	known := make(map[string]bool, len(fields))
	for i := range fields {
		known[fields[i].Name] = true
	}

	// Unexpected fields, reported in stable order.
	var unexpected []string
	for k := range raw {
		if !known[k] {
			unexpected = append(unexpected, k)
		}
	}
	sort.Strings(unexpected)
	for _, k := range unexpected {
		reasons = append(reasons, fmt.Sprintf("config.%s: unexpected field", k))
	}

	for i := range fields {
		f := &fields[i]
		v, present := raw[f.Name]
		if !present {
			if f.Required {
				reasons = append(reasons, fmt.Sprintf("config.%s: required field missing", f.Name))
			} else if f.Default != nil {
				typed[f.Name] = f.Default
			}
			continue
		}

		coerced, errs := f.check(v)
		if len(errs) > 0 {
			reasons = append(reasons, errs...)
			continue
		}
		typed[f.Name] = coerced
	}

	return typed, reasons
}

// MissingRequired returns one "required field missing" reason per required
// field. The validator uses it when the whole config block is absent, so the
// operator still sees the complete picture.
func MissingRequired(fields []Field) []string {
	var reasons []string
	for i := range fields {
		if fields[i].Required {
			reasons = append(reasons, fmt.Sprintf("config.%s: required field missing", fields[i].Name))
		}
	}
	return reasons
}

// check validates a single present value and returns its coerced form.
func (f *Field) check(v any) (any, []string) {
	path := "config." + f.Name
	var reasons []string

	var coerced any
	switch f.Type {
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, []string{path + ": must be a string"}
		}
		if f.Pattern != nil && !f.Pattern.MatchString(s) {
			reasons = append(reasons, fmt.Sprintf("%s: must match pattern %s", path, f.Pattern.String()))
		}
		coerced = s

	case Integer:
		n, ok := asInt(v)
		if !ok {
			return nil, []string{path + ": must be an integer"}
		}
		if f.Min != nil && float64(n) < *f.Min {
			reasons = append(reasons, fmt.Sprintf("%s: must be >= %d", path, int64(*f.Min)))
		}
		if f.Max != nil && float64(n) > *f.Max {
			reasons = append(reasons, fmt.Sprintf("%s: must be <= %d", path, int64(*f.Max)))
		}
		coerced = n

	case Float:
		n, ok := asFloat(v)
		if !ok {
			return nil, []string{path + ": must be a number"}
		}
		if f.Min != nil && n < *f.Min {
			reasons = append(reasons, fmt.Sprintf("%s: must be >= %v", path, *f.Min))
		}
		if f.Max != nil && n > *f.Max {
			reasons = append(reasons, fmt.Sprintf("%s: must be <= %v", path, *f.Max))
		}
		coerced = n

	case Boolean:
		b, ok := v.(bool)
		if !ok {
			return nil, []string{path + ": must be a boolean"}
		}
		coerced = b

	case Map:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, []string{path + ": must be a map"}
		}
		coerced = m

	case List:
		items, ok := v.([]any)
		if !ok {
			return nil, []string{path + ": must be a list"}
		}
		for idx, item := range items {
			if !matchesKind(item, f.Elem) {
				reasons = append(reasons, fmt.Sprintf("%s[%d]: must be a %s", path, idx, f.Elem))
			}
		}
		coerced = items

	case Enum:
		s, ok := v.(string)
		if !ok {
			return nil, []string{fmt.Sprintf("%s: must be one of [%s]", path, strings.Join(f.Values, ", "))}
		}
		found := false
		for _, allowed := range f.Values {
			if s == allowed {
				found = true
				break
			}
		}
		if !found {
			return nil, []string{fmt.Sprintf("%s: must be one of [%s]", path, strings.Join(f.Values, ", "))}
		}
		coerced = s

	default:
		return nil, []string{fmt.Sprintf("%s: unknown schema kind %q", path, f.Type)}
	}

	if len(reasons) > 0 {
		return nil, reasons
	}

	if f.Custom != nil {
		if err := f.Custom(coerced); err != nil {
			return nil, []string{path + ": " + err.Error()}
		}
	}
	return coerced, nil
}

// asInt accepts native ints and integral float64s (JSON numbers decode to
// float64).
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func matchesKind(v any, k Kind) bool {
	switch k {
	case String:
		_, ok := v.(string)
		return ok
	case Integer:
		_, ok := asInt(v)
		return ok
	case Float:
		_, ok := asFloat(v)
		return ok
	case Boolean:
		_, ok := v.(bool)
		return ok
	case Map:
		_, ok := v.(map[string]any)
		return ok
	case List:
		_, ok := v.([]any)
		return ok
	}
	return false
}
