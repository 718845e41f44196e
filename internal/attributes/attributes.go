// Package attributes validates and coerces entry attributes against
// the attribute schema declared by the owning logbook.
package attributes

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/untoldecay/elogd/internal/types"
)

// Check validates candidate attributes against the logbook's schema.
//
// Missing required attributes are an error. Supplied values are
// coerced to their declared types; unknown names and values that fail
// coercion are dropped with a warning, never fatally. This mirrors
// what happens at read time (see ConvertForDisplay) so that entries
// survive later schema changes on their logbook.
func Check(logbook *types.Logbook, candidate map[string]any) (map[string]any, error) {
	var missing []string
	for _, name := range logbook.RequiredAttributes() {
		if _, ok := candidate[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, types.NewMissingAttributesError(missing)
	}

	converted := make(map[string]any, len(candidate))
	for name, value := range candidate {
		spec, ok := logbook.Attribute(name)
		if !ok {
			slog.Warn("discarding unknown attribute",
				"logbook", logbook.ID, "attribute", name)
			continue
		}
		coerced, err := Convert(spec, value)
		if err != nil {
			slog.Warn("discarding attribute with bad value",
				"logbook", logbook.ID, "attribute", name,
				"value", value, "error", err)
			continue
		}
		converted[name] = coerced
	}
	return converted, nil
}

// Convert coerces a single value to the type declared by spec. It
// does not exert itself: values that cannot be sensibly interpreted
// produce an error rather than a guess.
func Convert(spec types.AttributeSpec, value any) (any, error) {
	if value == nil {
		return nil, fmt.Errorf("no value")
	}
	switch spec.Type {
	case types.AttributeText:
		return asString(value), nil

	case types.AttributeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("not a number: %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("not a number: %v", value)

	case types.AttributeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			// Forms post booleans as strings; treat the usual
			// falsy spellings as false.
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "", "false", "0", "no", "off":
				return false, nil
			}
			return true, nil
		case float64:
			return v != 0, nil
		}
		return nil, fmt.Errorf("not a boolean: %v", value)

	case types.AttributeOption:
		s := asString(value)
		if !spec.HasOption(s) {
			return nil, fmt.Errorf("%q is not one of the options", s)
		}
		return s, nil

	case types.AttributeMultiOption:
		var items []string
		switch v := value.(type) {
		case []string:
			items = v
		case []any:
			for _, item := range v {
				items = append(items, asString(item))
			}
		default:
			// A single value is accepted and wrapped in a list.
			items = []string{asString(value)}
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("empty multioption")
		}
		for _, item := range items {
			if !spec.HasOption(item) {
				return nil, fmt.Errorf("%q is not one of the options", item)
			}
		}
		return items, nil
	}
	return nil, fmt.Errorf("unknown attribute type %q", spec.Type)
}

// ConvertForDisplay coerces stored attributes at read time,
// best-effort. The logbook configuration may have changed since the
// entry was written; there is no point in converting stored values
// until someone edits the entry, so failures here just drop the
// attribute from the view.
func ConvertForDisplay(logbook *types.Logbook, attrs map[string]any) map[string]any {
	converted := make(map[string]any, len(attrs))
	for name, value := range attrs {
		spec, ok := logbook.Attribute(name)
		if !ok {
			continue
		}
		coerced, err := Convert(spec, value)
		if err != nil {
			continue
		}
		converted[name] = coerced
	}
	return converted
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			return asString(v[0])
		}
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
