package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/untoldecay/elogd/internal/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// asStringField coerces an update value to a string. Non-strings pass
// through fmt so numeric JSON values degrade gracefully.
func asStringField(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func asBoolField(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// asNullableID coerces an update value to an optional row ID. JSON
// numbers arrive as float64.
func asNullableID(value any) (*int64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		id := int64(v)
		return &id, nil
	case int64:
		return &v, nil
	case int:
		id := int64(v)
		return &id, nil
	case *int64:
		return v, nil
	}
	return nil, fmt.Errorf("not an id: %v", value)
}

// asAttributeSpecs coerces an update value to a validated attribute
// schema. It accepts both typed specs and the raw JSON shape.
func asAttributeSpecs(value any) ([]types.AttributeSpec, error) {
	var specs []types.AttributeSpec
	switch v := value.(type) {
	case nil:
		specs = nil
	case []types.AttributeSpec:
		specs = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, &types.ValidationError{Field: "attributes", Message: "malformed attribute list"}
		}
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, &types.ValidationError{Field: "attributes", Message: "malformed attribute list"}
		}
	}
	if err := validateAttributeSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func asMetadata(value any) (map[string]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	}
	return nil, fmt.Errorf("not an object: %v", value)
}

// asAuthors coerces an update value to an author list. It accepts both
// typed authors and the raw JSON shape.
func asAuthors(value any) ([]types.Author, error) {
	var authors []types.Author
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []types.Author:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("malformed author list")
		}
		if err := json.Unmarshal(raw, &authors); err != nil {
			return nil, fmt.Errorf("malformed author list")
		}
	}
	return authors, nil
}

func asAttributeMap(value any) (map[string]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	}
	return nil, fmt.Errorf("not an object: %v", value)
}
