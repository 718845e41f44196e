package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/elogd/internal/types"
)

const logbookCols = `id, name, description, template, template_content_type,
    parent_id, attributes, metadata, archived, created_at, last_changed_at`

// CreateLogbook inserts a new logbook and fills in its ID. The parent,
// if any, must exist.
func (s *Store) CreateLogbook(ctx context.Context, lb *types.Logbook) error {
	if lb.Name == "" {
		return &types.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if err := validateAttributeSpecs(lb.Attributes); err != nil {
		return err
	}
	if lb.CreatedAt.IsZero() {
		lb.CreatedAt = time.Now().UTC()
	}
	if lb.TemplateContentType == "" {
		lb.TemplateContentType = types.DefaultContentType
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if lb.ParentID != nil {
			if _, err := getLogbook(ctx, tx, *lb.ParentID); err != nil {
				return fmt.Errorf("parent logbook: %w", err)
			}
		}
		attrs, err := toJSON(lb.Attributes)
		if err != nil {
			return err
		}
		meta, err := toJSON(lb.Metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO logbook (name, description, template, template_content_type,
			    parent_id, attributes, metadata, archived, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lb.Name, lb.Description, lb.Template, lb.TemplateContentType,
			nullableID(lb.ParentID), attrs, meta, lb.Archived, utc(lb.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert logbook: %w", err)
		}
		lb.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get logbook id: %w", err)
		}
		return nil
	})
}

// GetLogbook returns the logbook with the given ID.
func (s *Store) GetLogbook(ctx context.Context, id int64) (*types.Logbook, error) {
	return getLogbook(ctx, s.db, id)
}

func getLogbook(ctx context.Context, q querier, id int64) (*types.Logbook, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+logbookCols+` FROM logbook WHERE id = ?`, id)
	lb, err := scanLogbook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("logbook %d: %w", id, types.ErrNotFound)
	}
	return lb, err
}

// ListLogbooks returns the non-archived children of parentID, or the
// top-level logbooks when parentID is nil, ordered by name.
func (s *Store) ListLogbooks(ctx context.Context, parentID *int64) ([]*types.Logbook, error) {
	query := `SELECT ` + logbookCols + ` FROM logbook
	    WHERE archived = 0 AND parent_id IS NULL ORDER BY name`
	args := []any{}
	if parentID != nil {
		query = `SELECT ` + logbookCols + ` FROM logbook
		    WHERE archived = 0 AND parent_id = ? ORDER BY name`
		args = append(args, *parentID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logbooks: %w", err)
	}
	defer rows.Close()

	var logbooks []*types.Logbook
	for rows.Next() {
		lb, err := scanLogbook(rows)
		if err != nil {
			return nil, err
		}
		logbooks = append(logbooks, lb)
	}
	return logbooks, rows.Err()
}

// UpdateLogbook applies updates, records a change carrying the old
// values of the fields that differed, and returns the new state.
// Reparenting under the logbook's own subtree is refused.
func (s *Store) UpdateLogbook(ctx context.Context, id int64, updates map[string]any, meta types.ChangeMeta) (*types.Logbook, error) {
	var updated *types.Logbook
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		lb, err := getLogbook(ctx, tx, id)
		if err != nil {
			return err
		}

		before := logbookFieldMap(lb)
		if err := applyLogbookUpdates(lb, updates); err != nil {
			return err
		}
		if lb.ParentID != nil {
			if err := checkReparent(ctx, tx, id, *lb.ParentID); err != nil {
				return err
			}
		}
		after := logbookFieldMap(lb)

		changed := map[string]any{}
		for field, old := range before {
			if !jsonEqual(old, after[field]) {
				changed[field] = old
			}
		}

		ts := time.Now().UTC()
		if meta.Timestamp != nil {
			ts = utc(*meta.Timestamp)
		}
		if err := insertChange(ctx, tx, "logbookchange", "logbook_id", id, changed, ts, meta); err != nil {
			return err
		}

		attrs, err := toJSON(lb.Attributes)
		if err != nil {
			return err
		}
		md, err := toJSON(lb.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE logbook
			SET name = ?, description = ?, template = ?, template_content_type = ?,
			    parent_id = ?, attributes = ?, metadata = ?, archived = ?,
			    last_changed_at = ?
			WHERE id = ?`,
			lb.Name, lb.Description, lb.Template, lb.TemplateContentType,
			nullableID(lb.ParentID), attrs, md, lb.Archived, ts, id)
		if err != nil {
			return fmt.Errorf("failed to update logbook: %w", err)
		}
		updated, err = getLogbook(ctx, tx, id)
		return err
	})
	return updated, err
}

// checkReparent refuses to attach a logbook below itself.
func checkReparent(ctx context.Context, tx *sql.Tx, id, newParent int64) error {
	if newParent == id {
		return &types.IntegrityError{
			Message: fmt.Sprintf("logbook %d cannot be its own parent", id)}
	}
	var hit int
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE descendant(id) AS (
		    SELECT id FROM logbook WHERE parent_id = ?
		  UNION ALL
		    SELECT logbook.id FROM logbook
		    JOIN descendant ON logbook.parent_id = descendant.id
		)
		SELECT count(*) FROM descendant WHERE id = ?`, id, newParent).Scan(&hit)
	if err != nil {
		return fmt.Errorf("failed to check logbook ancestry: %w", err)
	}
	if hit > 0 {
		return &types.IntegrityError{
			Message: fmt.Sprintf("logbook %d is a descendant of logbook %d", newParent, id)}
	}
	if _, err := getLogbook(ctx, tx, newParent); err != nil {
		return fmt.Errorf("parent logbook: %w", err)
	}
	return nil
}

func applyLogbookUpdates(lb *types.Logbook, updates map[string]any) error {
	for field, value := range updates {
		switch field {
		case "name":
			s := asStringField(value)
			if s == "" {
				return &types.ValidationError{Field: "name", Message: "must not be empty"}
			}
			lb.Name = s
		case "description":
			lb.Description = asStringField(value)
		case "template":
			lb.Template = asStringField(value)
		case "template_content_type":
			lb.TemplateContentType = asStringField(value)
		case "parent_id":
			id, err := asNullableID(value)
			if err != nil {
				return &types.ValidationError{Field: "parent_id", Message: err.Error()}
			}
			lb.ParentID = id
		case "attributes":
			specs, err := asAttributeSpecs(value)
			if err != nil {
				return err
			}
			lb.Attributes = specs
		case "metadata":
			md, err := asMetadata(value)
			if err != nil {
				return &types.ValidationError{Field: "metadata", Message: err.Error()}
			}
			lb.Metadata = md
		case "archived":
			lb.Archived = asBoolField(value)
		default:
			return &types.ValidationError{Field: field, Message: "unknown field"}
		}
	}
	return nil
}

// logbookFieldMap renders a logbook as the flat field map used for
// change pre-images and revision reconstruction.
func logbookFieldMap(lb *types.Logbook) map[string]any {
	return map[string]any{
		"name":                  lb.Name,
		"description":           lb.Description,
		"template":              lb.Template,
		"template_content_type": lb.TemplateContentType,
		"parent_id":             nullableID(lb.ParentID),
		"attributes":            lb.Attributes,
		"metadata":              lb.Metadata,
		"archived":              lb.Archived,
		"created_at":            timeValue(lb.CreatedAt),
		"last_changed_at":       nullableTimeValue(lb.LastChangedAt),
	}
}

func validateAttributeSpecs(specs []types.AttributeSpec) error {
	seen := map[string]bool{}
	for _, spec := range specs {
		if spec.Name == "" {
			return &types.ValidationError{Field: "attributes", Message: "attribute without a name"}
		}
		if seen[spec.Name] {
			return &types.ValidationError{Field: "attributes",
				Message: fmt.Sprintf("duplicate attribute %q", spec.Name)}
		}
		seen[spec.Name] = true
		if !spec.Type.IsValid() {
			return &types.ValidationError{Field: "attributes",
				Message: fmt.Sprintf("attribute %q has unknown type %q", spec.Name, spec.Type)}
		}
	}
	return nil
}

func scanLogbook(row rowScanner) (*types.Logbook, error) {
	var (
		lb          types.Logbook
		parentID    sql.NullInt64
		attrs, md   sql.NullString
		lastChanged sql.NullTime
	)
	err := row.Scan(&lb.ID, &lb.Name, &lb.Description, &lb.Template,
		&lb.TemplateContentType, &parentID, &attrs, &md, &lb.Archived,
		&lb.CreatedAt, &lastChanged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan logbook: %w", err)
	}
	if parentID.Valid {
		lb.ParentID = &parentID.Int64
	}
	if err := fromJSON(attrs, &lb.Attributes); err != nil {
		return nil, err
	}
	if err := fromJSON(md, &lb.Metadata); err != nil {
		return nil, err
	}
	lb.CreatedAt = utc(lb.CreatedAt)
	if lastChanged.Valid {
		t := utc(lastChanged.Time)
		lb.LastChangedAt = &t
	}
	return &lb, nil
}
