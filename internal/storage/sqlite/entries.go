package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/elogd/internal/attributes"
	"github.com/untoldecay/elogd/internal/types"
)

const entryCols = `id, logbook_id, title, authors, content, content_type,
    metadata, attributes, priority, created_at, last_changed_at, follows_id, archived`

// CreateEntry inserts a new entry and fills in its ID. Attributes are
// checked against the logbook's schema. A followup must point at an
// entry in the same logbook and is never created pinned.
func (s *Store) CreateEntry(ctx context.Context, e *types.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ContentType == "" {
		e.ContentType = types.DefaultContentType
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		lb, err := getLogbook(ctx, tx, e.LogbookID)
		if err != nil {
			return err
		}
		checked, err := attributes.Check(lb, e.Attributes)
		if err != nil {
			return err
		}
		e.Attributes = checked

		if e.FollowsID != nil {
			followed, err := getEntry(ctx, tx, *e.FollowsID)
			if err != nil {
				return fmt.Errorf("followed entry: %w", err)
			}
			if followed.LogbookID != e.LogbookID {
				return &types.ValidationError{Field: "follows",
					Message: fmt.Sprintf("entry %d belongs to another logbook", *e.FollowsID)}
			}
			if e.Priority > types.PriorityPinned {
				e.Priority = types.PriorityNormal
			}
		}

		authors, err := toJSON(e.Authors)
		if err != nil {
			return err
		}
		md, err := toJSON(e.Metadata)
		if err != nil {
			return err
		}
		attrs, err := toJSON(e.Attributes)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entry (logbook_id, title, authors, content, content_type,
			    metadata, attributes, priority, created_at, last_changed_at,
			    follows_id, archived)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.LogbookID, e.Title, authors, e.Content, e.ContentType,
			md, attrs, e.Priority, utc(e.CreatedAt), nullableTime(e.LastChangedAt),
			nullableID(e.FollowsID), e.Archived)
		if err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
		e.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get entry id: %w", err)
		}
		return nil
	})
}

// GetEntry returns the entry with the given ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (*types.Entry, error) {
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, q querier, id int64) (*types.Entry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM entry WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, types.ErrNotFound)
	}
	return entry, err
}

// GetThreadRoot walks the follows chain until it reaches the entry
// that starts the thread.
func (s *Store) GetThreadRoot(ctx context.Context, id int64) (*types.Entry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	for depth := 0; entry.FollowsID != nil; depth++ {
		if depth > 1000 {
			return nil, &types.IntegrityError{
				Message: fmt.Sprintf("followup chain of entry %d does not terminate", id)}
		}
		entry, err = s.GetEntry(ctx, *entry.FollowsID)
		if err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// UpdateEntry applies updates under the edit protocol: revisionN must
// equal the current change count, and an active lock held by another
// IP blocks the edit. A lock held by the caller's IP is released by a
// successful edit.
//
// A change that touches only the priority does not move the entry's
// last_changed_at, so pinning does not reorder searches.
func (s *Store) UpdateEntry(ctx context.Context, id int64, updates map[string]any, revisionN int, meta types.ChangeMeta) (*types.Entry, error) {
	var updated *types.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}

		current, err := countChanges(ctx, tx, "entrychange", "entry_id", id)
		if err != nil {
			return err
		}
		if revisionN != current {
			return fmt.Errorf("entry %d is at revision %d, not %d: %w",
				id, current, revisionN, types.ErrStaleRevision)
		}

		now := time.Now().UTC()
		lock, err := getActiveLock(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if lock != nil {
			if lock.OwnedByIP != meta.IP {
				return &types.LockedError{Lock: lock}
			}
			if _, err := cancelLock(ctx, tx, lock.ID, meta.IP, now); err != nil {
				return err
			}
		}

		before := entryFieldMap(entry)
		explicitTimestamp, err := applyEntryUpdates(ctx, tx, entry, updates)
		if err != nil {
			return err
		}
		after := entryFieldMap(entry)

		changed := map[string]any{}
		for field, old := range before {
			if !jsonEqual(old, after[field]) {
				changed[field] = old
			}
		}

		ts := now
		if meta.Timestamp != nil {
			ts = utc(*meta.Timestamp)
		}
		if err := insertChange(ctx, tx, "entrychange", "entry_id", id, changed, ts, meta); err != nil {
			return err
		}

		lastChanged := nullableTime(entry.LastChangedAt)
		switch {
		case explicitTimestamp != nil:
			lastChanged = utc(*explicitTimestamp)
		case !onlyPriorityChanged(changed):
			lastChanged = ts
		}

		authors, err := toJSON(entry.Authors)
		if err != nil {
			return err
		}
		md, err := toJSON(entry.Metadata)
		if err != nil {
			return err
		}
		attrs, err := toJSON(entry.Attributes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE entry
			SET title = ?, authors = ?, content = ?, content_type = ?,
			    metadata = ?, attributes = ?, priority = ?, follows_id = ?,
			    archived = ?, last_changed_at = ?
			WHERE id = ?`,
			entry.Title, authors, entry.Content, entry.ContentType,
			md, attrs, entry.Priority, nullableID(entry.FollowsID),
			entry.Archived, lastChanged, id)
		if err != nil {
			return fmt.Errorf("failed to update entry: %w", err)
		}
		updated, err = getEntry(ctx, tx, id)
		return err
	})
	return updated, err
}

// onlyPriorityChanged reports whether a change touched nothing but the
// priority field.
func onlyPriorityChanged(changed map[string]any) bool {
	if len(changed) != 1 {
		return false
	}
	_, ok := changed["priority"]
	return ok
}

// applyEntryUpdates mutates entry in place. It returns the explicit
// last_changed_at override, if the caller supplied one.
func applyEntryUpdates(ctx context.Context, tx *sql.Tx, entry *types.Entry, updates map[string]any) (*time.Time, error) {
	var explicitTimestamp *time.Time
	for field, value := range updates {
		switch field {
		case "title":
			entry.Title = asStringField(value)
		case "content":
			entry.Content = asStringField(value)
		case "content_type":
			entry.ContentType = asStringField(value)
		case "authors":
			authors, err := asAuthors(value)
			if err != nil {
				return nil, &types.ValidationError{Field: "authors", Message: err.Error()}
			}
			entry.Authors = authors
		case "metadata":
			md, err := asMetadata(value)
			if err != nil {
				return nil, &types.ValidationError{Field: "metadata", Message: err.Error()}
			}
			entry.Metadata = md
		case "attributes":
			attrs, err := asAttributeMap(value)
			if err != nil {
				return nil, &types.ValidationError{Field: "attributes", Message: err.Error()}
			}
			lb, err := getLogbook(ctx, tx, entry.LogbookID)
			if err != nil {
				return nil, err
			}
			checked, err := attributes.Check(lb, attrs)
			if err != nil {
				return nil, err
			}
			entry.Attributes = checked
		case "priority":
			switch v := value.(type) {
			case float64:
				entry.Priority = int(v)
			case int:
				entry.Priority = v
			default:
				return nil, &types.ValidationError{Field: "priority", Message: "not a number"}
			}
		case "logbook_id":
			id, err := asNullableID(value)
			if err != nil || id == nil {
				return nil, &types.ValidationError{Field: "logbook_id", Message: "not an id"}
			}
			if _, err := getLogbook(ctx, tx, *id); err != nil {
				return nil, err
			}
			entry.LogbookID = *id
		case "follows_id":
			id, err := asNullableID(value)
			if err != nil {
				return nil, &types.ValidationError{Field: "follows_id", Message: err.Error()}
			}
			if id != nil {
				followed, err := getEntry(ctx, tx, *id)
				if err != nil {
					return nil, fmt.Errorf("followed entry: %w", err)
				}
				if followed.LogbookID != entry.LogbookID {
					return nil, &types.ValidationError{Field: "follows",
						Message: fmt.Sprintf("entry %d belongs to another logbook", *id)}
				}
			}
			entry.FollowsID = id
		case "archived":
			entry.Archived = asBoolField(value)
		case "last_changed_at":
			t, err := time.Parse(time.RFC3339, asStringField(value))
			if err != nil {
				return nil, &types.ValidationError{Field: "last_changed_at", Message: "not a timestamp"}
			}
			explicitTimestamp = &t
		default:
			return nil, &types.ValidationError{Field: field, Message: "unknown field"}
		}
	}
	if entry.FollowsID != nil && entry.Priority > types.PriorityPinned {
		return nil, &types.ValidationError{Field: "priority",
			Message: "a followup cannot be marked important"}
	}
	return explicitTimestamp, nil
}

// entryFieldMap renders an entry as the flat field map used for change
// pre-images and revision reconstruction.
func entryFieldMap(e *types.Entry) map[string]any {
	return map[string]any{
		"logbook_id":      e.LogbookID,
		"title":           e.Title,
		"authors":         e.Authors,
		"content":         e.Content,
		"content_type":    e.ContentType,
		"metadata":        e.Metadata,
		"attributes":      e.Attributes,
		"priority":        e.Priority,
		"created_at":      timeValue(e.CreatedAt),
		"last_changed_at": nullableTimeValue(e.LastChangedAt),
		"follows_id":      nullableID(e.FollowsID),
		"archived":        e.Archived,
	}
}

// GetEntryFollowups lists the non-archived followups of an entry,
// oldest first.
func (s *Store) GetEntryFollowups(ctx context.Context, entryID int64) ([]*types.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryCols+` FROM entry
		WHERE follows_id = ? AND archived = 0
		ORDER BY created_at, id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followups: %w", err)
	}
	defer rows.Close()

	var followups []*types.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		followups = append(followups, entry)
	}
	return followups, rows.Err()
}

// NextEntry returns the thread root after the given entry in its
// logbook, ordered by (timestamp, id) ascending.
func (s *Store) NextEntry(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	return s.adjacentEntry(ctx, entry, ">", "ASC")
}

// PreviousEntry returns the thread root before the given entry.
func (s *Store) PreviousEntry(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	return s.adjacentEntry(ctx, entry, "<", "DESC")
}

func (s *Store) adjacentEntry(ctx context.Context, entry *types.Entry, cmp, dir string) (*types.Entry, error) {
	ts := utc(entry.Timestamp())
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT `+entryCols+` FROM entry
		WHERE logbook_id = ? AND follows_id IS NULL AND archived = 0
		  AND (coalesce(last_changed_at, created_at) %s ?
		       OR (coalesce(last_changed_at, created_at) = ? AND id %s ?))
		ORDER BY coalesce(last_changed_at, created_at) %s, id %s
		LIMIT 1`, cmp, cmp, dir, dir),
		entry.LogbookID, ts, ts, entry.ID)
	adjacent, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return adjacent, err
}

func scanEntry(row rowScanner) (*types.Entry, error) {
	var (
		e              types.Entry
		title, content sql.NullString
		authors, md    sql.NullString
		attrs          sql.NullString
		lastChanged    sql.NullTime
		followsID      sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.LogbookID, &title, &authors, &content,
		&e.ContentType, &md, &attrs, &e.Priority, &e.CreatedAt,
		&lastChanged, &followsID, &e.Archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.Title = title.String
	e.Content = content.String
	if err := fromJSON(authors, &e.Authors); err != nil {
		return nil, err
	}
	if err := fromJSON(md, &e.Metadata); err != nil {
		return nil, err
	}
	if err := fromJSON(attrs, &e.Attributes); err != nil {
		return nil, err
	}
	e.CreatedAt = utc(e.CreatedAt)
	if lastChanged.Valid {
		t := utc(lastChanged.Time)
		e.LastChangedAt = &t
	}
	if followsID.Valid {
		e.FollowsID = &followsID.Int64
	}
	return &e, nil
}
