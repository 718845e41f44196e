package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/elogd/internal/types"
)

// insertChange records one mutation in the audit table. changed holds
// the old value of every field that differed; an empty map is still
// recorded so the revision counter always advances.
func insertChange(ctx context.Context, q querier, table, fkCol string, subjectID int64, changed map[string]any, ts time.Time, meta types.ChangeMeta) error {
	if changed == nil {
		changed = map[string]any{}
	}
	changedJSON, err := toJSON(changed)
	if err != nil {
		return err
	}
	authorsJSON, err := toJSON(meta.Authors)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s, changed, timestamp, change_authors, change_comment, change_ip)
		VALUES (?, ?, ?, ?, ?, ?)`, table, fkCol),
		subjectID, changedJSON, utc(ts), authorsJSON, meta.Comment, meta.IP)
	if err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}
	return nil
}

// GetLogbookChanges returns the change log of a logbook, oldest first.
func (s *Store) GetLogbookChanges(ctx context.Context, id int64) ([]*types.Change, error) {
	if _, err := getLogbook(ctx, s.db, id); err != nil {
		return nil, err
	}
	return getChanges(ctx, s.db, "logbookchange", "logbook_id", id)
}

// GetEntryChanges returns the change log of an entry, oldest first.
func (s *Store) GetEntryChanges(ctx context.Context, id int64) ([]*types.Change, error) {
	if _, err := getEntry(ctx, s.db, id); err != nil {
		return nil, err
	}
	return getChanges(ctx, s.db, "entrychange", "entry_id", id)
}

func getChanges(ctx context.Context, q querier, table, fkCol string, subjectID int64) ([]*types.Change, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, %s, changed, timestamp, change_authors, change_comment, change_ip
		FROM %s WHERE %s = ? ORDER BY id`, fkCol, table, fkCol), subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []*types.Change
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

func scanChange(row rowScanner) (*types.Change, error) {
	var (
		change            types.Change
		changedJSON       string
		authorsJSON       sql.NullString
		comment, changeIP sql.NullString
	)
	err := row.Scan(&change.ID, &change.SubjectID, &changedJSON,
		&change.Timestamp, &authorsJSON, &comment, &changeIP)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}
	if err := fromJSON(authorsJSON, &change.ChangeAuthors); err != nil {
		return nil, err
	}
	change.Changed = map[string]any{}
	if err := fromJSON(sql.NullString{String: changedJSON, Valid: changedJSON != ""}, &change.Changed); err != nil {
		return nil, err
	}
	change.Timestamp = utc(change.Timestamp)
	change.ChangeComment = comment.String
	change.ChangeIP = changeIP.String
	return &change, nil
}

// CountEntryChanges returns the number of recorded changes, which is
// also the entry's current revision number.
func (s *Store) CountEntryChanges(ctx context.Context, id int64) (int, error) {
	return countChanges(ctx, s.db, "entrychange", "entry_id", id)
}

func countChanges(ctx context.Context, q querier, table, fkCol string, subjectID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE %s = ?`, table, fkCol), subjectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return n, nil
}

// GetLogbookRevision reconstructs what the logbook looked like at
// revision n. With N recorded changes, revision N is the current state
// and revision 0 the state as created.
func (s *Store) GetLogbookRevision(ctx context.Context, id int64, n int) (map[string]any, error) {
	lb, err := s.GetLogbook(ctx, id)
	if err != nil {
		return nil, err
	}
	changes, err := getChanges(ctx, s.db, "logbookchange", "logbook_id", id)
	if err != nil {
		return nil, err
	}
	return reconstructRevision(logbookFieldMap(lb), changes, id, n)
}

// GetEntryRevision reconstructs what the entry looked like at
// revision n.
func (s *Store) GetEntryRevision(ctx context.Context, id int64, n int) (map[string]any, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	changes, err := getChanges(ctx, s.db, "entrychange", "entry_id", id)
	if err != nil {
		return nil, err
	}
	return reconstructRevision(entryFieldMap(entry), changes, id, n)
}

// reconstructRevision walks the change log backwards from the current
// state, overlaying each change's stored pre-image, until it reaches
// revision n.
func reconstructRevision(current map[string]any, changes []*types.Change, id int64, n int) (map[string]any, error) {
	total := len(changes)
	if n < 0 || n > total {
		return nil, fmt.Errorf("revision %d of %d: %w", n, total, types.ErrNotFound)
	}
	snapshot := make(map[string]any, len(current))
	for k, v := range current {
		snapshot[k] = v
	}
	for m := total - 1; m >= n; m-- {
		for field, old := range changes[m].Changed {
			if _, known := snapshot[field]; known {
				snapshot[field] = old
			}
		}
	}
	snapshot["id"] = id
	snapshot["revision_n"] = n
	return snapshot, nil
}
