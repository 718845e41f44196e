package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/elogd/internal/types"
)

const attachmentCols = `id, entry_id, filename, timestamp, path,
    content_type, embedded, metadata, archived`

// CreateAttachment records attachment metadata and fills in its ID.
// The entry reference may be nil for uploads that arrive before the
// entry they belong to is saved.
func (s *Store) CreateAttachment(ctx context.Context, a *types.Attachment) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if a.EntryID != nil {
			if _, err := getEntry(ctx, tx, *a.EntryID); err != nil {
				return err
			}
		}
		md, err := toJSON(a.Metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attachment (entry_id, filename, timestamp, path,
			    content_type, embedded, metadata, archived)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nullableID(a.EntryID), a.Filename, utc(a.Timestamp), a.Path,
			a.ContentType, a.Embedded, md, a.Archived)
		if err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
		a.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get attachment id: %w", err)
		}
		return nil
	})
}

// GetAttachment returns the attachment with the given ID.
func (s *Store) GetAttachment(ctx context.Context, id int64) (*types.Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attachmentCols+` FROM attachment WHERE id = ?`, id)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %d: %w", id, types.ErrNotFound)
	}
	return a, err
}

// GetAttachmentByPath resolves an attachment from its blob tree path,
// as used when serving files.
func (s *Store) GetAttachmentByPath(ctx context.Context, path string) (*types.Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attachmentCols+` FROM attachment WHERE path = ? AND archived = 0`, path)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %q: %w", path, types.ErrNotFound)
	}
	return a, err
}

// GetEntryAttachments lists the entry's non-archived attachments with
// the given embedded flag, oldest first.
func (s *Store) GetEntryAttachments(ctx context.Context, entryID int64, embedded bool) ([]*types.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attachmentCols+` FROM attachment
		WHERE entry_id = ? AND embedded = ? AND archived = 0
		ORDER BY id`, entryID, embedded)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*types.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// BindAttachment attaches a previously uploaded, unbound attachment to
// an entry.
func (s *Store) BindAttachment(ctx context.Context, attachmentID, entryID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getEntry(ctx, tx, entryID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE attachment SET entry_id = ? WHERE id = ?`, entryID, attachmentID)
		if err != nil {
			return fmt.Errorf("failed to bind attachment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to bind attachment: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("attachment %d: %w", attachmentID, types.ErrNotFound)
		}
		return nil
	})
}

// ArchiveAttachment hides an attachment. The blob stays on disk.
func (s *Store) ArchiveAttachment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachment SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to archive attachment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to archive attachment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("attachment %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func scanAttachment(row rowScanner) (*types.Attachment, error) {
	var (
		a           types.Attachment
		entryID     sql.NullInt64
		filename    sql.NullString
		contentType sql.NullString
		md          sql.NullString
	)
	err := row.Scan(&a.ID, &entryID, &filename, &a.Timestamp, &a.Path,
		&contentType, &a.Embedded, &md, &a.Archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan attachment: %w", err)
	}
	if entryID.Valid {
		a.EntryID = &entryID.Int64
	}
	a.Filename = filename.String
	a.ContentType = contentType.String
	a.Timestamp = utc(a.Timestamp)
	if err := fromJSON(md, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}
