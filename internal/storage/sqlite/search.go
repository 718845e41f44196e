package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/untoldecay/elogd/internal/types"
)

// searchQuery assembles the entry search as SQL. The default shape
// collapses each thread to its root and aggregates followup counts,
// authors and the thread-latest timestamp; any free-text filter (or an
// explicit followups request) switches to matching individual entries,
// since the hit may well be a followup.
type searchQuery struct {
	with    string
	where   []string
	having  []string
	args    []any
	grouped bool
}

func buildSearchQuery(f types.SearchFilter) *searchQuery {
	q := &searchQuery{
		grouped: !f.Followups && !f.TextFilterActive(),
	}

	if f.Logbook != nil && f.ChildLogbooks {
		// Descendant logbooks contribute all their entries; ancestor
		// logbooks contribute only important ones, so that they stay
		// visible when browsing a sub-logbook.
		q.with = `
		WITH RECURSIVE descendant(id) AS (
		    SELECT ?
		  UNION ALL
		    SELECT logbook.id FROM logbook
		    JOIN descendant ON logbook.parent_id = descendant.id
		),
		ancestor(id) AS (
		    SELECT parent_id FROM logbook WHERE id = ?
		  UNION ALL
		    SELECT logbook.parent_id FROM logbook
		    JOIN ancestor ON logbook.id = ancestor.id
		)`
		q.args = append(q.args, *f.Logbook, *f.Logbook)
		q.where = append(q.where, fmt.Sprintf(`
		    (entry.logbook_id IN (SELECT id FROM descendant)
		     OR (entry.logbook_id IN (SELECT id FROM ancestor WHERE id IS NOT NULL)
		         AND entry.priority > %d))`, types.PriorityPinned))
	} else if f.Logbook != nil {
		q.where = append(q.where, "entry.logbook_id = ?")
		q.args = append(q.args, *f.Logbook)
	}

	// Entries in archived logbooks never surface; the Archived flag
	// only widens the search to archived entries.
	q.where = append(q.where, "logbook.archived = 0")
	if !f.Archived {
		q.where = append(q.where, "entry.archived = 0")
	}
	if q.grouped {
		q.where = append(q.where, "entry.follows_id IS NULL")
	}

	if f.ContentFilter != "" {
		q.where = append(q.where, "entry.content REGEXP ?")
		q.args = append(q.args, f.ContentFilter)
	}
	if f.TitleFilter != "" {
		q.where = append(q.where, "entry.title REGEXP ?")
		q.args = append(q.args, f.TitleFilter)
	}
	if f.AuthorFilter != "" {
		q.where = append(q.where, `EXISTS (
		    SELECT 1 FROM json_each(entry.authors)
		    WHERE json_extract(json_each.value, '$.name') REGEXP ?)`)
		q.args = append(q.args, f.AuthorFilter)
	}
	if f.AttachmentFilter != "" {
		q.where = append(q.where, `EXISTS (
		    SELECT 1 FROM attachment
		    WHERE attachment.entry_id = entry.id
		      AND attachment.archived = 0
		      AND attachment.filename REGEXP ?)`)
		q.args = append(q.args, f.AttachmentFilter)
	}
	for _, pair := range f.AttributeFilter {
		q.where = append(q.where, "json_extract(entry.attributes, ?) LIKE ?")
		q.args = append(q.args, jsonPath(pair[0]), "%"+pair[1]+"%")
	}
	for _, pair := range f.MetadataFilter {
		q.where = append(q.where, "json_extract(entry.metadata, ?) LIKE ?")
		q.args = append(q.args, jsonPath(pair[0]), "%"+pair[1]+"%")
	}

	// Time bounds apply to the thread-latest timestamp when grouping,
	// so a thread with a recent followup still matches.
	if f.From != nil {
		q.having = append(q.having, "thread_timestamp >= ?")
	}
	if f.Until != nil {
		q.having = append(q.having, "thread_timestamp <= ?")
	}
	return q
}

// jsonPath builds the json_extract path for a named key.
func jsonPath(name string) string {
	return `$."` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const searchSelect = `
	SELECT entry.id, entry.logbook_id, entry.title, entry.authors, entry.content,
	       entry.content_type, entry.metadata, entry.attributes, entry.priority,
	       entry.created_at, entry.last_changed_at, entry.follows_id, entry.archived,
	       count(followup.id) AS n_followups,
	       coalesce(
	           max(max(coalesce(followup.last_changed_at, followup.created_at)),
	               coalesce(entry.last_changed_at, entry.created_at)),
	           coalesce(entry.last_changed_at, entry.created_at)
	       ) AS thread_timestamp,
	       group_concat(followup.authors, char(10)) AS followup_authors
	FROM entry
	JOIN logbook ON entry.logbook_id = logbook.id
	LEFT JOIN entry AS followup
	    ON followup.follows_id = entry.id AND followup.archived = 0`

func (q *searchQuery) sql(f types.SearchFilter) (string, []any) {
	var b strings.Builder
	args := append([]any{}, q.args...)

	b.WriteString(q.with)
	b.WriteString(searchSelect)
	if len(q.where) > 0 {
		b.WriteString("\n\tWHERE ")
		b.WriteString(strings.Join(q.where, "\n\t  AND "))
	}
	b.WriteString("\n\tGROUP BY entry.id")
	if len(q.having) > 0 {
		b.WriteString("\n\tHAVING ")
		b.WriteString(strings.Join(q.having, " AND "))
		if f.From != nil {
			args = append(args, utc(*f.From))
		}
		if f.Until != nil {
			args = append(args, utc(*f.Until))
		}
	}
	// Pinned and important entries always lead; within equal priority
	// the sort key is the thread-latest timestamp, or plain creation
	// time when the caller asked for that.
	if f.SortByTimestamp {
		b.WriteString("\n\tORDER BY entry.priority DESC, thread_timestamp DESC, entry.id DESC")
	} else {
		b.WriteString("\n\tORDER BY entry.priority DESC, entry.created_at DESC, entry.id DESC")
	}
	if f.N > 0 {
		b.WriteString("\n\tLIMIT ? OFFSET ?")
		args = append(args, f.N, f.Offset)
	} else if f.Offset > 0 {
		b.WriteString("\n\tLIMIT -1 OFFSET ?")
		args = append(args, f.Offset)
	}
	return b.String(), args
}

func (q *searchQuery) countSQL(f types.SearchFilter) (string, []any) {
	inner := *q
	stripped := f
	stripped.N = 0
	stripped.Offset = 0
	stripped.SortByTimestamp = true
	query, args := inner.sql(stripped)
	return "SELECT count(*) FROM (" + query + ")", args
}

// SearchEntries runs the search described by filter.
func (s *Store) SearchEntries(ctx context.Context, filter types.SearchFilter) ([]*types.SearchResult, error) {
	query, args := buildSearchQuery(filter).sql(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}
	defer rows.Close()

	var results []*types.SearchResult
	for rows.Next() {
		result, err := scanSearchResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// CountEntries returns the number of rows the same search would yield
// without pagination.
func (s *Store) CountEntries(ctx context.Context, filter types.SearchFilter) (int, error) {
	query, args := buildSearchQuery(filter).countSQL(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func scanSearchResult(row rowScanner) (*types.SearchResult, error) {
	var (
		r               types.SearchResult
		title, content  sql.NullString
		authors, md     sql.NullString
		attrs           sql.NullString
		lastChanged     sql.NullTime
		followsID       sql.NullInt64
		followupAuthors sql.NullString
	)
	err := row.Scan(&r.ID, &r.LogbookID, &title, &authors, &content,
		&r.ContentType, &md, &attrs, &r.Priority, &r.CreatedAt,
		&lastChanged, &followsID, &r.Archived,
		&r.NFollowups, &r.ThreadTimestamp, &followupAuthors)
	if err != nil {
		return nil, fmt.Errorf("failed to scan search result: %w", err)
	}
	r.Title = title.String
	r.Content = content.String
	if err := fromJSON(authors, &r.Authors); err != nil {
		return nil, err
	}
	if err := fromJSON(md, &r.Metadata); err != nil {
		return nil, err
	}
	if err := fromJSON(attrs, &r.Attributes); err != nil {
		return nil, err
	}
	r.CreatedAt = utc(r.CreatedAt)
	r.ThreadTimestamp = utc(r.ThreadTimestamp)
	if lastChanged.Valid {
		t := utc(lastChanged.Time)
		r.LastChangedAt = &t
	}
	if followsID.Valid {
		r.FollowsID = &followsID.Int64
	}
	r.FollowupAuthors = parseFollowupAuthors(followupAuthors.String)
	return &r, nil
}

// parseFollowupAuthors decodes the newline-joined author arrays that
// group_concat produced, deduplicated.
func parseFollowupAuthors(concatenated string) []types.Author {
	if concatenated == "" {
		return nil
	}
	seen := map[string]bool{}
	var union []types.Author
	for _, chunk := range strings.Split(concatenated, "\n") {
		var authors []types.Author
		if err := json.Unmarshal([]byte(chunk), &authors); err != nil {
			continue
		}
		for _, a := range authors {
			key := a.Login + "\x00" + a.Name
			if !seen[key] {
				seen[key] = true
				union = append(union, a)
			}
		}
	}
	return union
}

// EntryHistogram returns the per-day entry counts of one logbook,
// with the first entry ID of each day for deep linking.
func (s *Store) EntryHistogram(ctx context.Context, logbookID int64) ([]types.HistogramBin, error) {
	if _, err := s.GetLogbook(ctx, logbookID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', created_at) AS date, min(id), count(*)
		FROM entry
		WHERE logbook_id = ? AND archived = 0
		GROUP BY date ORDER BY date`, logbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query histogram: %w", err)
	}
	defer rows.Close()

	var bins []types.HistogramBin
	for rows.Next() {
		var bin types.HistogramBin
		if err := rows.Scan(&bin.Date, &bin.FirstID, &bin.Count); err != nil {
			return nil, fmt.Errorf("failed to scan histogram bin: %w", err)
		}
		bins = append(bins, bin)
	}
	return bins, rows.Err()
}
