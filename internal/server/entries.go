package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/untoldecay/elogd/internal/actions"
	"github.com/untoldecay/elogd/internal/attachments"
	"github.com/untoldecay/elogd/internal/export"
	"github.com/untoldecay/elogd/internal/types"
)

// entryBody is the decode shape of entry create and update requests.
type entryBody struct {
	Title         *string         `json:"title"`
	Authors       []types.Author  `json:"authors"`
	Content       *string         `json:"content"`
	ContentType   *string         `json:"content_type"`
	Metadata      *map[string]any `json:"metadata"`
	Attributes    *map[string]any `json:"attributes"`
	Priority      *int            `json:"priority"`
	FollowsID     *int64          `json:"follows_id"`
	Archived      *bool           `json:"archived"`
	CreatedAt     *time.Time      `json:"created_at"`
	LastChangedAt *time.Time      `json:"last_changed_at"`

	// RevisionN is mandatory on updates.
	RevisionN *int `json:"revision_n"`
	// AttachmentIDs binds previously uploaded attachments.
	AttachmentIDs []int64 `json:"attachments"`
}

func (s *Server) createEntry(w http.ResponseWriter, r *http.Request) {
	logbookID, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.createEntryIn(w, r, logbookID, nil)
}

// createFollowup posts a new entry below an existing one.
func (s *Server) createFollowup(w http.ResponseWriter, r *http.Request) {
	logbookID, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entryID, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.createEntryIn(w, r, logbookID, &entryID)
}

func (s *Server) createEntryIn(w http.ResponseWriter, r *http.Request, logbookID int64, followsID *int64) {
	var body entryBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	entry := &types.Entry{
		LogbookID: logbookID,
		Authors:   body.Authors,
		FollowsID: followsID,
	}
	if body.FollowsID != nil {
		entry.FollowsID = body.FollowsID
	}
	if body.Title != nil {
		entry.Title = *body.Title
	}
	if body.ContentType != nil {
		entry.ContentType = *body.ContentType
	}
	if body.Metadata != nil {
		entry.Metadata = *body.Metadata
	}
	if body.Attributes != nil {
		entry.Attributes = *body.Attributes
	}
	if body.Priority != nil {
		entry.Priority = *body.Priority
	}
	if body.CreatedAt != nil {
		entry.CreatedAt = *body.CreatedAt
	}
	if body.LastChangedAt != nil {
		t := body.LastChangedAt.UTC()
		entry.LastChangedAt = &t
	}

	// Inline pasted images become attachments before the entry is
	// stored, so the stored content already references them.
	// Extraction runs before sanitising, which would strip the data:
	// URIs it looks for.
	var extracted []*types.Attachment
	if body.Content != nil {
		content, found, err := s.extractInline(*body.Content)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		extracted = found
		entry.Content = attachments.SanitizeContent(content)
	}

	if err := s.store.CreateEntry(r.Context(), entry); err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, a := range extracted {
		a.EntryID = &entry.ID
		if err := s.store.CreateAttachment(r.Context(), a); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	for _, id := range body.AttachmentIDs {
		if err := s.store.BindAttachment(r.Context(), id, entry.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	rendered, err := s.renderEntryFull(r.Context(), entry, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(actions.Event{
		Type:      actions.EventEntryCreated,
		LogbookID: entry.LogbookID,
		EntryID:   entry.ID,
	}, rendered)
	s.writeJSON(w, http.StatusOK, map[string]any{"entry": rendered})
}

func (s *Server) extractInline(content string) (string, []*types.Attachment, error) {
	if s.pipeline == nil {
		return content, nil, nil
	}
	return s.pipeline.ExtractInlineImages(content, time.Now().UTC(), AttachmentURLPrefix)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var entry *types.Entry
	if r.URL.Query().Get("thread") == "true" {
		entry, err = s.store.GetThreadRoot(r.Context(), id)
	} else {
		entry, err = s.store.GetEntry(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if format := r.URL.Query().Get("download"); format != "" {
		s.downloadEntry(w, r, entry, format)
		return
	}

	rendered, err := s.renderEntryFull(r.Context(), entry, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entry": rendered})
}

// renderEntryFull builds the fetch representation: revision counter,
// followups, attachments, the active lock and prev/next navigation.
func (s *Server) renderEntryFull(ctx context.Context, entry *types.Entry, navigation bool) (*entryJSON, error) {
	rendered := renderEntry(entry)

	n, err := s.store.CountEntryChanges(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	rendered.RevisionN = &n

	followups, err := s.store.GetEntryFollowups(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	for _, fu := range followups {
		renderedFu, err := s.renderEntryFull(ctx, fu, false)
		if err != nil {
			return nil, err
		}
		rendered.Followups = append(rendered.Followups, renderedFu)
	}

	regular, err := s.store.GetEntryAttachments(ctx, entry.ID, false)
	if err != nil {
		return nil, err
	}
	rendered.Attachments = renderAttachments(regular)
	embedded, err := s.store.GetEntryAttachments(ctx, entry.ID, true)
	if err != nil {
		return nil, err
	}
	rendered.EmbeddedAttachments = renderAttachments(embedded)

	if !navigation {
		return rendered, nil
	}

	if lock, err := s.store.GetLock(ctx, entry.ID); err == nil {
		rendered.Lock = renderLock(lock)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	if next, err := s.store.NextEntry(ctx, entry); err == nil {
		rendered.NextID = &next.ID
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if prev, err := s.store.PreviousEntry(ctx, entry); err == nil {
		rendered.PreviousID = &prev.ID
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return rendered, nil
}

func (s *Server) updateEntry(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body entryBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.RevisionN == nil {
		s.writeError(w, r, badRequest("revision_n is required on updates"))
		return
	}

	updates := map[string]any{}
	if body.Title != nil {
		updates["title"] = *body.Title
	}
	if body.Authors != nil {
		updates["authors"] = body.Authors
	}
	var extracted []*types.Attachment
	if body.Content != nil {
		content, found, err := s.extractInline(*body.Content)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		extracted = found
		updates["content"] = attachments.SanitizeContent(content)
	}
	if body.ContentType != nil {
		updates["content_type"] = *body.ContentType
	}
	if body.Metadata != nil {
		updates["metadata"] = *body.Metadata
	}
	if body.Attributes != nil {
		updates["attributes"] = *body.Attributes
	}
	if body.Priority != nil {
		updates["priority"] = *body.Priority
	}
	if body.Archived != nil {
		updates["archived"] = *body.Archived
	}
	if body.LastChangedAt != nil {
		updates["last_changed_at"] = body.LastChangedAt.UTC().Format(time.RFC3339)
	}

	entry, err := s.store.UpdateEntry(r.Context(), id, updates, *body.RevisionN,
		types.ChangeMeta{IP: clientIP(r), Authors: body.Authors})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Inline blobs are only bound once the update has passed the
	// revision and lock checks; a rejected edit must not grow the
	// entry's attachment list.
	for _, a := range extracted {
		a.EntryID = &id
		if err := s.store.CreateAttachment(r.Context(), a); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	rendered, err := s.renderEntryFull(r.Context(), entry, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(actions.Event{
		Type:      actions.EventEntryChanged,
		LogbookID: entry.LogbookID,
		EntryID:   entry.ID,
	}, rendered)
	s.writeJSON(w, http.StatusOK, map[string]any{"entry": rendered})
}

func (s *Server) listEntryChanges(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	changes, err := s.store.GetEntryChanges(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changes": renderChanges(changes)})
}

func (s *Server) getEntryRevision(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := urlID(r, "n")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	revision, err := s.store.GetEntryRevision(r.Context(), id, int(n))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entry": revision})
}

// searchEntries handles listing, filtering and export of a logbook's
// entries.
func (s *Server) searchEntries(w http.ResponseWriter, r *http.Request) {
	logbookID, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lb, err := s.store.GetLogbook(r.Context(), logbookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filter, err := parseSearchFilter(r, logbookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if format := r.URL.Query().Get("download"); format != "" {
		s.downloadLogbook(w, r, lb, filter, format)
		return
	}

	results, err := s.store.SearchEntries(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := s.store.CountEntries(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rendered := make([]*entryJSON, 0, len(results))
	for _, result := range results {
		rendered = append(rendered, renderSearchResult(result))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"logbook": renderLogbook(lb),
		"entries": rendered,
		"count":   count,
	})
}

func parseSearchFilter(r *http.Request, logbookID int64) (types.SearchFilter, error) {
	q := r.URL.Query()
	filter := types.SearchFilter{
		Logbook:          &logbookID,
		ChildLogbooks:    q.Get("ignore_children") != "true",
		Archived:         q.Get("archived") == "true",
		Followups:        q.Get("followups") == "true",
		SortByTimestamp:  q.Get("sort_by_timestamp") != "false",
		ContentFilter:    q.Get("content"),
		TitleFilter:      q.Get("title"),
		AuthorFilter:     q.Get("authors"),
		AttachmentFilter: q.Get("attachments"),
		N:                50,
	}
	if raw := q.Get("n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, badRequest("malformed n")
		}
		filter.N = n
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, badRequest("malformed offset")
		}
		filter.Offset = offset
	}
	for _, pair := range q["attribute"] {
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			return filter, badRequest("attribute filter must be name:value")
		}
		filter.AttributeFilter = append(filter.AttributeFilter, [2]string{name, value})
	}
	for _, pair := range q["metadata"] {
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			return filter, badRequest("metadata filter must be name:value")
		}
		filter.MetadataFilter = append(filter.MetadataFilter, [2]string{name, value})
	}
	for param, target := range map[string]**time.Time{"from": &filter.From, "until": &filter.Until} {
		if raw := q.Get(param); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filter, badRequest("malformed " + param)
			}
			*target = &t
		}
	}
	return filter, nil
}

func (s *Server) entryHistogram(w http.ResponseWriter, r *http.Request) {
	logbookID, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bins, err := s.store.EntryHistogram(r.Context(), logbookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"histogram": bins})
}

// downloadEntry exports one thread as a standalone document.
func (s *Server) downloadEntry(w http.ResponseWriter, r *http.Request, entry *types.Entry, format string) {
	followups, err := s.store.GetEntryFollowups(r.Context(), entry.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	parts := append([]*types.Entry{entry}, followups...)
	s.export(w, r, entry.Title, fmt.Sprintf("entry-%d", entry.ID), parts, format)
}

// downloadLogbook exports the matching entries of a logbook.
func (s *Server) downloadLogbook(w http.ResponseWriter, r *http.Request, lb *types.Logbook, filter types.SearchFilter, format string) {
	results, err := s.store.SearchEntries(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var parts []*types.Entry
	for _, result := range results {
		entry, err := s.store.GetEntry(r.Context(), result.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		followups, err := s.store.GetEntryFollowups(r.Context(), entry.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		parts = append(parts, entry)
		parts = append(parts, followups...)
	}
	s.export(w, r, lb.Name, fmt.Sprintf("logbook-%d", lb.ID), parts, format)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request, title, basename string, parts []*types.Entry, format string) {
	switch format {
	case "html":
		exporter := &export.HTML{Pipeline: s.pipeline, URLPrefix: AttachmentURLPrefix}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", basename+".html"))
		if err := exporter.Export(r.Context(), w, title, parts); err != nil {
			s.logger.Error("export failed", "error", err)
		}
	case "pdf":
		var buf bytes.Buffer
		if err := s.pdf.Export(r.Context(), &buf, title, parts); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", basename+".pdf"))
		_, _ = w.Write(buf.Bytes())
	default:
		s.writeError(w, r, badRequest("unknown download format "+format))
	}
}
