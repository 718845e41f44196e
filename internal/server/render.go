package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/untoldecay/elogd/internal/attachments"
	"github.com/untoldecay/elogd/internal/export"
	"github.com/untoldecay/elogd/internal/types"
)

// logbookJSON is the API representation of a logbook.
type logbookJSON struct {
	ID                  int64                 `json:"id"`
	Name                string                `json:"name"`
	Description         string                `json:"description"`
	Template            string                `json:"template"`
	TemplateContentType string                `json:"template_content_type"`
	ParentID            *int64                `json:"parent_id"`
	Attributes          []types.AttributeSpec `json:"attributes"`
	Metadata            map[string]any        `json:"metadata"`
	Archived            bool                  `json:"archived"`
	CreatedAt           time.Time             `json:"created_at"`
	LastChangedAt       *time.Time            `json:"last_changed_at"`
	Children            []*logbookJSON        `json:"children,omitempty"`
}

func renderLogbook(lb *types.Logbook) *logbookJSON {
	return &logbookJSON{
		ID:                  lb.ID,
		Name:                lb.Name,
		Description:         lb.Description,
		Template:            lb.Template,
		TemplateContentType: lb.TemplateContentType,
		ParentID:            lb.ParentID,
		Attributes:          lb.Attributes,
		Metadata:            lb.Metadata,
		Archived:            lb.Archived,
		CreatedAt:           lb.CreatedAt,
		LastChangedAt:       lb.LastChangedAt,
	}
}

// entryJSON is the API representation of an entry.
type entryJSON struct {
	ID            int64          `json:"id"`
	LogbookID     int64          `json:"logbook_id"`
	Title         string         `json:"title"`
	Authors       []types.Author `json:"authors"`
	Content       string         `json:"content,omitempty"`
	ContentType   string         `json:"content_type"`
	Metadata      map[string]any `json:"metadata"`
	Attributes    map[string]any `json:"attributes"`
	Priority      int            `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	LastChangedAt *time.Time     `json:"last_changed_at"`
	FollowsID     *int64         `json:"follows_id"`
	Archived      bool           `json:"archived"`
	RevisionN     *int           `json:"revision_n,omitempty"`

	// Fetch extras.
	Followups           []*entryJSON      `json:"followups,omitempty"`
	Attachments         []*attachmentJSON `json:"attachments,omitempty"`
	EmbeddedAttachments []*attachmentJSON `json:"embedded_attachments,omitempty"`
	Lock                *lockJSON         `json:"lock,omitempty"`
	NextID              *int64            `json:"next,omitempty"`
	PreviousID          *int64            `json:"previous,omitempty"`

	// Search extras.
	NFollowups      *int           `json:"n_followups,omitempty"`
	ThreadTimestamp *time.Time     `json:"timestamp,omitempty"`
	FollowupAuthors []types.Author `json:"followup_authors,omitempty"`
}

func renderEntry(e *types.Entry) *entryJSON {
	return &entryJSON{
		ID:            e.ID,
		LogbookID:     e.LogbookID,
		Title:         e.Title,
		Authors:       e.Authors,
		Content:       e.Content,
		ContentType:   e.ContentType,
		Metadata:      e.Metadata,
		Attributes:    e.Attributes,
		Priority:      e.Priority,
		CreatedAt:     e.CreatedAt,
		LastChangedAt: e.LastChangedAt,
		FollowsID:     e.FollowsID,
		Archived:      e.Archived,
	}
}

// renderSearchResult strips the content down to text; list views only
// need a preview.
func renderSearchResult(r *types.SearchResult) *entryJSON {
	e := renderEntry(&r.Entry)
	e.Content = truncate(attachments.StripTags(r.Entry.Content), 200)
	n := r.NFollowups
	e.NFollowups = &n
	ts := r.ThreadTimestamp
	e.ThreadTimestamp = &ts
	e.FollowupAuthors = r.FollowupAuthors
	return e
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

type changeJSON struct {
	ID        int64          `json:"id"`
	Changed   map[string]any `json:"changed"`
	Timestamp time.Time      `json:"timestamp"`
	Authors   []types.Author `json:"change_authors,omitempty"`
	Comment   string         `json:"change_comment,omitempty"`
	IP        string         `json:"change_ip,omitempty"`
}

func renderChanges(changes []*types.Change) []*changeJSON {
	out := make([]*changeJSON, 0, len(changes))
	for _, c := range changes {
		out = append(out, &changeJSON{
			ID:        c.ID,
			Changed:   c.Changed,
			Timestamp: c.Timestamp,
			Authors:   c.ChangeAuthors,
			Comment:   c.ChangeComment,
			IP:        c.ChangeIP,
		})
	}
	return out
}

type lockJSON struct {
	ID            int64      `json:"id"`
	EntryID       int64      `json:"entry_id"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	OwnedByIP     string     `json:"owned_by_ip"`
	CancelledAt   *time.Time `json:"cancelled_at"`
	CancelledByIP string     `json:"cancelled_by_ip,omitempty"`
}

func renderLock(l *types.Lock) *lockJSON {
	return &lockJSON{
		ID:            l.ID,
		EntryID:       l.EntryID,
		CreatedAt:     l.CreatedAt,
		ExpiresAt:     l.ExpiresAt,
		OwnedByIP:     l.OwnedByIP,
		CancelledAt:   l.CancelledAt,
		CancelledByIP: l.CancelledByIP,
	}
}

type attachmentJSON struct {
	ID           int64          `json:"id"`
	EntryID      *int64         `json:"entry_id"`
	Filename     string         `json:"filename"`
	Timestamp    time.Time      `json:"timestamp"`
	Path         string         `json:"path"`
	URL          string         `json:"url"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	ContentType  string         `json:"content_type"`
	Embedded     bool           `json:"embedded"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func renderAttachment(a *types.Attachment) *attachmentJSON {
	j := &attachmentJSON{
		ID:          a.ID,
		EntryID:     a.EntryID,
		Filename:    a.Filename,
		Timestamp:   a.Timestamp,
		Path:        a.Path,
		URL:         AttachmentURLPrefix + a.Path,
		ContentType: a.ContentType,
		Embedded:    a.Embedded,
		Metadata:    a.Metadata,
	}
	if a.Metadata != nil {
		if _, ok := a.Metadata["size"]; ok {
			j.ThumbnailURL = j.URL + attachments.ThumbnailSuffix
		}
	}
	return j
}

func renderAttachments(list []*types.Attachment) []*attachmentJSON {
	out := make([]*attachmentJSON, 0, len(list))
	for _, a := range list {
		out = append(out, renderAttachment(a))
	}
	return out
}

// writeJSON marshals the response; storage hands out UTC timestamps so
// they serialise with the Z designator.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

type errorJSON struct {
	Error string    `json:"error"`
	Lock  *lockJSON `json:"lock,omitempty"`
}

// writeError maps core errors onto status codes: 404 unknown entity,
// 409 stale revision, foreign lock or integrity violation, 422 failed
// attribute validation, 400 malformed input, 500 the rest.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *types.ValidationError
		lerr *types.LockedError
		ierr *types.IntegrityError
	)
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorJSON{Error: err.Error()})
	case errors.Is(err, types.ErrStaleRevision):
		s.writeJSON(w, http.StatusConflict, errorJSON{Error: err.Error()})
	case errors.As(err, &lerr):
		s.writeJSON(w, http.StatusConflict, errorJSON{
			Error: lerr.Error(),
			Lock:  renderLock(lerr.Lock),
		})
	case errors.As(err, &ierr):
		s.writeJSON(w, http.StatusConflict, errorJSON{Error: ierr.Error()})
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if verr.Field == "attributes" {
			status = http.StatusUnprocessableEntity
		}
		s.writeJSON(w, status, errorJSON{Error: verr.Error()})
	case errors.Is(err, export.ErrNotConfigured):
		s.writeJSON(w, http.StatusBadRequest, errorJSON{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		// Client went away, nothing to answer.
	default:
		s.logger.Error("internal error",
			"method", r.Method, "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError,
			errorJSON{Error: "internal error"})
	}
}

func badRequest(message string) error {
	return &types.ValidationError{Message: message}
}
