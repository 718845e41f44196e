package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/untoldecay/elogd/internal/attachments"
	"github.com/untoldecay/elogd/internal/types"
)

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lock, err := s.store.GetLock(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lock": renderLock(lock)})
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steal := r.URL.Query().Get("steal") == "true"
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !steal && mediaType == "application/json" && r.ContentLength > 0 {
		var body struct {
			Steal bool `json:"steal"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		steal = body.Steal
	}

	lock, err := s.store.AcquireLock(r.Context(), id, clientIP(r), steal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lock": renderLock(lock)})
}

func (s *Server) cancelLock(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lock, err := s.store.GetLock(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled, err := s.store.CancelLock(r.Context(), lock.ID, clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lock": renderLock(cancelled)})
}

// maxUploadBytes bounds one upload request.
const maxUploadBytes = 64 << 20

// uploadAttachments accepts multipart uploads on the repeatable
// "attachment" field and binds the stored files to the entry.
func (s *Server) uploadAttachments(w http.ResponseWriter, r *http.Request) {
	entryID, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetEntry(r.Context(), entryID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, badRequest("malformed multipart body: "+err.Error()))
		return
	}

	ts := time.Now().UTC()
	if raw := r.FormValue("timestamp"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, badRequest("malformed timestamp"))
			return
		}
		ts = parsed.UTC()
	}
	var metadata map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			s.writeError(w, r, badRequest("malformed metadata"))
			return
		}
	}
	embedded := r.FormValue("embedded") == "true"

	files := r.MultipartForm.File["attachment"]
	if len(files) == 0 {
		s.writeError(w, r, badRequest("no attachment files in request"))
		return
	}

	var stored []*types.Attachment
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			s.writeError(w, r, badRequest("unreadable attachment: "+err.Error()))
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, r, badRequest("unreadable attachment: "+err.Error()))
			return
		}

		a, err := s.pipeline.Save(header.Filename, content, ts, embedded)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		a.EntryID = &entryID
		if metadata != nil {
			if a.Metadata == nil {
				a.Metadata = map[string]any{}
			}
			for k, v := range metadata {
				a.Metadata[k] = v
			}
		}
		if err := s.store.CreateAttachment(r.Context(), a); err != nil {
			s.writeError(w, r, err)
			return
		}
		stored = append(stored, a)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attachments": renderAttachments(stored)})
}

// deleteAttachment archives one attachment of the entry. The blob
// stays on disk.
func (s *Server) deleteAttachment(w http.ResponseWriter, r *http.Request) {
	entryID, err := urlID(r, "entryID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		ID int64 `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.store.GetAttachment(r.Context(), body.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.EntryID == nil || *a.EntryID != entryID {
		s.writeError(w, r, badRequest("attachment does not belong to this entry"))
		return
	}
	if err := s.store.ArchiveAttachment(r.Context(), a.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attachment": renderAttachment(a)})
}

// serveAttachment streams a blob (or its thumbnail) after checking the
// path is a known, non-archived attachment.
func (s *Server) serveAttachment(w http.ResponseWriter, r *http.Request) {
	blobPath := path.Clean(chi.URLParam(r, "*"))
	if blobPath == "." || strings.HasPrefix(blobPath, "..") {
		s.writeError(w, r, types.ErrNotFound)
		return
	}

	lookupPath := strings.TrimSuffix(blobPath, attachments.ThumbnailSuffix)
	a, err := s.store.GetAttachmentByPath(r.Context(), lookupPath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	blob, err := s.pipeline.Open(blobPath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer blob.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(blob, head)
	head = head[:n]

	contentType := a.ContentType
	if strings.HasSuffix(blobPath, attachments.ThumbnailSuffix) {
		// A thumbnail is either a scaled-down JPEG or a small original
		// reused as-is, so the stored content type does not apply.
		contentType = http.DetectContentType(head)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if !a.Embedded {
		w.Header().Set("Content-Disposition", "inline; filename=\""+a.Filename+"\"")
	}
	if _, err := w.Write(head); err != nil {
		s.logger.Warn("failed to stream attachment", "path", blobPath, "error", err)
		return
	}
	if _, err := io.Copy(w, blob); err != nil {
		s.logger.Warn("failed to stream attachment", "path", blobPath, "error", err)
	}
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("search")
	found, err := s.directory.Search(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []types.User{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": found})
}
