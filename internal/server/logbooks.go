package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/untoldecay/elogd/internal/actions"
	"github.com/untoldecay/elogd/internal/types"
)

func urlID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil {
		return 0, badRequest("malformed " + param)
	}
	return id, nil
}

// logbookBody is the decode shape of logbook create and update
// requests. Pointers distinguish absent fields from zero values.
type logbookBody struct {
	Name                *string                `json:"name"`
	Description         *string                `json:"description"`
	Template            *string                `json:"template"`
	TemplateContentType *string                `json:"template_content_type"`
	ParentID            *int64                 `json:"parent_id"`
	Attributes          *[]types.AttributeSpec `json:"attributes"`
	Metadata            *map[string]any        `json:"metadata"`
	Archived            *bool                  `json:"archived"`
}

func decodeBody[T any](r *http.Request, into *T) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return badRequest("malformed JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) listLogbooks(w http.ResponseWriter, r *http.Request) {
	tree, err := s.logbookTree(r.Context(), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logbooks": tree})
}

// logbookTree loads the children of parentID recursively.
func (s *Server) logbookTree(ctx context.Context, parentID *int64) ([]*logbookJSON, error) {
	logbooks, err := s.store.ListLogbooks(ctx, parentID)
	if err != nil {
		return nil, err
	}
	rendered := make([]*logbookJSON, 0, len(logbooks))
	for _, lb := range logbooks {
		j := renderLogbook(lb)
		j.Children, err = s.logbookTree(ctx, &lb.ID)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, j)
	}
	return rendered, nil
}

func (s *Server) createLogbook(w http.ResponseWriter, r *http.Request) {
	s.createLogbookUnder(w, r, nil)
}

func (s *Server) createChildLogbook(w http.ResponseWriter, r *http.Request) {
	parentID, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.createLogbookUnder(w, r, &parentID)
}

func (s *Server) createLogbookUnder(w http.ResponseWriter, r *http.Request, parentID *int64) {
	var body logbookBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	lb := &types.Logbook{ParentID: parentID}
	if body.Name != nil {
		lb.Name = *body.Name
	}
	if body.Description != nil {
		lb.Description = *body.Description
	}
	if body.Template != nil {
		lb.Template = *body.Template
	}
	if body.TemplateContentType != nil {
		lb.TemplateContentType = *body.TemplateContentType
	}
	if body.Attributes != nil {
		lb.Attributes = *body.Attributes
	}
	if body.Metadata != nil {
		lb.Metadata = *body.Metadata
	}
	if err := s.store.CreateLogbook(r.Context(), lb); err != nil {
		s.writeError(w, r, err)
		return
	}

	rendered := renderLogbook(lb)
	s.dispatch(actions.Event{
		Type:      actions.EventLogbookCreated,
		LogbookID: lb.ID,
	}, rendered)
	s.writeJSON(w, http.StatusOK, map[string]any{"logbook": rendered})
}

func (s *Server) getLogbook(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lb, err := s.store.GetLogbook(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rendered := renderLogbook(lb)
	rendered.Children, err = s.logbookTree(r.Context(), &lb.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logbook": rendered})
}

func (s *Server) updateLogbook(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body logbookBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	updates := map[string]any{}
	if body.Name != nil {
		updates["name"] = *body.Name
	}
	if body.Description != nil {
		updates["description"] = *body.Description
	}
	if body.Template != nil {
		updates["template"] = *body.Template
	}
	if body.TemplateContentType != nil {
		updates["template_content_type"] = *body.TemplateContentType
	}
	if body.ParentID != nil {
		updates["parent_id"] = *body.ParentID
	}
	if body.Attributes != nil {
		updates["attributes"] = *body.Attributes
	}
	if body.Metadata != nil {
		updates["metadata"] = *body.Metadata
	}
	if body.Archived != nil {
		updates["archived"] = *body.Archived
	}

	lb, err := s.store.UpdateLogbook(r.Context(), id, updates,
		types.ChangeMeta{IP: clientIP(r)})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rendered := renderLogbook(lb)
	s.dispatch(actions.Event{
		Type:      actions.EventLogbookChanged,
		LogbookID: lb.ID,
	}, rendered)
	s.writeJSON(w, http.StatusOK, map[string]any{"logbook": rendered})
}

func (s *Server) listLogbookChanges(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	changes, err := s.store.GetLogbookChanges(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changes": renderChanges(changes)})
}

func (s *Server) getLogbookRevision(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "logbookID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := urlID(r, "n")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	revision, err := s.store.GetLogbookRevision(r.Context(), id, int(n))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logbook": revision})
}

// dispatch queues an action event carrying the rendered entity.
func (s *Server) dispatch(ev actions.Event, payload any) {
	if s.dispatcher == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode action payload", "error", err)
	} else {
		ev.Payload = raw
	}
	s.dispatcher.Dispatch(ev)
}
