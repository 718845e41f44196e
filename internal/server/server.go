// Package server exposes the logbook core over HTTP.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/untoldecay/elogd/internal/actions"
	"github.com/untoldecay/elogd/internal/attachments"
	"github.com/untoldecay/elogd/internal/export"
	"github.com/untoldecay/elogd/internal/storage"
	"github.com/untoldecay/elogd/internal/users"
)

// AttachmentURLPrefix is where blobs are served; stored entry content
// references attachments below it.
const AttachmentURLPrefix = "/attachments/"

// Server routes API requests to the storage core.
type Server struct {
	store      storage.Storage
	pipeline   *attachments.Pipeline
	dispatcher *actions.Dispatcher
	directory  users.Directory
	pdf        export.PDF
	logger     *slog.Logger
	router     chi.Router
}

// Options carries the collaborators of a Server. Store and Pipeline
// are required; the rest have working null defaults.
type Options struct {
	Store      storage.Storage
	Pipeline   *attachments.Pipeline
	Dispatcher *actions.Dispatcher
	Directory  users.Directory
	PDF        export.PDF
	Logger     *slog.Logger
}

// New assembles the HTTP server.
func New(opts Options) *Server {
	s := &Server{
		store:      opts.Store,
		pipeline:   opts.Pipeline,
		dispatcher: opts.Dispatcher,
		directory:  opts.Directory,
		pdf:        opts.PDF,
		logger:     opts.Logger,
	}
	if s.directory == nil {
		s.directory = users.Null{}
	}
	if s.pdf == nil {
		s.pdf = export.NullPDF{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Route("/logbooks", func(r chi.Router) {
			r.Get("/", s.listLogbooks)
			r.Post("/", s.createLogbook)
			r.Route("/{logbookID}", func(r chi.Router) {
				r.Get("/", s.getLogbook)
				r.Post("/", s.createChildLogbook)
				r.Put("/", s.updateLogbook)
				r.Get("/revisions/", s.listLogbookChanges)
				r.Get("/revisions/{n}/", s.getLogbookRevision)
				r.Route("/entries", func(r chi.Router) {
					r.Get("/", s.searchEntries)
					r.Post("/", s.createEntry)
					r.Get("/histogram", s.entryHistogram)
					r.Route("/{entryID}", func(r chi.Router) {
						r.Get("/", s.getEntry)
						r.Post("/", s.createFollowup)
						r.Put("/", s.updateEntry)
						r.Post("/attachments/", s.uploadAttachments)
						r.Delete("/attachments/", s.deleteAttachment)
					})
				})
			})
		})
		r.Route("/entries/{entryID}", func(r chi.Router) {
			r.Get("/", s.getEntry)
			r.Put("/", s.updateEntry)
			r.Get("/revisions/", s.listEntryChanges)
			r.Get("/revisions/{n}", s.getEntryRevision)
			r.Get("/revisions/{n}/", s.getEntryRevision)
			r.Get("/lock", s.getLock)
			r.Post("/lock", s.acquireLock)
			r.Delete("/lock", s.cancelLock)
			r.Post("/attachments/", s.uploadAttachments)
			r.Delete("/attachments/", s.deleteAttachment)
		})
		r.Get("/users/", s.searchUsers)
	})
	r.Get(AttachmentURLPrefix+"*", s.serveAttachment)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"ip", clientIP(r))
	})
}

// clientIP is the lock owner and change attribution identity.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
