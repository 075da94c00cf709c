// Package server exposes the admin HTTP surface: mapping management,
// manual sync triggers, suggestions and job status. It listens on the
// primary port; the KoSync surface runs on its own port and is the only
// one meant to be internet-exposed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
)

// Trigger is the slice of the scheduler the server needs.
type Trigger interface {
	ScheduleNow(bookID string, force bool)
}

// Jobs is the slice of the transcription manager the server needs.
type Jobs interface {
	Enqueue(bookID string)
	// Purge removes a book's transcript chunks and alignment map.
	Purge(bookID string) error
}

// Metadata resolves title, author and duration for a library item when a
// mapping is created without them.
type Metadata interface {
	Item(ctx context.Context, bookID string) (title, author string, duration float64, err error)
}

// Clearer resets every stored position for a book and drops its in-memory
// traces when the mapping goes away.
type Clearer interface {
	ClearProgress(ctx context.Context, bookID string) error
	Forget(bookID string)
}

// Server is the admin HTTP server.
type Server struct {
	db      *store.Store
	parser  *epub.Parser
	trigger Trigger
	jobs    Jobs
	meta    Metadata
	clearer Clearer
	logger  *logger.Logger
}

// New wires the admin server. meta may be nil when the audiobook source is
// not configured.
func New(db *store.Store, parser *epub.Parser, trigger Trigger, jobs Jobs, meta Metadata, clearer Clearer) *Server {
	return &Server{
		db:      db,
		parser:  parser,
		trigger: trigger,
		jobs:    jobs,
		meta:    meta,
		clearer: clearer,
		logger:  logger.Get().With(map[string]interface{}{"component": "admin_server"}),
	}
}

// Routes builds the admin router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/mappings", s.handleListMappings)
		r.Post("/mappings", s.handleCreateMapping)
		r.Get("/mappings/{bookID}", s.handleGetMapping)
		r.Delete("/mappings/{bookID}", s.handleDeleteMapping)
		r.Post("/mappings/{bookID}/sync", s.handleSync)
		r.Post("/mappings/{bookID}/clear-progress", s.handleClearProgress)
		r.Post("/mappings/{bookID}/retry", s.handleRetry)
		r.Get("/jobs/{bookID}", s.handleGetJob)
		r.Get("/suggestions", s.handleListSuggestions)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListMappings(w http.ResponseWriter, _ *http.Request) {
	mappings, err := s.db.ListAllMappings()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

// createMappingRequest is the admin payload linking an audiobook to its
// ebook representations. BookID and EbookFilename are required; everything
// else is optional or derived.
type createMappingRequest struct {
	BookID          string `json:"book_id"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	EbookFilename   string `json:"ebook_filename"`
	StorytellerUUID string `json:"storyteller_uuid"`
	BookloreID      string `json:"booklore_id"`
	HardcoverID     string `json:"hardcover_id"`
	SyncMode        string `json:"sync_mode"`
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BookID == "" || req.EbookFilename == "" {
		writeError(w, http.StatusBadRequest, "book_id and ebook_filename are required")
		return
	}

	mode := models.SyncMode(req.SyncMode)
	if mode == "" {
		mode = models.SyncModeAudiobook
	}
	if mode != models.SyncModeAudiobook && mode != models.SyncModeEbookOnly {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown sync_mode %q", req.SyncMode))
		return
	}

	path, err := s.parser.ResolvePath(req.EbookFilename)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ebook not found: %v", err))
		return
	}
	docID, err := epub.KoSyncDocumentID(path)
	if err != nil {
		s.fail(w, err)
		return
	}

	m := &models.Mapping{
		BookID:          req.BookID,
		Title:           req.Title,
		Author:          req.Author,
		EbookFilename:   req.EbookFilename,
		KoSyncDocID:     docID,
		StorytellerUUID: req.StorytellerUUID,
		BookloreID:      req.BookloreID,
		HardcoverID:     req.HardcoverID,
		SyncMode:        mode,
	}

	if s.meta != nil {
		title, author, duration, err := s.meta.Item(r.Context(), req.BookID)
		if err != nil {
			s.logger.Warn("Failed to fetch item metadata", map[string]interface{}{
				"book_id": req.BookID,
				"error":   err,
			})
		} else {
			if m.Title == "" {
				m.Title = title
			}
			if m.Author == "" {
				m.Author = author
			}
			m.Duration = duration
		}
	}

	// Ebook-only mappings need no alignment and are syncable at once;
	// audiobook mappings wait for transcription.
	if mode == models.SyncModeEbookOnly {
		m.Status = models.StatusActive
	} else {
		m.Status = models.StatusPending
	}

	if err := s.db.SaveMapping(m); err != nil {
		s.fail(w, err)
		return
	}
	if m.Status == models.StatusPending && s.jobs != nil {
		s.jobs.Enqueue(m.BookID)
	}

	s.logger.Info("Created mapping", map[string]interface{}{
		"book_id": m.BookID,
		"ebook":   m.EbookFilename,
		"mode":    string(mode),
	})
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.LoadMapping(chi.URLParam(r, "bookID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "mapping not found")
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	if err := s.db.DeleteMapping(bookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "mapping not found")
			return
		}
		s.fail(w, err)
		return
	}
	if s.clearer != nil {
		s.clearer.Forget(bookID)
	}
	if s.jobs != nil {
		if err := s.jobs.Purge(bookID); err != nil {
			s.logger.Warn("Failed to purge transcription artifacts", map[string]interface{}{
				"book_id": bookID,
				"error":   err,
			})
		}
	}
	s.logger.Info("Deleted mapping", map[string]interface{}{"book_id": bookID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	force := r.URL.Query().Get("force") == "true"
	s.trigger.ScheduleNow(bookID, force)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"book_id": bookID,
		"force":   force,
		"queued":  true,
	})
}

func (s *Server) handleClearProgress(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	if err := s.clearer.ClearProgress(r.Context(), bookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "mapping not found")
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"book_id": bookID, "status": "cleared"})
}

// handleRetry re-queues a mapping parked in failed_retry_later, resetting
// its failure counter.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")
	m, err := s.db.LoadMapping(bookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "mapping not found")
			return
		}
		s.fail(w, err)
		return
	}
	if m.Status != models.StatusFailedRetryLater {
		writeError(w, http.StatusConflict, fmt.Sprintf("mapping is %s, not failed_retry_later", m.Status))
		return
	}

	if m.HasAlignment || m.SyncMode == models.SyncModeEbookOnly {
		if err := s.db.SetMappingStatus(bookID, models.StatusActive, 0); err != nil {
			s.fail(w, err)
			return
		}
		s.trigger.ScheduleNow(bookID, false)
	} else {
		if err := s.db.SetMappingStatus(bookID, models.StatusPending, 0); err != nil {
			s.fail(w, err)
			return
		}
		if s.jobs != nil {
			s.jobs.Enqueue(bookID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"book_id": bookID, "status": "requeued"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.db.GetJob(chi.URLParam(r, "bookID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no job for book")
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, _ *http.Request) {
	suggestions, err := s.db.ListSuggestions()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error("Admin request failed", map[string]interface{}{"error": err})
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Run serves handler on addr until ctx is cancelled, then shuts down within
// shutdownTimeout.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
