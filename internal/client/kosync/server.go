// Package kosync embeds a KOReader-compatible progress sync server and the
// adapter that exposes its documents to the sync engine. The server side
// speaks KOReader's KoSync protocol; the adapter side reads and writes the
// same rows, with the engine's writes marked by a fixed device identity.
package kosync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/store"
)

// BridgeDevice is the device name stamped on positions written by the
// engine, so devices and logs can tell them from reader uploads.
const BridgeDevice = "bookbridge"

// progressPayload is the KoSync wire shape for a document position.
type progressPayload struct {
	Document   string  `json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device"`
	DeviceID   string  `json:"device_id"`
	Timestamp  float64 `json:"timestamp,omitempty"`
}

// Server handles the KoSync HTTP surface. It is mounted on its own port so
// only this surface needs to be internet-exposed.
type Server struct {
	store        *store.Store
	furthestWins bool
	// notify is called after a reader upload changes a document, with the
	// document hash. The trigger layer maps it to a book and schedules a
	// cycle. May be nil.
	notify func(document string)
	logger *logger.Logger
}

// NewServer creates the KoSync server over the shared store.
func NewServer(st *store.Store, furthestWins bool, notify func(document string)) *Server {
	return &Server{
		store:        st,
		furthestWins: furthestWins,
		notify:       notify,
		logger:       logger.Get().With(map[string]interface{}{"component": "kosync_server"}),
	}
}

// Routes builds the KoSync router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", s.handleHealthcheck)
	r.Post("/users/create", s.handleUserCreate)
	r.Get("/users/auth", s.handleUserAuth)
	r.Put("/syncs/progress", s.handlePutProgress)
	r.Get("/syncs/progress/{document}", s.handleGetProgress)
	return r
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": "OK"})
}

// handleUserCreate accepts any registration. The bridge is single-user and
// account auth is out of scope; the endpoint exists so KOReader's setup
// flow completes.
func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]int{"code": 2003})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": body.Username})
}

func (s *Server) handleUserAuth(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-auth-user") == "" || r.Header.Get("x-auth-key") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]int{"code": 2001})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorized": "OK"})
}

func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	var p progressPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Document == "" {
		writeJSON(w, http.StatusBadRequest, map[string]int{"code": 2003})
		return
	}

	now := float64(time.Now().Unix())
	existing, err := s.store.GetKoSyncDocument(p.Document)
	if err != nil && err != store.ErrNotFound {
		s.logger.Error("Failed to read kosync document", map[string]interface{}{"error": err})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// Furthest-wins: a device that is behind another device does not pull
	// the shared position back. The bridge device is exempt so engine
	// writes (including Clear Progress) always land.
	if s.furthestWins && existing != nil &&
		p.Device != BridgeDevice &&
		p.DeviceID != existing.DeviceID &&
		p.Percentage < existing.Percentage {
		s.logger.Debug("Ignoring regressing kosync upload", map[string]interface{}{
			"document": p.Document,
			"device":   p.Device,
			"incoming": p.Percentage,
			"stored":   existing.Percentage,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"document":  p.Document,
			"timestamp": existing.Timestamp,
		})
		return
	}

	row := &store.KoSyncDocumentRow{
		Document:   p.Document,
		Progress:   p.Progress,
		Percentage: p.Percentage,
		Device:     p.Device,
		DeviceID:   p.DeviceID,
		Timestamp:  now,
	}
	if err := s.store.SaveKoSyncDocument(row); err != nil {
		s.logger.Error("Failed to save kosync document", map[string]interface{}{"error": err})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if s.notify != nil && p.Device != BridgeDevice {
		s.notify(p.Document)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document":  p.Document,
		"timestamp": now,
	})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")
	row, err := s.store.GetKoSyncDocument(document)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusOK, map[string]string{"document": document})
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, progressPayload{
		Document:   row.Document,
		Progress:   row.Progress,
		Percentage: row.Percentage,
		Device:     row.Device,
		DeviceID:   row.DeviceID,
		Timestamp:  row.Timestamp,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
