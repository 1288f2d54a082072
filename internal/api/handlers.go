// Package api serves the read-only operations endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/sessiond/internal/labels"
	"github.com/whatsapp-automation/sessiond/internal/session"
)

// Sessions is the view of the session manager the endpoints need.
type Sessions interface {
	Sessions() []session.Info
	Labels(id int64) labels.Inventory
	DeviceLabels(ctx context.Context, id int64) ([]labels.DeviceLabel, error)
}

// Server represents the ops HTTP server
type Server struct {
	sessions Sessions
	started  time.Time
	log      *logrus.Entry
}

// NewServer creates a new ops server
func NewServer(sessions Sessions, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{sessions: sessions, started: time.Now(), log: log.WithField("component", "api")}
}

// Router returns a router with every route registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id:[0-9]+}/labels", s.handleLabels).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id:[0-9]+}/device-labels", s.handleDeviceLabels).Methods(http.MethodGet)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warnf("Failed to write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := 0
	list := s.sessions.Sessions()
	for _, info := range list {
		if info.Status == session.StatusConnected {
			connected++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":   true,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"sessions":  len(list),
		"connected": connected,
	})
}

// GET /sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.sessions.Sessions(),
	})
}

// GET /sessions/{id}/labels
func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessions.Labels(id))
}

// GET /sessions/{id}/device-labels
func (s *Server) handleDeviceLabels(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	list, err := s.sessions.DeviceLabels(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if list == nil {
		list = []labels.DeviceLabel{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"labels": list,
	})
}
