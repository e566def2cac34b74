package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trymwestin/sensorbridge/internal/core/connection"
	"github.com/trymwestin/sensorbridge/internal/core/state"
	"github.com/trymwestin/sensorbridge/internal/reporter"
)

// Bridge is the part of the reporter the API drives.
type Bridge interface {
	Connections() map[string]connection.Connection
	Sensors() []string
	Report(sensor, channel, value string) error
	Control(msg string)
}

// Server is the HTTP status API server.
type Server struct {
	bridge  Bridge
	states  state.StateReader
	corsAll bool
	log     *slog.Logger
	router  chi.Router
}

// NewServer creates a new HTTP API server.
func NewServer(bridge Bridge, states state.StateReader, corsAll bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		bridge:  bridge,
		states:  states,
		corsAll: corsAll,
		log:     log,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.router
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.router.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/status", s.handleGetStatus)
	s.router.Get("/api/states", s.handleGetStates)
	s.router.Get("/api/sensors", s.handleGetSensors)

	s.router.Post("/api/refresh", s.handleRefresh)
	s.router.Post("/api/publish/{sensor}", s.handlePublish)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type connectionStatus struct {
	Name string `json:"name"`
	connection.Status
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	conns := s.bridge.Connections()
	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]connectionStatus, 0, len(names))
	for _, name := range names {
		st := connection.Status{State: "unknown"}
		if sr, ok := conns[name].(connection.StatusReporter); ok {
			st = sr.Status()
		}
		out = append(out, connectionStatus{Name: name, Status: st})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"connections": out})
}

func (s *Server) handleGetStates(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.states.Snapshot())
}

func (s *Server) handleGetSensors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"sensors": s.bridge.Sensors()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.bridge.Control("http")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type publishBody struct {
	Value   *string `json:"value"`
	Channel string  `json:"channel"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	sensor := chi.URLParam(r, "sensor")

	var body publishBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Value == nil {
		s.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.bridge.Report(sensor, body.Channel, *body.Value); err != nil {
		if errors.Is(err, reporter.ErrUnknownSensor) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}
