// Package www serves the gateway's REST API and SSE event stream with
// cookie-session authentication.
package www

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pcclink/config"
	"pcclink/logging"
	"pcclink/plcman"
)

// Handlers holds the HTTP handlers and their collaborators.
type Handlers struct {
	cfg      *config.Config
	manager  *plcman.Manager
	sessions *sessionStore
	hub      *EventHub
}

// Server is the gateway web server.
type Server struct {
	handlers   *Handlers
	httpServer *http.Server
	hub        *EventHub
}

// NewServer wires the router.  The returned server is not listening until
// Start.
func NewServer(cfg *config.Config, manager *plcman.Manager) *Server {
	hub := NewEventHub()
	h := &Handlers{
		cfg:      cfg,
		manager:  manager,
		sessions: newSessionStore(cfg.Web.SessionSecret),
		hub:      hub,
	}

	srv := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           h.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{handlers: h, httpServer: srv, hub: hub}
}

// Hub returns the SSE event hub for the poller to broadcast into.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Start begins listening in the background.
func (s *Server) Start() {
	go func() {
		logging.DebugLog("www", "listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.DebugError("www", "ListenAndServe", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

// router builds the chi route tree.
func (h *Handlers) router() chi.Router {
	r := chi.NewRouter()

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/api/plcs", h.handleListPLCs)
		r.Get("/api/plcs/{plc}/tags", h.handleListTags)
		r.Get("/api/events", h.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/api/plcs/{plc}/tags/{tag}", h.handleWriteTag)
		})
	})

	return r
}

// authDisabled reports whether the config carries no users, which leaves
// the API open (intended for isolated networks and tests).
func (h *Handlers) authDisabled() bool {
	return len(h.cfg.Web.Users) == 0
}

// requireAuth gates requests on a logged-in session.
func (h *Handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authDisabled() {
			next.ServeHTTP(w, r)
			return
		}
		if _, _, ok := h.sessions.getUser(r); !ok {
			writeJSONError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates requests on the admin role.
func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authDisabled() {
			next.ServeHTTP(w, r)
			return
		}
		_, role, ok := h.sessions.getUser(r)
		if !ok || !isAdmin(role) {
			writeJSONError(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad request body")
		return
	}

	role, ok := checkCredentials(h.cfg.Web.Users, req.Username, req.Password)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "bad credentials")
		return
	}

	if err := h.sessions.setUser(w, r, req.Username, role); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session error")
		return
	}
	writeJSON(w, map[string]string{"username": req.Username, "role": role})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = h.sessions.clear(w, r)
	writeJSON(w, map[string]string{"status": "ok"})
}

// plcSummary is the list entry returned by /api/plcs.
type plcSummary struct {
	Name    string              `json:"name"`
	Family  string              `json:"family"`
	Address string              `json:"address"`
	Status  string              `json:"status"`
	Health  plcman.HealthStatus `json:"health"`
	Tags    int                 `json:"tags"`
}

func (h *Handlers) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	var out []plcSummary
	for _, name := range h.manager.PLCNames() {
		plc := h.manager.PLC(name)
		if plc == nil {
			continue
		}
		out = append(out, plcSummary{
			Name:    name,
			Family:  plc.Config.Family.String(),
			Address: plc.Config.Address,
			Status:  plc.GetStatus().String(),
			Health:  plc.GetHealthStatus(),
			Tags:    len(plc.Config.Tags),
		})
	}
	writeJSON(w, out)
}

// tagSummary is the list entry returned by /api/plcs/{plc}/tags.
type tagSummary struct {
	Name     string      `json:"name"`
	Address  string      `json:"address"`
	Type     string      `json:"type,omitempty"`
	Value    interface{} `json:"value"`
	Writable bool        `json:"writable"`
	Error    string      `json:"error,omitempty"`
}

func (h *Handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "plc")
	plc := h.manager.PLC(name)
	if plc == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown PLC %q", name))
		return
	}

	values := plc.GetValues()
	var out []tagSummary
	for _, tc := range plc.Config.Tags {
		entry := tagSummary{
			Name:     tc.DisplayName(),
			Address:  tc.Address,
			Writable: tc.Writable,
		}
		if v, ok := values[tc.DisplayName()]; ok {
			entry.Type = v.Type
			entry.Value = v.Value
			if v.Error != nil {
				entry.Error = v.Error.Error()
			}
		}
		out = append(out, entry)
	}
	writeJSON(w, out)
}

type writeTagRequest struct {
	Value interface{} `json:"value"`
}

func (h *Handlers) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	plcName := chi.URLParam(r, "plc")
	tagName := chi.URLParam(r, "tag")

	var req writeTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad request body")
		return
	}

	if err := h.manager.WriteTag(plcName, tagName, req.Value); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	h.hub.serveSSE(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
