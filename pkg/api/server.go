// Package api exposes the HTTP surface: auth, task RPCs, package delivery,
// install links, settings and the WebSocket tunnel endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/TheEntropyCollective/orchard/pkg/auth"
	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/store"
	"github.com/TheEntropyCollective/orchard/pkg/tunnel"
)

// Options carries the deploy-time knobs the handlers need.
type Options struct {
	// CDNDomain, when set, turns package downloads into redirects to
	// https://<CDNDomain>/<artifactKey>.
	CDNDomain string

	BuildCommit string
	BuildDate   string
}

// Server wires the handlers to the store, the blob backend and the auth gate.
type Server struct {
	store  *store.Store
	blobs  blob.Store
	pow    *auth.PowGate
	opts   Options
	logger zerolog.Logger

	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer builds the HTTP layer.
func NewServer(st *store.Store, blobs blob.Store, pow *auth.PowGate, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		store:  st,
		blobs:  blobs,
		pow:    pow,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// The session cookie is the access check; cross-origin
			// WebSocket upgrades carry it or fail auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Router returns the configured route tree.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/status", s.handleAuthStatus).Methods(http.MethodGet)
	api.HandleFunc("/auth/challenge", s.handleAuthChallenge).Methods(http.MethodGet)
	api.HandleFunc("/auth/setup", s.handleAuthSetup).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleAuthLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleAuthLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/change-password", s.handleChangePassword).Methods(http.MethodPost)

	// Install links are public: the task UUID is the secret.
	api.HandleFunc("/install/{id}/manifest.plist", s.handleInstallManifest).Methods(http.MethodGet)
	api.HandleFunc("/install/{id}/payload.ipa", s.handleInstallPayload).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(s.requireAuth)
	protected.HandleFunc("/downloads", s.handleCreateTask).Methods(http.MethodPost)
	protected.HandleFunc("/downloads", s.handleListTasks).Methods(http.MethodGet)
	protected.HandleFunc("/downloads/{id}", s.handleGetTask).Methods(http.MethodGet)
	protected.HandleFunc("/downloads/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	protected.HandleFunc("/downloads/{id}/pause", s.handlePauseTask).Methods(http.MethodPost)
	protected.HandleFunc("/downloads/{id}/resume", s.handleResumeTask).Methods(http.MethodPost)
	protected.HandleFunc("/packages", s.handleListPackages).Methods(http.MethodGet)
	protected.HandleFunc("/packages/{id}/file", s.handlePackageFile).Methods(http.MethodGet)
	protected.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	protected.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)
	protected.HandleFunc("/tunnel", s.handleTunnel).Methods(http.MethodGet)

	return r
}

// requireAuth gates task RPCs and the tunnel behind a valid session cookie.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticated(r) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticated(r *http.Request) bool {
	hash, err := s.store.GetPasswordHash()
	if err != nil || hash == "" {
		return false
	}
	cookie, err := r.Cookie(auth.SessionCookie)
	if err != nil {
		return false
	}
	return auth.ValidateToken(auth.SessionKey(hash), cookie.Value, s.now())
}

// handleTunnel upgrades to WebSocket and runs one relay session.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	tunnel.NewSession(ws, s.logger).Run(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	return dec.Decode(v)
}
