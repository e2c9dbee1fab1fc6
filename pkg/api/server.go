// Package api exposes device status and activation control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/device"
	"github.com/netplane-io/linkd/pkg/manager"
	"github.com/netplane-io/linkd/pkg/profile"
)

// DeviceManager is the subset of the manager the API drives.
type DeviceManager interface {
	Activate(name string, p *profile.Profile) error
	Deactivate(name string) error
	Device(name string) (*device.Device, bool)
	Snapshots() []device.Snapshot
}

// ProfileLookup resolves a profile name to a profile, typically backed by
// the loaded configuration.
type ProfileLookup func(name string) (*profile.Profile, bool)

// Server is the control API server.
type Server struct {
	manager  DeviceManager
	profiles ProfileLookup
	logger   *zap.Logger
	router   chi.Router
	server   *http.Server
}

// NewServer creates the API server listening on addr when started.
func NewServer(addr string, mgr DeviceManager, profiles ProfileLookup, logger *zap.Logger) *Server {
	s := &Server{
		manager:  mgr,
		profiles: profiles,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/v1/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/activate", s.handleActivate)
			r.Post("/deactivate", s.handleDeactivate)
		})
	})
}

// Handler returns the routed handler, useful for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in the background.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
	s.logger.Info("API server listening", zap.String("addr", s.server.Addr))
	return nil
}

// Stop drains and shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	snaps := s.manager.Snapshots()
	if snaps == nil {
		snaps = []device.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	dev, ok := s.manager.Device(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, dev.Snapshot())
}

// activateRequest selects the profile to apply, by name from the loaded
// configuration or supplied inline.
type activateRequest struct {
	Profile string           `json:"profile,omitempty"`
	Inline  *profile.Profile `json:"inline,omitempty"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var p *profile.Profile
	switch {
	case req.Inline != nil:
		p = req.Inline
	case req.Profile != "":
		found, ok := s.profiles(req.Profile)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown profile")
			return
		}
		p = found
	default:
		writeError(w, http.StatusBadRequest, "profile or inline required")
		return
	}

	if err := s.manager.Activate(name, p); err != nil {
		s.logger.Warn("Activation rejected",
			zap.String("device", name),
			zap.String("profile", p.Name),
			zap.Error(err),
		)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	dev, _ := s.manager.Device(name)
	writeJSON(w, http.StatusAccepted, dev.Snapshot())
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.Deactivate(name); err != nil {
		if errors.Is(err, manager.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	dev, _ := s.manager.Device(name)
	writeJSON(w, http.StatusOK, dev.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
