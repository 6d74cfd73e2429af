package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/claude/liftsync/internal/workout"
)

// Grants reads and records delegation grants.
type Grants interface {
	Delegations
	GrantDelegation(ctx context.Context, delegateID, subjectID string) error
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	gw       workout.Gateway
	grants   Grants
	devices  *devices
	log      *slog.Logger
	identity func(http.Handler) http.Handler
	extra    map[string]http.Handler
	router   chi.Router
}

// New creates a new Server with all routes configured. grants may be nil, in
// which case nobody can act for another account.
func New(gw workout.Gateway, grants Grants, opts workout.Options, log *slog.Logger) *Server {
	s := &Server{
		gw:       gw,
		grants:   grants,
		devices:  newDevices(gw, opts, log),
		log:      log,
		identity: DevIdentity,
		extra:    make(map[string]http.Handler),
	}
	s.build()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetTailscale switches caller identification from the dev headers to the
// tailnet login of the peer.
func (s *Server) SetTailscale(lc WhoIser) {
	s.identity = TailscaleIdentity(lc)
	s.build()
}

// Mount serves h below pattern behind the same identity middleware as the
// API.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.extra[pattern] = h
	s.build()
}

// Close stops every device engine.
func (s *Server) Close() {
	s.devices.close()
}

func (s *Server) build() {
	s.router = chi.NewRouter()
	s.routes()
}

func (s *Server) routes() {
	s.router.Use(RequestLogging(s.log))
	s.router.Use(CORS)

	s.router.Group(func(r chi.Router) {
		r.Use(s.identity)
		r.Use(ActingAs(s.grants))

		r.Get("/api/v1/me", s.handleMe)
		r.Post("/api/v1/delegations", s.handleGrant)
		r.Get("/api/v1/navigation", s.handleNavigation)
		r.Get("/api/v1/sessions/{id}", s.handleGetSession)
		r.Get("/api/v1/accounts/{id}/active-session", s.handleActiveSession)

		r.Route("/api/v1/session", func(r chi.Router) {
			r.Get("/", s.handleSnapshot)
			r.Post("/start", s.handleStart)
			r.Post("/end", s.handleEnd)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/load/{id}", s.handleLoad)
			r.Post("/reactivate/{id}", s.handleReactivate)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/focus", s.handleFocus)
			r.Post("/interaction/{edge}", s.handleInteraction)

			r.Post("/sets/{id}/swipe", s.handleSwipe)
			r.Post("/sets/{id}/complete", s.handleCompleteSet)
			r.Post("/sets/{id}/undo", s.handleUndoSet)
			r.Post("/sets/{id}/retry", s.handleRetrySet)
			r.Delete("/sets/{id}", s.handleDeleteSet)

			r.Post("/exercises/{id}/sets", s.handleAddSet)
			r.Delete("/exercises/{id}", s.handleDeleteExercise)
		})

		for pattern, h := range s.extra {
			r.Handle(pattern, h)
			r.Handle(pattern+"/*", h)
		}
	})
}
