package mux

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the gateway's HTTP surface.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Get("/resumable", s.listResumable)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)
				r.Post("/connect", s.connectSession)
				r.Get("/messages", s.listMessages)
				r.Get("/events", s.sessionEvents)
				r.Get("/events/replay", s.replayEvents)
				r.Get("/ws", s.frameChannel)
			})
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.createCredential)
			r.Get("/", s.listCredentials)
			r.Delete("/{credentialID}", s.deleteCredential)
		})
	})
}
