package web

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/status", s.status)

		r.Post("/camera/start", s.startCamera)
		r.Post("/camera/stop", s.stopCamera)

		r.Post("/recognition/start", s.startRecognition)
		r.Post("/recognition/stop", s.stopRecognition)
		r.Get("/overlay", s.overlay)

		r.Get("/evidence", s.listEvidence)
		r.Get("/evidence/{id}/snapshot", s.evidenceSnapshot)

		r.Get("/persons", s.listPersons)
		r.Post("/persons", s.enroll)
		r.Delete("/persons/{id}", s.removePerson)
	})
}
