package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devserver/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.observe)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/metrics", s.handleMetrics)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.With(s.require(auth.PermDeviceOperate)).Post("/rpc", s.handleRPC)
			r.With(s.require(auth.PermAuditRead)).Get("/audit", s.handleListAudit)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListDevices)

				r.Route("/{domain}/{family}/{member}", func(r chi.Router) {
					r.Group(func(r chi.Router) {
						r.Use(s.require(auth.PermDeviceRead))
						r.Get("/", s.handleGetDevice)
						r.Get("/state", s.handleGetState)
						r.Get("/attributes", s.handleReadAttributes)
						r.Get("/attributes/{attr}", s.handleReadAttribute)
						r.Get("/polling", s.handlePollingStatus)
					})

					r.Group(func(r chi.Router) {
						r.Use(s.require(auth.PermDeviceOperate))
						r.Post("/commands/{cmd}", s.handleCommand)
						r.Put("/attributes/{attr}", s.handleWriteAttribute)
					})

					r.Group(func(r chi.Router) {
						r.Use(s.require(auth.PermPollingManage))
						r.Post("/polling/{kind}/{obj}", s.handleAddPolling)
						r.Put("/polling/{kind}/{obj}", s.handleUpdatePolling)
						r.Delete("/polling/{kind}/{obj}", s.handleRemovePolling)
						r.Post("/polling/{kind}/{obj}/trigger", s.handleTriggerPolling)
						r.Post("/restart", s.handleRestart)
					})
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"bound":   s.boundHandler() != nil,
	})
}
