package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homelink-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes, scoped to the token's tenant
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(requirePermission(auth.PermSystemRead)).Get("/stats", s.handleStats)
			r.With(requirePermission(auth.PermSystemRead)).Get("/stats/connections", s.handleConnectionStats)

			r.Route("/devices", func(r chi.Router) {
				r.With(requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(requirePermission(auth.PermDeviceConfigure)).Post("/", s.handleCreateDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.With(requirePermission(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(requirePermission(auth.PermDeviceConfigure)).Delete("/", s.handleDeleteDevice)
					r.With(requirePermission(auth.PermDeviceRead)).Get("/capabilities", s.handleGetCapabilities)
					r.With(requirePermission(auth.PermDeviceOperate)).Post("/commands", s.handleSendCommand)
					r.With(requirePermission(auth.PermDeviceRead)).Get("/history", s.handleGetStateHistory)
				})
			})

			r.Route("/rules", func(r chi.Router) {
				r.With(requirePermission(auth.PermRuleRead)).Get("/", s.handleListRules)
				r.With(requirePermission(auth.PermRuleManage)).Post("/", s.handleCreateRule)

				r.Route("/{id}", func(r chi.Router) {
					r.With(requirePermission(auth.PermRuleRead)).Get("/", s.handleGetRule)
					r.With(requirePermission(auth.PermRuleManage)).Put("/", s.handleUpdateRule)
					r.With(requirePermission(auth.PermRuleManage)).Delete("/", s.handleDeleteRule)
					r.With(requirePermission(auth.PermRuleTrigger)).Post("/trigger", s.handleTriggerRule)
					r.With(requirePermission(auth.PermRuleRead)).Get("/executions", s.handleListRuleExecutions)
				})
			})

			r.Route("/scenes", func(r chi.Router) {
				r.With(requirePermission(auth.PermSceneRead)).Get("/", s.handleListScenes)
				r.With(requirePermission(auth.PermSceneManage)).Post("/", s.handleCreateScene)

				r.Route("/{id}", func(r chi.Router) {
					r.With(requirePermission(auth.PermSceneRead)).Get("/", s.handleGetScene)
					r.With(requirePermission(auth.PermSceneManage)).Put("/", s.handleUpdateScene)
					r.With(requirePermission(auth.PermSceneManage)).Delete("/", s.handleDeleteScene)
					r.With(requirePermission(auth.PermSceneExecute)).Post("/activate", s.handleActivateScene)
					r.With(requirePermission(auth.PermSceneRead)).Get("/executions", s.handleListSceneExecutions)
				})
			})

			r.Route("/bridges", func(r chi.Router) {
				r.With(requirePermission(auth.PermBridgeRead)).Get("/", s.handleListBridges)
				r.With(requirePermission(auth.PermBridgeManage)).Post("/{vendor}/start", s.handleStartBridge)
				r.With(requirePermission(auth.PermBridgeManage)).Post("/{vendor}/stop", s.handleStopBridge)
			})

			r.With(requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAuditLogs)

			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
