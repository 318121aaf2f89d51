package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", s.handleListGateways)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetGateway)
				r.Post("/connect", s.handleConnectGateway)
				r.Post("/disconnect", s.handleDisconnectGateway)
				r.Post("/sync", s.handleSyncGateway)
				r.Get("/devices", s.handleListInventory)

				r.Route("/locks", func(r chi.Router) {
					r.Get("/", s.handleListLocks)
					r.Get("/{deviceId}", s.handleGetLock)
					r.Post("/{deviceId}/commands", s.handleDeviceCommand)
					r.Get("/{deviceId}/keys", s.handleListKeys)
				})
			})
		})

		r.Route("/commands", func(r chi.Router) {
			r.Get("/", s.handleListCommands)
			r.Post("/", s.handleEnqueueCommand)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCommand)
				r.Get("/attempts", s.handleCommandAttempts)
				r.Post("/retry", s.handleRetryCommand)
				r.Post("/requeue", s.handleRequeueCommand)
				r.Post("/cancel", s.handleCancelCommand)
				r.Post("/execute", s.handleExecuteCommand)
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	statuses := s.manager.Statuses()
	for _, st := range statuses {
		if st.State == connection.StateConnected {
			connected++
		}
	}
	resp := map[string]any{
		"status":             "ok",
		"version":            s.version,
		"gateways":           len(statuses),
		"gateways_connected": connected,
		"command_queue":      s.queue != nil && s.queue.Available(),
		"ws_clients":         s.hub.ClientCount(),
	}
	if s.inventory != nil {
		resp["devices_cached"] = s.inventory.GetStats().TotalDevices
	}
	writeJSON(w, http.StatusOK, resp)
}
