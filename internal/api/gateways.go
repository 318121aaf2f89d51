package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

// gatewayDetail is the response of GET /gateways/{id}.
type gatewayDetail struct {
	Config       gateway.Config       `json:"config"`
	Capabilities gateway.Capabilities `json:"capabilities"`
	Status       gateway.Status       `json:"status"`
	Devices      []gateway.DeviceInfo `json:"devices"`
}

// deviceCommandRequest is the body of POST /gateways/{id}/locks/{deviceId}/commands.
type deviceCommandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// handleListGateways returns every managed gateway's status.
func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	statuses := s.manager.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": statuses,
		"count":    len(statuses),
	})
}

// handleGetGateway returns configuration, capabilities, status and the
// locally registered devices of one gateway.
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	gw, err := s.manager.Gateway(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gatewayDetail{
		Config:       gw.Config(),
		Capabilities: gw.Capabilities(),
		Status:       gw.Status(),
		Devices:      gw.Devices(),
	})
}

func (s *Server) handleConnectGateway(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Connect(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeGatewayStatus(w, r, id)
}

func (s *Server) handleDisconnectGateway(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Disconnect(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeGatewayStatus(w, r, id)
}

// handleSyncGateway runs one reconciliation pass and returns its result.
func (s *Server) handleSyncGateway(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.SyncGateway(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListInventory returns the synchronized device records of a gateway,
// as opposed to handleListLocks which asks the gateway itself.
func (s *Server) handleListInventory(w http.ResponseWriter, r *http.Request) {
	if s.inventory == nil {
		writeUnavailable(w, "device inventory not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.manager.Gateway(id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	devices, err := s.inventory.FindByGateway(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) writeGatewayStatus(w http.ResponseWriter, r *http.Request, id string) {
	gw, err := s.manager.Gateway(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gw.Status())
}

// handleListLocks asks the gateway for every lock it manages.
func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.manager.GetAllLocks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if locks == nil {
		locks = []protocol.DeviceStatusPayload{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locks": locks,
		"count": len(locks),
	})
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.GetDeviceStatus(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "deviceId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeviceCommand runs a command on a lock synchronously. A refused or
// failed command answers 502 with the CommandResult as the body.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var req deviceCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	gatewayID := chi.URLParam(r, "id")
	if _, err := s.manager.Gateway(gatewayID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result := s.manager.ExecuteDeviceCommand(r.Context(), gatewayID, gateway.DeviceCommand{
		DeviceID:   chi.URLParam(r, "deviceId"),
		Command:    req.Command,
		Parameters: req.Parameters,
	})
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.manager.GetKeys(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "deviceId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if keys == nil {
		keys = []protocol.KeyPayload{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}
