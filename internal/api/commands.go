package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skatamatic/blulok-cloud-sub006/internal/commandqueue"
)

// handleEnqueueCommand accepts a command for durable delivery. Re-submitting
// a command whose idempotency key is still active returns the existing one.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var nc commandqueue.NewCommand
	if err := json.NewDecoder(r.Body).Decode(&nc); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	switch nc.CommandType {
	case commandqueue.CommandAddKey, commandqueue.CommandRevokeKey:
	default:
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation,
			"commandType must be ADD_KEY or REVOKE_KEY")
		return
	}

	cmd, err := s.manager.Enqueue(r.Context(), nc)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if cmd == nil {
		writeUnavailable(w, "command queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

// handleListCommands lists commands, newest first.
//
// Query parameters: status (comma-separated), gateway_id, device_id, limit.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := commandqueue.Filter{
		GatewayID: q.Get("gateway_id"),
		DeviceID:  q.Get("device_id"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := commandqueue.Status(strings.TrimSpace(part))
			if !st.Valid() {
				writeBadRequest(w, "unknown status: "+string(st))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"commands": []commandqueue.Command{}, "count": 0})
		return
	}
	cmds, err := s.queue.List(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeUnavailable(w, "command queue unavailable")
		return
	}
	cmd, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCommandAttempts(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeUnavailable(w, "command queue unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.queue.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	attempts, err := s.queue.Attempts(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// handleRetryCommand makes a command due now. Dead-lettered commands are
// re-queued with a fresh attempt budget.
func (s *Server) handleRetryCommand(w http.ResponseWriter, r *http.Request) {
	s.transitionCommand(w, r, s.queue.RetryNow)
}

func (s *Server) handleRequeueCommand(w http.ResponseWriter, r *http.Request) {
	s.transitionCommand(w, r, s.queue.RequeueDead)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	s.transitionCommand(w, r, s.queue.Cancel)
}

// handleExecuteCommand runs one command immediately, outside the dispatcher's
// poll loop, and returns its updated state.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeUnavailable(w, "command dispatcher not running")
		return
	}
	cmd, err := s.dispatcher.ExecuteNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) transitionCommand(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	if s.queue == nil {
		writeUnavailable(w, "command queue unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	cmd, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
