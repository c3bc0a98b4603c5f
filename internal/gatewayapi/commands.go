package gatewayapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lockerfleet/locker-control/internal/bus"
	"github.com/lockerfleet/locker-control/internal/lockererr"
	"github.com/lockerfleet/locker-control/internal/metrics"
	"github.com/lockerfleet/locker-control/internal/store"
)

// enqueueRequest is the body of POST /commands (§4.8).
type enqueueRequest struct {
	KioskID   string              `json:"kiosk_id"`
	Type      store.CommandType   `json:"type"`
	Payload   store.CommandPayload `json:"payload"`
	CommandID *string             `json:"command_id,omitempty"`
}

func batchSize(p store.CommandPayload) int {
	switch {
	case len(p.LockerIDs) > 0:
		return len(p.LockerIDs)
	default:
		return 1
	}
}

// handleEnqueue implements POST /commands: idempotent-by-command_id
// insert with per-kiosk queue-depth backpressure (§5, §8.11). Bulk
// commands count as one row but inflate the depth check by their batch
// size, per §5's "bulk opens count as a single row but inflate the
// threshold by their batch size for this check".
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed JSON body")
		return
	}
	if req.KioskID == "" {
		badRequest(w, "kiosk_id is required")
		return
	}
	switch req.Type {
	case store.CommandOpenLocker, store.CommandBulkOpen, store.CommandBlock, store.CommandUnblock:
	default:
		badRequest(w, "unknown command type")
		return
	}

	ctx := r.Context()
	cfg := s.cfg()

	active, err := s.Store.CountActive(ctx, req.KioskID)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueDepth.WithLabelValues(req.KioskID).Set(float64(active))
	limit := cfg.Queue.PerKioskDepthLimit
	if limit <= 0 {
		limit = 100
	}
	if active+batchSize(req.Payload) > limit {
		metrics.QueueEnqueueTotal.WithLabelValues("rejected_backpressure").Inc()
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Code:    "queue_depth_exceeded",
			Message: "kiosk command queue is at capacity",
		})
		return
	}

	commandID := newCommandID()
	if req.CommandID != nil && *req.CommandID != "" {
		commandID = *req.CommandID
	}

	maxRetries := cfg.Queue.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	result, err := s.Store.Enqueue(ctx, commandID, req.KioskID, req.Type, req.Payload, maxRetries)
	if err != nil {
		metrics.QueueEnqueueTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}

	if result.Duplicate {
		if !samePayload(result.Command.Payload, req.Payload) || result.Command.Type != req.Type {
			metrics.QueueEnqueueTotal.WithLabelValues("conflict").Inc()
			writeJSON(w, http.StatusConflict, errorResponse{
				Code:    string(lockererr.KindConflict),
				Message: "command_id already used with a different payload",
			})
			return
		}
		metrics.QueueEnqueueTotal.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusConflict, enqueueResponse{CommandID: commandID, Status: "duplicate"})
		return
	}

	metrics.QueueEnqueueTotal.WithLabelValues("accepted").Inc()
	if s.Bus != nil {
		_ = s.Bus.Publish(ctx, bus.KioskCommandsTopic(req.KioskID), bus.Message{
			Topic:   bus.KioskCommandsTopic(req.KioskID),
			Payload: req.KioskID,
		})
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{CommandID: commandID, Status: "accepted"})
}

func samePayload(a, b store.CommandPayload) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// handleGetCommand implements GET /commands/{command_id}.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "command_id")
	c, err := s.Store.GetCommand(r.Context(), id)
	if err != nil {
		if lockererr.Code(err) == string(lockererr.KindNotFound) {
			notFound(w, "Command not found")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandStatusResponse(c))
}

// handleCancel implements POST /commands/{command_id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "command_id")
	if err := s.Store.Cancel(r.Context(), id); err != nil {
		if lockererr.Code(err) == string(lockererr.KindNotFound) {
			notFound(w, "Command not found")
			return
		}
		writeError(w, err)
		return
	}
	c, err := s.Store.GetCommand(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandStatusResponse(c))
}

// handleListPending implements GET /kiosks/{kiosk_id}/commands?limit=N:
// long-poll or immediate, woken by the Bus as soon as a pending row
// appears, with a 25s server-side deadline (§5). It never claims — a
// separate POST .../claim runs claimNext server-side (§4.8).
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kiosk_id")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	pending, err := s.Store.ListPending(r.Context(), kioskID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(pending) > 0 || s.Bus == nil {
		writePendingList(w, pending)
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), longPollDeadline)
	defer cancel()

	sub, err := s.Bus.Subscribe(ctx, bus.KioskCommandsTopic(kioskID))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	select {
	case <-sub.C():
		pending, err = s.Store.ListPending(r.Context(), kioskID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writePendingList(w, pending)
	case <-ctx.Done():
		writePendingList(w, nil)
	}
}

func writePendingList(w http.ResponseWriter, pending []store.Command) {
	out := make([]commandStatusResponse, 0, len(pending))
	for _, c := range pending {
		out = append(out, toCommandStatusResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleClaim implements POST /kiosks/{kiosk_id}/commands/claim, running
// claimNext server-side (§4.8).
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kiosk_id")
	c, err := s.Store.ClaimNext(r.Context(), kioskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toCommandStatusResponse(*c))
}
