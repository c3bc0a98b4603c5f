package panelapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type openRequest struct {
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason"`
}

// handleOpen implements POST /api/lockers/{kiosk_id}/{locker_id}/open
// (§4.9): enqueues open_locker with the caller's staff_user + reason.
// A second call for the same (kiosk_id, locker_id) within dedupWindow
// returns 409 with the already-in-flight command_id instead of enqueuing
// a second one, protecting against accidental double-clicks in the UI.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kiosk_id")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "locker_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "validation", Message: "locker_id must be an integer"})
		return
	}

	var req openRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	key := dedupKey(kioskID, lockerID)
	now := time.Now()

	s.mu.Lock()
	if existing, ok := s.recent[key]; ok && now.Before(existing.expires) {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, enqueueResponse{CommandID: existing.commandID, Status: "duplicate"})
		return
	}
	commandID := uuid.NewString()
	s.recent[key] = recentOpen{commandID: commandID, expires: now.Add(dedupWindow)}
	s.mu.Unlock()

	id := lockerID
	resp, status, err := s.gatewayEnqueue(r.Context(), enqueueRequest{
		KioskID:   kioskID,
		Type:      "open_locker",
		Payload:   commandPayload{LockerID: &id, StaffUser: req.StaffUser, Reason: req.Reason},
		CommandID: commandID,
	})
	if err != nil {
		gatewayUnavailable(w, err)
		return
	}
	writeJSON(w, status, resp)
}

func dedupKey(kioskID string, lockerID int) string {
	return kioskID + "/" + strconv.Itoa(lockerID)
}

type bulkOpenRequest struct {
	KioskID    string `json:"kiosk_id"`
	LockerIDs  []int  `json:"locker_ids"`
	IntervalMs int    `json:"interval_ms"`
	ExcludeVIP *bool  `json:"exclude_vip"`
	StaffUser  string `json:"staff_user"`
	Reason     string `json:"reason"`
}

// handleBulkOpen implements POST /api/lockers/bulk-open (§4.9). VIP
// lockers are excluded by default (exclude_vip defaults true when the
// caller omits the field); the executor clamps interval_ms again
// regardless, so the Panel's own clamp here is a courtesy echo of the
// bound the caller will actually observe, not the enforcement point.
func (s *Server) handleBulkOpen(w http.ResponseWriter, r *http.Request) {
	var req bulkOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "validation", Message: "malformed JSON body"})
		return
	}
	if req.KioskID == "" || len(req.LockerIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "validation", Message: "kiosk_id and locker_ids are required"})
		return
	}

	excludeVIP := true
	if req.ExcludeVIP != nil {
		excludeVIP = *req.ExcludeVIP
	}

	cfg := s.cfg()
	interval := clamp(req.IntervalMs, cfg.Queue.BulkInterval.MinMs, cfg.Queue.BulkInterval.MaxMs)

	resp, status, err := s.gatewayEnqueue(r.Context(), enqueueRequest{
		KioskID: req.KioskID,
		Type:    "bulk_open",
		Payload: commandPayload{
			LockerIDs:  req.LockerIDs,
			IntervalMs: interval,
			ExcludeVIP: excludeVIP,
			StaffUser:  req.StaffUser,
			Reason:     req.Reason,
		},
	})
	if err != nil {
		gatewayUnavailable(w, err)
		return
	}
	writeJSON(w, status, resp)
}

func clamp(v, min, max int) int {
	if min <= 0 {
		min = 300
	}
	if max <= 0 {
		max = 5000
	}
	switch {
	case v < min:
		return min
	case v > max:
		return max
	default:
		return v
	}
}

type blockRequest struct {
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason"`
}

// handleBlock implements POST /api/lockers/{kiosk_id}/{locker_id}/block.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.enqueueLockerCommand(w, r, "block")
}

// handleUnblock implements POST /api/lockers/{kiosk_id}/{locker_id}/unblock.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.enqueueLockerCommand(w, r, "unblock")
}

func (s *Server) enqueueLockerCommand(w http.ResponseWriter, r *http.Request, cmdType string) {
	kioskID := chi.URLParam(r, "kiosk_id")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "locker_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "validation", Message: "locker_id must be an integer"})
		return
	}

	var req blockRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := lockerID
	resp, status, err := s.gatewayEnqueue(r.Context(), enqueueRequest{
		KioskID: kioskID,
		Type:    cmdType,
		Payload: commandPayload{LockerID: &id, StaffUser: req.StaffUser, Reason: req.Reason},
	})
	if err != nil {
		gatewayUnavailable(w, err)
		return
	}
	writeJSON(w, status, resp)
}

// handleGetCommand implements GET /api/lockers/commands/{command_id},
// proxying /commands/{id} and forwarding the Gateway's response verbatim
// (§4.9: "returns a response of the shape described in §6").
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")
	body, status, err := s.gatewayGetCommand(r.Context(), commandID)
	if err != nil {
		gatewayUnavailable(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
