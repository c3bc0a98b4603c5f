// Package kioskapi exposes the one local HTTP surface a kiosk process
// needs beyond the Gateway contract: a scan-intake endpoint the room's
// HID/serial reader driver posts card and QR reads to (§4.7's "Reads
// card IDs (HID or serial)" leaves the physical reader driver out of
// scope, but something in-process has to receive its reads and hand
// them to the Locker State Manager). Grounded on the same chi
// Recoverer + log.Middleware composition as gatewayapi.Router and
// panelapi.Router, scaled down to a single route.
package kioskapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lockerfleet/locker-control/internal/lockererr"
	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/rfid"
)

// Server wires a single kiosk's RFID/QR Intake into an HTTP handler.
type Server struct {
	KioskID string
	Intake  *rfid.Intake
}

// NewServer constructs a Server for one kiosk's reader driver to post to.
func NewServer(kioskID string, intake *rfid.Intake) *Server {
	return &Server{KioskID: kioskID, Intake: intake}
}

// Router builds the chi mux for the kiosk's local scan-intake surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())
	r.Post("/scan", s.handleScan)
	return r
}

type scanRequest struct {
	Kind string `json:"kind"` // "rfid" or "device"
	UID  string `json:"uid"`
}

type scanResponse struct {
	Debounced bool `json:"debounced"`
	Released  bool `json:"released"`
	LockerID  int  `json:"locker_id,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleScan implements the reader driver's POST /scan contract: decode
// one raw presentation, dispatch it through rfid.Intake, and report
// back enough for the kiosk UI to render a localized result (§4.7,
// §7: "a failed RFID flow shows a localized message derived from the
// error kind, never from raw hardware text").
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "validation", Message: "uid is required"})
		return
	}

	kind := rfid.ScanRFID
	if req.Kind == "device" {
		kind = rfid.ScanDevice
	}

	result, err := s.Intake.Handle(r.Context(), rfid.Scan{KioskID: s.KioskID, Kind: kind, UID: req.UID})
	if err != nil {
		writeJSON(w, lockererr.HTTPStatus(err), errorResponse{
			Code:    lockererr.Code(err),
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, scanResponse{
		Debounced: result.Debounced,
		Released:  result.Released,
		LockerID:  result.Locker.ID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
