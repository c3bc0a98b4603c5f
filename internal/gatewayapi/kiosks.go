package gatewayapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/metrics"
)

// heartbeatRequest is §6's heartbeat payload. LastCommandAt is accepted
// but not persisted: the Command Queue is already the authoritative
// source for a kiosk's last executed command, so this field is logged
// for diagnostics only rather than duplicated into the heartbeat row.
type heartbeatRequest struct {
	KioskID       string `json:"kiosk_id"`
	Version       string `json:"version"`
	Zone          string `json:"zone"`
	ChannelCount  int    `json:"channel_count"`
	HardwareOK    bool   `json:"hardware_ok"`
	LastCommandAt string `json:"last_command_at,omitempty"`
}

// handleHeartbeat implements POST /kiosks/{kiosk_id}/heartbeat (§4.4,
// §4.8). On a kiosk's first heartbeat, it also provisions lockers
// 1..channel_count if none exist yet for that kiosk, per §3's lifecycle
// rule ("Locker: created by provisioning when a kiosk first announces its
// channel count").
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kiosk_id")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed JSON body")
		return
	}

	ctx := r.Context()
	if err := s.Heartbeat.Ingest(ctx, kioskID, req.Version, req.Zone, req.HardwareOK); err != nil {
		writeError(w, err)
		return
	}
	metrics.KioskHeartbeatStatus.WithLabelValues(kioskID).Set(metrics.HealthStatusValue("online"))

	if req.ChannelCount > 0 {
		provisioned, err := s.Store.ProvisionIfEmpty(ctx, kioskID, req.ChannelCount)
		if err != nil {
			writeError(w, err)
			return
		}
		if provisioned > 0 {
			log.WithComponent("gatewayapi").Info().
				Str("kiosk_id", kioskID).Int("channel_count", provisioned).
				Msg("auto-provisioned lockers from first heartbeat")
		}
	}

	if req.LastCommandAt != "" {
		log.WithComponent("gatewayapi").Debug().
			Str("kiosk_id", kioskID).Str("last_command_at", req.LastCommandAt).Msg("heartbeat last_command_at")
	}

	w.WriteHeader(http.StatusOK)
}

type kioskStatusResponse struct {
	KioskID    string `json:"kiosk_id"`
	Version    string `json:"version"`
	Zone       string `json:"zone"`
	Status     string `json:"status"`
	HardwareOK bool   `json:"hardware_ok"`
	LastSeen   string `json:"last_seen"`
}

// handleListKiosks implements GET /kiosks (§4.8).
func (s *Server) handleListKiosks(w http.ResponseWriter, r *http.Request) {
	kiosks, err := s.Store.ListHeartbeats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]kioskStatusResponse, 0, len(kiosks))
	for _, k := range kiosks {
		out = append(out, kioskStatusResponse{
			KioskID:    k.KioskID,
			Version:    k.Version,
			Zone:       k.Zone,
			Status:     string(k.Status),
			HardwareOK: k.HardwareOK,
			LastSeen:   formatTime(k.LastSeen),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
