package gatewayapi

import (
	"encoding/json"
	"net/http"

	"github.com/lockerfleet/locker-control/internal/lockererr"
	"github.com/lockerfleet/locker-control/internal/store"
)

// commandStatusResponse is the stable wire shape of §6's "Command status
// response", consumed by the Panel UI and polled by callers awaiting a
// terminal outcome.
type commandStatusResponse struct {
	CommandID   string  `json:"command_id"`
	Status      string  `json:"status"`
	CommandType string  `json:"command_type"`
	LockerID    *int    `json:"locker_id,omitempty"`
	LockerIDs   []int   `json:"locker_ids,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ExecutedAt  *string `json:"executed_at"`
	CompletedAt *string `json:"completed_at"`
	DurationMs  *int64  `json:"duration_ms"`
	LastError   *string `json:"last_error"`
	RetryCount  int     `json:"retry_count"`
}

func toCommandStatusResponse(c store.Command) commandStatusResponse {
	resp := commandStatusResponse{
		CommandID:   c.CommandID,
		Status:      string(c.Status),
		CommandType: string(c.Type),
		LockerID:    c.Payload.LockerID,
		LockerIDs:   c.Payload.LockerIDs,
		CreatedAt:   formatTime(c.CreatedAt),
		DurationMs:  c.DurationMs,
		LastError:   c.LastError,
		RetryCount:  c.RetryCount,
	}
	if c.ExecutedAt != nil {
		s := formatTime(*c.ExecutedAt)
		resp.ExecutedAt = &s
	}
	if c.CompletedAt != nil {
		s := formatTime(*c.CompletedAt)
		resp.CompletedAt = &s
	}
	return resp
}

func formatTime(t interface{ Format(string) string }) string {
	return t.Format(timeLayout)
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// enqueueResponse is §6's "Enqueue response" shape.
type enqueueResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"` // "accepted" | "duplicate"
}

// errorResponse is the {code, message} shape used for every non-2xx body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a lockererr.Kind to its HTTP status and emits the
// taxonomy's {code, message} body (§7).
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, lockererr.HTTPStatus(err), errorResponse{
		Code:    lockererr.Code(err),
		Message: errMessage(err),
	})
}

func errMessage(err error) string {
	if le, ok := err.(*lockererr.Error); ok {
		return le.Message
	}
	return "internal error"
}

func notFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, errorResponse{Code: "not_found", Message: message})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: string(lockererr.KindValidation), Message: message})
}
