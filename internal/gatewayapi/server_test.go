package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/locker-control/internal/bus"
	"github.com/lockerfleet/locker-control/internal/heartbeat"
	"github.com/lockerfleet/locker-control/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "lockers.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mon := heartbeat.NewMonitor(st, heartbeat.DefaultConfig())
	return NewServer(st, bus.NewMemoryBus(), mon, nil), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-CSRF-Token", "test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleEnqueue_AcceptsAndIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	body := enqueueRequest{
		KioskID: "KIOSK-1",
		Type:    store.CommandOpenLocker,
		Payload: store.CommandPayload{LockerID: intPtr(7), StaffUser: "alice", Reason: "test"},
	}

	rec := doJSON(t, router, http.MethodPost, "/commands", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var first enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "accepted", first.Status)
	assert.NotEmpty(t, first.CommandID)

	body.CommandID = &first.CommandID
	rec2 := doJSON(t, router, http.MethodPost, "/commands", body)
	assert.Equal(t, http.StatusConflict, rec2.Code)

	var second enqueueResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	assert.Equal(t, "duplicate", second.Status)
	assert.Equal(t, first.CommandID, second.CommandID)
}

func TestHandleEnqueue_DifferingPayloadConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	commandID := "fixed-id"
	first := enqueueRequest{
		KioskID:   "KIOSK-1",
		Type:      store.CommandOpenLocker,
		Payload:   store.CommandPayload{LockerID: intPtr(1), Reason: "a"},
		CommandID: &commandID,
	}
	rec := doJSON(t, router, http.MethodPost, "/commands", first)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	second := first
	second.Payload = store.CommandPayload{LockerID: intPtr(2), Reason: "b"}
	rec2 := doJSON(t, router, http.MethodPost, "/commands", second)
	assert.Equal(t, http.StatusConflict, rec2.Code)

	var errBody errorResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &errBody))
	assert.Equal(t, "conflict", errBody.Code)
}

func TestHandleGetCommand_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/commands/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errBody errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "not_found", errBody.Code)
}

func TestHandleCancel_TerminalConflicts(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	result, err := st.Enqueue(context.Background(), "cancel-me", "KIOSK-1", store.CommandOpenLocker,
		store.CommandPayload{LockerID: intPtr(3)}, 3)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/commands/"+result.Command.CommandID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec2 := doJSON(t, router, http.MethodPost, "/commands/"+result.Command.CommandID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestHandleClaim_ReturnsNoContentWhenEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/kiosks/KIOSK-1/commands/claim", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleHeartbeat_AutoProvisionsOnFirstContact(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/kiosks/KIOSK-9/heartbeat", heartbeatRequest{
		KioskID:      "KIOSK-9",
		Version:      "1.0.0",
		Zone:         "east",
		ChannelCount: 16,
		HardwareOK:   true,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	lockers, err := st.ListLockers(context.Background(), "KIOSK-9")
	require.NoError(t, err)
	assert.Len(t, lockers, 16)

	// A second heartbeat with a different channel count must not resize
	// the already-provisioned fleet.
	rec2 := doJSON(t, router, http.MethodPost, "/kiosks/KIOSK-9/heartbeat", heartbeatRequest{
		KioskID: "KIOSK-9", ChannelCount: 32,
	})
	assert.Equal(t, http.StatusOK, rec2.Code)

	lockers2, err := st.ListLockers(context.Background(), "KIOSK-9")
	require.NoError(t, err)
	assert.Len(t, lockers2, 16)
}

func TestHandleListKiosks(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	doJSON(t, router, http.MethodPost, "/kiosks/KIOSK-1/heartbeat", heartbeatRequest{Version: "1.0.0", Zone: "z"})

	rec := doJSON(t, router, http.MethodGet, "/kiosks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var kiosks []kioskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &kiosks))
	require.Len(t, kiosks, 1)
	assert.Equal(t, "KIOSK-1", kiosks[0].KioskID)
	assert.Equal(t, "online", kiosks[0].Status)
}

func TestRequireCSRF_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/commands", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func intPtr(v int) *int { return &v }
