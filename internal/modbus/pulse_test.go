package modbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory Port that answers writes from a queue of canned
// responses (or errors), letting tests drive the retry/fallback paths
// without real hardware.
type fakePort struct {
	mu        sync.Mutex
	responses []func(req []byte) ([]byte, error)
	calls     [][]byte
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), b...)
	p.calls = append(p.calls, cp)
	return len(b), nil
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 || len(p.responses) == 0 {
		return 0, errors.New("fakePort: no request recorded")
	}
	req := p.calls[len(p.calls)-1]
	idx := len(p.calls) - 1
	if idx >= len(p.responses) {
		return 0, errors.New("fakePort: response queue exhausted")
	}
	resp, err := p.responses[idx](req)
	if err != nil {
		return 0, err
	}
	n := copy(buf, resp)
	return n, nil
}

func (p *fakePort) Close() error                          { return nil }
func (p *fakePort) SetReadTimeout(time.Duration) error     { return nil }

func echoSuccess(req []byte) ([]byte, error) {
	// Echo slave+function+address, valid for 0x05/0x0F acknowledgements.
	resp := append([]byte(nil), req[:6]...)
	crc := CRC16(resp)
	return append(resp, byte(crc&0xFF), byte(crc>>8)), nil
}

func timeoutResponse([]byte) ([]byte, error) {
	return nil, errors.New("i/o timeout")
}

func newTestActuator(t *testing.T, port *fakePort, cfg PulseConfig) *Actuator {
	t.Helper()
	cfg.PulseDuration = time.Millisecond
	cfg.RetrySpacing = time.Millisecond
	mb := NewMailbox(port, 115200, time.Millisecond)
	return NewActuator(mb, cfg)
}

func TestPulsePrefersMultipleCoilsWhenConfigured(t *testing.T) {
	port := &fakePort{responses: []func([]byte) ([]byte, error){
		echoSuccess, // ON via 0x0F
		echoSuccess, // OFF via 0x0F
	}}
	a := newTestActuator(t, port, PulseConfig{UseMultipleCoils: true})

	res, err := a.Pulse(1, 0)
	require.NoError(t, err)
	assert.Equal(t, FuncWriteMultipleCoils, res.UsedFunction)
}

func TestPulseFallsBackToSingleCoilOnTimeout(t *testing.T) {
	port := &fakePort{responses: []func([]byte) ([]byte, error){
		timeoutResponse, timeoutResponse, timeoutResponse, // 0x0F exhausts its retries
		echoSuccess, // 0x05 ON succeeds
		echoSuccess, // 0x05 OFF (same function as ON)
	}}
	a := newTestActuator(t, port, PulseConfig{UseMultipleCoils: true, MaxFrameRetries: 2})

	res, err := a.Pulse(1, 0)
	require.NoError(t, err)
	assert.Equal(t, FuncWriteSingleCoil, res.UsedFunction)
}

func TestPulseOFFFailureReturnsHardwareError(t *testing.T) {
	port := &fakePort{responses: []func([]byte) ([]byte, error){
		echoSuccess,       // ON succeeds
		timeoutResponse, timeoutResponse, timeoutResponse, // OFF exhausts retries
	}}
	a := newTestActuator(t, port, PulseConfig{UseMultipleCoils: true, MaxFrameRetries: 2})

	_, err := a.Pulse(1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay_stuck_open")
}

func TestPulseRetriesBeforeFailing(t *testing.T) {
	port := &fakePort{responses: []func([]byte) ([]byte, error){
		timeoutResponse, echoSuccess, // 0x0F: 1 failure then success
		echoSuccess,                  // OFF
	}}
	a := newTestActuator(t, port, PulseConfig{UseMultipleCoils: true, MaxFrameRetries: 2})

	res, err := a.Pulse(1, 0)
	require.NoError(t, err)
	assert.Equal(t, FuncWriteMultipleCoils, res.UsedFunction)
}

func TestPulseVerificationMismatchWarnsWithoutFailing(t *testing.T) {
	onStillSet := func(req []byte) ([]byte, error) {
		// Read-coils response: byte count=1, coil bit set (still ON).
		body := []byte{req[0], FuncReadCoils, 0x01, 0x01}
		crc := CRC16(body)
		return append(body, byte(crc&0xFF), byte(crc>>8)), nil
	}
	port := &fakePort{responses: []func([]byte) ([]byte, error){
		echoSuccess, // ON
		echoSuccess, // OFF
		onStillSet,  // read-back says still on
	}}
	a := newTestActuator(t, port, PulseConfig{UseMultipleCoils: true, VerifyWrites: true})

	res, err := a.Pulse(1, 0)
	require.NoError(t, err, "verification mismatch must not fail the pulse")
	assert.True(t, res.VerificationWarn)
}
