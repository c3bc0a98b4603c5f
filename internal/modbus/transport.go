package modbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/time/rate"
)

// Port is the minimal transport surface the Mailbox drives. Satisfied by
// go.bug.st/serial.Port in production and a fake in tests.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// OpenSerialPort opens a physical RS-485 port at the given device path
// with the bus parameters from config.ModbusConfig.
func OpenSerialPort(device string, baud int, parity string, readTimeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   parseParity(parity),
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("modbus: open serial port %s: %w", device, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("modbus: set read timeout: %w", err)
	}
	return p, nil
}

func parseParity(p string) serial.Parity {
	switch p {
	case "even":
		return serial.EvenParity
	case "odd":
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

// interCharGap returns the minimum inter-frame gap for a given baud rate:
// 3.5 character times, 11 bits/char at 8N1 (§4.6).
func interCharGap(baud int) time.Duration {
	if baud <= 0 {
		baud = 9600
	}
	charTime := time.Second * 11 / time.Duration(baud)
	gap := time.Duration(float64(charTime) * 3.5)
	if gap < time.Millisecond {
		gap = time.Millisecond
	}
	return gap
}

// Mailbox serializes all frame exchanges on a single port: exactly one
// in-flight request/response pair at a time, with the bus's minimum
// inter-frame gap enforced between sends regardless of caller
// concurrency (§4.6: "frames are serialized through a single mailbox").
type Mailbox struct {
	mu          sync.Mutex
	port        Port
	limiter     *rate.Limiter
	readTimeout time.Duration
}

// NewMailbox wraps port with the bus pacing computed from baud.
func NewMailbox(port Port, baud int, readTimeout time.Duration) *Mailbox {
	gap := interCharGap(baud)
	return &Mailbox{
		port:        port,
		limiter:     rate.NewLimiter(rate.Every(gap), 1),
		readTimeout: readTimeout,
	}
}

// Exchange sends req and reads up to maxResp bytes of response, holding
// the mailbox lock for the full round trip so no other caller's frame can
// interleave.
func (m *Mailbox) Exchange(req []byte, maxResp int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.limiter.Wait(context.Background()); err != nil {
		return nil, fmt.Errorf("modbus: inter-frame pacing: %w", err)
	}

	if _, err := m.port.Write(req); err != nil {
		return nil, fmt.Errorf("modbus: write frame: %w", err)
	}

	buf := make([]byte, maxResp)
	n, err := m.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("modbus: read response: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("modbus: no response (timeout)")
	}
	return buf[:n], nil
}
