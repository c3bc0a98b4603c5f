package modbus

import (
	"errors"
	"time"

	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/lockererr"
)

// PulseConfig controls one actuator's timing and verification behavior.
type PulseConfig struct {
	PulseDuration    time.Duration
	MaxFrameRetries  int // per-frame retries, §4.6: up to 2
	RetrySpacing     time.Duration
	UseMultipleCoils bool
	VerifyWrites     bool
}

// DefaultPulseConfig returns §4.6's defaults.
func DefaultPulseConfig() PulseConfig {
	return PulseConfig{
		PulseDuration:    400 * time.Millisecond,
		MaxFrameRetries:  2,
		RetrySpacing:     100 * time.Millisecond,
		UseMultipleCoils: true,
	}
}

func clampPulseDuration(d time.Duration) time.Duration {
	switch {
	case d < 100*time.Millisecond:
		return 100 * time.Millisecond
	case d > 2*time.Second:
		return 2 * time.Second
	default:
		return d
	}
}

// Actuator drives a single bus's Mailbox through the pulse sequence.
type Actuator struct {
	Mailbox *Mailbox
	Health  *Health
	Cfg     PulseConfig
}

// NewActuator constructs an Actuator with defaults filled in.
func NewActuator(mb *Mailbox, cfg PulseConfig) *Actuator {
	if cfg.PulseDuration <= 0 {
		cfg = DefaultPulseConfig()
	}
	cfg.PulseDuration = clampPulseDuration(cfg.PulseDuration)
	if cfg.MaxFrameRetries < 0 {
		cfg.MaxFrameRetries = 0
	}
	if cfg.RetrySpacing <= 0 {
		cfg.RetrySpacing = 100 * time.Millisecond
	}
	return &Actuator{Mailbox: mb, Health: NewHealth(), Cfg: cfg}
}

// PulseResult reports what happened, including a verification mismatch
// that did not itself fail the pulse (§4.6 step 5).
type PulseResult struct {
	UsedFunction      byte
	VerificationWarn  bool
	VerificationError error
}

// Pulse drives coilAddr ON, holds for PulseDuration, then OFF, following
// §4.6's sequence: preferred 0x0F with 0x05 fallback on timeout/CRC/
// exception, retries per frame, and OFF failure transitions to a hard
// relay_stuck_open error rather than being retried indefinitely.
func (a *Actuator) Pulse(slave byte, coilAddr int) (PulseResult, error) {
	logger := log.WithComponent("modbus.actuator")

	usedFunc, err := a.writeCoil(slave, coilAddr, true)
	if err != nil {
		a.Health.Record(err)
		return PulseResult{}, lockererr.New(lockererr.KindHardware, "failed to energize coil", err)
	}

	time.Sleep(a.Cfg.PulseDuration)

	if err := a.writeCoilWithFunction(slave, coilAddr, false, usedFunc); err != nil {
		a.Health.Record(err)
		logger.Error().Err(err).Int("coil", coilAddr).Msg("relay_stuck_open")
		return PulseResult{UsedFunction: usedFunc}, lockererr.New(lockererr.KindHardware, "relay_stuck_open", err)
	}

	result := PulseResult{UsedFunction: usedFunc}
	if a.Cfg.VerifyWrites {
		on, verr := a.readCoil(slave, coilAddr)
		if verr != nil {
			result.VerificationWarn = true
			result.VerificationError = verr
			logger.Warn().Err(verr).Int("coil", coilAddr).Msg("read-back verification failed")
		} else if on {
			result.VerificationWarn = true
			logger.Warn().Int("coil", coilAddr).Msg("read-back verification mismatch: coil still reports ON")
		}
	}

	a.Health.Record(nil)
	return result, nil
}

// writeCoil attempts the preferred function (0x0F if configured) and
// falls back to 0x05 on timeout/CRC/exception, without counting the
// fallback itself as a retry (§4.6: "a single alternative attempt").
func (a *Actuator) writeCoil(slave byte, coilAddr int, on bool) (byte, error) {
	if a.Cfg.UseMultipleCoils {
		if err := a.tryFunction(FuncWriteMultipleCoils, slave, coilAddr, on); err == nil {
			return FuncWriteMultipleCoils, nil
		}
	}
	if err := a.tryFunction(FuncWriteSingleCoil, slave, coilAddr, on); err != nil {
		return 0, err
	}
	return FuncWriteSingleCoil, nil
}

// writeCoilWithFunction repeats the same function used for the ON write,
// so the OFF write doesn't silently change paths mid-pulse.
func (a *Actuator) writeCoilWithFunction(slave byte, coilAddr int, on bool, function byte) error {
	return a.tryFunction(function, slave, coilAddr, on)
}

func (a *Actuator) tryFunction(function byte, slave byte, coilAddr int, on bool) error {
	var req []byte
	switch function {
	case FuncWriteMultipleCoils:
		req = BuildWriteMultipleCoils(slave, coilAddr, on)
	default:
		req = BuildWriteSingleCoil(slave, coilAddr, on)
	}

	var lastErr error
	for attempt := 0; attempt <= a.Cfg.MaxFrameRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.Cfg.RetrySpacing)
		}
		resp, err := a.Mailbox.Exchange(req, 8)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := VerifyResponse(resp); err != nil {
			lastErr = err
			var exc ErrExceptionResponse
			if errors.As(err, &exc) {
				// An exception response (e.g. illegal function/address)
				// will not succeed on retry; surface it immediately so
				// the caller's fallback can run instead of burning
				// retries on a guaranteed-repeat failure.
				return lastErr
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (a *Actuator) readCoil(slave byte, coilAddr int) (bool, error) {
	req := BuildReadCoils(slave, coilAddr)
	resp, err := a.Mailbox.Exchange(req, 8)
	if err != nil {
		return false, err
	}
	if _, err := VerifyResponse(resp); err != nil {
		return false, err
	}
	return ParseCoilValue(resp)
}
