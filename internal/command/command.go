// Package command implements the Command Surface (C6): validated,
// retried operations against a drive, sitting between the External Adapter
// and the Bus Arbiter.
package command

import (
	"context"
	"time"

	"github.com/levitree/vfdgw/internal/bus"
	"github.com/levitree/vfdgw/internal/codec"
	"github.com/levitree/vfdgw/internal/registry"
	"github.com/levitree/vfdgw/internal/transport"
	"github.com/levitree/vfdgw/internal/vfd"
)

const (
	maxAttempts    = 10
	retryUnit      = 100 * time.Millisecond
	maxFrequencyHz = 120.0
)

// Surface is the façade every external command passes through. It enforces
// I3 (frequency bounds), translates unsupported models and unknown drives
// into the spec.md §7 taxonomy, and applies the bounded retry policy
// (§4.5.3) around every bus write.
type Surface struct {
	reg *registry.Registry
	arb *bus.Arbiter
}

// New builds a Surface over reg and arb.
func New(reg *registry.Registry, arb *bus.Arbiter) *Surface {
	return &Surface{reg: reg, arb: arb}
}

func (s *Surface) drive(id string) (vfd.Drive, error) {
	d, err := s.reg.Descriptor(id)
	if err != nil {
		return vfd.Drive{}, err
	}
	if d.Model != vfd.ModelFrenic {
		return vfd.Drive{}, vfd.ErrUnsupportedModel
	}
	return d, nil
}

// SetFrequency validates freqHz against [0, 120] Hz, narrowed to
// [0, max_frequency] once the mirror holds a non-zero max_frequency, writes
// S05, and on success sets tgt_frequency on the mirror (I4, optimistic write).
func (s *Surface) SetFrequency(ctx context.Context, id string, freqHz float64) error {
	d, err := s.drive(id)
	if err != nil {
		return err
	}
	st, err := s.reg.State(id)
	if err != nil {
		return err
	}
	ceiling := maxFrequencyHz
	if st.MaxFrequency > 0 && float64(st.MaxFrequency) < ceiling {
		ceiling = float64(st.MaxFrequency)
	}
	if freqHz < 0 || freqHz > ceiling {
		return vfd.ErrInvalidCommand
	}

	addr, err := codec.EncodeAddress("S05")
	if err != nil {
		return vfd.ErrInvalidCommand
	}
	value := codec.EncodeFrequencyCommand(freqHz)

	if err := s.writeWithRetry(ctx, d, addr, value); err != nil {
		return err
	}
	st.TgtFrequency = freqHz
	return s.reg.UpdateState(id, st)
}

// modeCommandValue maps a commandable DriveMode to its S06 write value.
// OFFLINE (and anything else) is rejected as InvalidCommand (P3).
func modeCommandValue(mode vfd.DriveMode) (uint16, error) {
	switch mode {
	case vfd.ModeStop:
		return 0, nil
	case vfd.ModeForward:
		return 1, nil
	case vfd.ModeReverse:
		return 2, nil
	default:
		return 0, vfd.ErrInvalidCommand
	}
}

// SetDriveMode writes S06 and on success sets tgt_drive_mode on the mirror.
func (s *Surface) SetDriveMode(ctx context.Context, id string, mode vfd.DriveMode) error {
	d, err := s.drive(id)
	if err != nil {
		return err
	}
	value, err := modeCommandValue(mode)
	if err != nil {
		return err
	}
	addr, err := codec.EncodeAddress("S06")
	if err != nil {
		return vfd.ErrInvalidCommand
	}

	if err := s.writeWithRetry(ctx, d, addr, value); err != nil {
		return err
	}
	st, err := s.reg.State(id)
	if err != nil {
		return err
	}
	st.TgtDriveMode = mode
	return s.reg.UpdateState(id, st)
}

// ClearAlarm writes the alarm-clear sentinel to S06. No mirror update.
func (s *Surface) ClearAlarm(ctx context.Context, id string) error {
	d, err := s.drive(id)
	if err != nil {
		return err
	}
	addr, err := codec.EncodeAddress("S06")
	if err != nil {
		return vfd.ErrInvalidCommand
	}
	return s.writeWithRetry(ctx, d, addr, 0x8000)
}

// ReadRegisters is the raw escape hatch (spec.md §4.5.2): translate a
// symbolic start code and read count holding registers, using the longer
// operator-driven deadline.
func (s *Surface) ReadRegisters(ctx context.Context, id, startCode string, count int) ([]uint16, error) {
	d, err := s.drive(id)
	if err != nil {
		return nil, err
	}
	addr, err := codec.EncodeAddress(startCode)
	if err != nil {
		return nil, vfd.ErrInvalidCommand
	}

	var out []uint16
	rctx, cancel := context.WithTimeout(ctx, transport.RawReadDeadline)
	defer cancel()
	err = s.arb.Do(rctx, func(conn transport.Conn) error {
		var err error
		out, err = conn.ReadHolding(rctx, byte(d.SlaveID), addr, uint16(count))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writeWithRetry applies the §4.5.3 bounded retry policy around a single
// write_holding call: the first attempt plus up to 10 retries (11 attempts
// in all). The delay after failed attempt k (k starting at 1) is
// ((k-1) mod 3) * 100ms. The 11th failure is surfaced to the caller verbatim.
func (s *Surface) writeWithRetry(ctx context.Context, d vfd.Drive, addr, value uint16) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts+1; attempt++ {
		if attempt > 1 {
			delay := time.Duration((attempt-2)%3) * retryUnit
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		wctx, cancel := context.WithTimeout(ctx, transport.DefaultDeadline)
		err := s.arb.Do(wctx, func(conn transport.Conn) error {
			return conn.WriteHolding(wctx, byte(d.SlaveID), addr, value)
		})
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		if attempt > maxAttempts {
			return lastErr
		}
	}
	return lastErr
}
