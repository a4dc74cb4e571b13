// Package transport implements the Modbus Transport component (C2): a
// framed RTU client over a serial port, backed by github.com/goburrow/modbus,
// with errors classified into the spec.md §7 taxonomy.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/goburrow/modbus"

	"github.com/levitree/vfdgw/internal/vfd"
)

// DefaultDeadline is the per-call timeout used for telemetry and command
// writes (spec.md §4.2). Adapter-driven raw register reads use a longer
// deadline, supplied by the caller via ctx.
const DefaultDeadline = 400 * time.Millisecond

// RawReadDeadline is the timeout for operator-driven raw register reads
// (spec.md §9 open question c).
const RawReadDeadline = 10 * time.Second

// Conn is the minimal Modbus surface the rest of the drive control core
// depends on. Production code is backed by RTUConn; tests substitute
// FakeConn — the "pluggable transport for tests" spec.md allows in lieu of
// a simulation mode.
type Conn interface {
	ReadHolding(ctx context.Context, slaveID byte, address, count uint16) ([]uint16, error)
	WriteHolding(ctx context.Context, slaveID byte, address uint16, value uint16) error
	Close() error
}

// SerialConfig carries the line parameters spec.md §4.2 fixes by default,
// overridable from configuration.
type SerialConfig struct {
	Path     string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
}

// DefaultSerialConfig returns {9600 baud, even parity, 8 data bits, 1 stop
// bit} for the given device path.
func DefaultSerialConfig(path string) SerialConfig {
	return SerialConfig{Path: path, BaudRate: 9600, DataBits: 8, Parity: "E", StopBits: 1}
}

// RTUConn is a Conn backed by goburrow/modbus's RTU client handler, which
// owns CRC-16/Modbus framing and the 1.5/3.5 character inter-frame timing
// the wire format (spec.md §6) requires.
type RTUConn struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// Dial opens the serial port and returns a ready Conn.
func Dial(cfg SerialConfig) (*RTUConn, error) {
	handler := modbus.NewRTUClientHandler(cfg.Path)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = DefaultDeadline
	if err := handler.Connect(); err != nil {
		return nil, classify(err)
	}
	return &RTUConn{handler: handler, client: modbus.NewClient(handler)}, nil
}

// deadlineFrom turns ctx's deadline into a goburrow handler timeout,
// falling back to DefaultDeadline when ctx carries none.
func deadlineFrom(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return DefaultDeadline
}

// ReadHolding reads count holding registers starting at address from the
// given slave. The transport is not reentrant: callers (the Bus Arbiter)
// must serialize all calls.
func (c *RTUConn) ReadHolding(ctx context.Context, slaveID byte, address, count uint16) ([]uint16, error) {
	c.handler.SlaveId = slaveID
	c.handler.Timeout = deadlineFrom(ctx)
	raw, err := c.client.ReadHoldingRegisters(address, count)
	if err != nil {
		return nil, classify(err)
	}
	if len(raw) != int(count)*2 {
		return nil, &vfd.TransportError{
			Kind: vfd.TransportFraming,
			Err:  fmt.Errorf("short read: got %d bytes, want %d", len(raw), count*2),
		}
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return out, nil
}

// WriteHolding writes a single holding register.
func (c *RTUConn) WriteHolding(ctx context.Context, slaveID byte, address, value uint16) error {
	c.handler.SlaveId = slaveID
	c.handler.Timeout = deadlineFrom(ctx)
	if _, err := c.client.WriteSingleRegister(address, value); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the serial port.
func (c *RTUConn) Close() error {
	return c.handler.Close()
}

// classify maps a goburrow/modbus error into the spec.md §7 TransportError
// taxonomy. goburrow doesn't expose its own error kinds beyond
// *modbus.ModbusError (slave exceptions), so everything else is classified
// from the underlying net/os error it wraps. CRC mismatches are not told
// apart from other framing failures: they are reported as TransportFraming,
// and TransportCRC is never returned.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var modbusErr *modbus.ModbusError
	if errors.As(err, &modbusErr) {
		return &vfd.TransportError{
			Kind:          vfd.TransportSlaveException,
			ExceptionCode: byte(modbusErr.ExceptionCode),
			Err:           err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &vfd.TransportError{Kind: vfd.TransportTimeout, Err: err}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &vfd.TransportError{Kind: vfd.TransportTimeout, Err: err}
	}
	if errors.Is(err, os.ErrClosed) {
		return &vfd.TransportError{Kind: vfd.TransportPortClosed, Err: err}
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return &vfd.TransportError{Kind: vfd.TransportPortClosed, Err: err}
	}
	return &vfd.TransportError{Kind: vfd.TransportFraming, Err: err}
}

// IsPortClosed reports whether err is a port-open failure specific to the
// serial device itself (spec.md §4.5 step b) rather than a per-drive
// transient failure — the Poller must not increment poll_fail_count for
// these.
func IsPortClosed(err error) bool {
	var te *vfd.TransportError
	return errors.As(err, &te) && te.Kind == vfd.TransportPortClosed
}
