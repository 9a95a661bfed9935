// Package regio implements the register-level I2C transactions shared by the
// sensor drivers: single-byte register writes and big-endian reads of up to
// three bytes.
//
// The bus is the TinyGo drivers.I2C interface. periph.io's i2c.Bus has the same
// Tx method, so a host bus opened with i2creg can be passed in directly.
package regio

import (
	"errors"

	"tinygo.org/x/drivers"
)

// Bus is the transport the helper drives. Tx writes w and then reads len(r)
// bytes with a repeated start when both are non-empty.
type Bus = drivers.I2C

// ErrLength is returned by ReadN for a width outside 1..3 bytes.
var ErrLength = errors.New("regio: read width must be 1..3 bytes")

// BusError reports a failed transaction against one device register.
type BusError struct {
	Addr uint16
	Reg  byte
	Op   string
	Err  error
}

func (e *BusError) Error() string {
	return "regio: " + e.Op + " addr=0x" + hex2(byte(e.Addr)) + " reg=0x" + hex2(e.Reg) + ": " + e.Err.Error()
}

func (e *BusError) Unwrap() error { return e.Err }

// WriteRegister writes value into register reg of the device at addr.
func WriteRegister(bus Bus, addr uint16, reg, value byte) error {
	if err := bus.Tx(addr, []byte{reg, value}, nil); err != nil {
		return &BusError{Addr: addr, Reg: reg, Op: "write", Err: err}
	}
	return nil
}

// ReadN sets the register pointer to reg and reads n bytes back, assembling
// them most significant byte first.
func ReadN(bus Bus, addr uint16, reg byte, n int) (uint32, error) {
	if n < 1 || n > 3 {
		return 0, ErrLength
	}
	var buf [3]byte
	if err := bus.Tx(addr, []byte{reg}, buf[:n]); err != nil {
		return 0, &BusError{Addr: addr, Reg: reg, Op: "read", Err: err}
	}
	var v uint32
	for _, b := range buf[:n] {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// Read16 reads an unsigned 16-bit big-endian register pair.
func Read16(bus Bus, addr uint16, reg byte) (uint16, error) {
	v, err := ReadN(bus, addr, reg, 2)
	return uint16(v), err
}

// Read16S reads a 16-bit register pair and reinterprets it as two's complement.
func Read16S(bus Bus, addr uint16, reg byte) (int16, error) {
	v, err := Read16(bus, addr, reg)
	return int16(v), err
}

// Read24 reads a 24-bit big-endian register triple.
func Read24(bus Bus, addr uint16, reg byte) (uint32, error) {
	return ReadN(bus, addr, reg, 3)
}

// Command sends a raw command sequence to a device that has no register map.
func Command(bus Bus, addr uint16, cmd ...byte) error {
	if err := bus.Tx(addr, cmd, nil); err != nil {
		var reg byte
		if len(cmd) > 0 {
			reg = cmd[0]
		}
		return &BusError{Addr: addr, Reg: reg, Op: "command", Err: err}
	}
	return nil
}

// Receive reads len(buf) bytes from the device without addressing a register.
func Receive(bus Bus, addr uint16, buf []byte) error {
	if err := bus.Tx(addr, nil, buf); err != nil {
		return &BusError{Addr: addr, Op: "receive", Err: err}
	}
	return nil
}
