// Package aht20 drives an ASAIR AHT20 temperature/humidity sensor over I2C.
//
// A measurement is one trigger command, a fixed conversion wait and a six
// byte read: a status byte followed by two packed 20-bit fields.
package aht20

import (
	"errors"
	"fmt"
	"time"

	"thermonode/internal/regio"
)

// Address is the fixed I2C address.
const Address = 0x38

const (
	cmdInitialize = 0xBE
	cmdTrigger    = 0xAC

	statusBusy = 0x80

	// FrameLen is the size of a measurement frame including the status byte.
	FrameLen = 6
)

// Settle and conversion waits used by Init and ReadAll.
const (
	InitDelay       = 20 * time.Millisecond
	ConversionDelay = 80 * time.Millisecond
)

// ErrBusy is returned when the status byte still reports a conversion in
// progress after the conversion wait.
var ErrBusy = errors.New("aht20: measurement not ready")

// Device is an AHT20 on a bus.
type Device struct {
	bus     regio.Bus
	Address uint16

	// Sleep is called for the settle and conversion waits. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// New returns a Device bound to bus. It does not touch the hardware.
func New(bus regio.Bus) *Device {
	return &Device{bus: bus, Address: Address, Sleep: time.Sleep}
}

// Init sends the calibration/initialize command and waits for it to settle.
func (d *Device) Init() error {
	if err := regio.Command(d.bus, d.Address, cmdInitialize, 0x08, 0x00); err != nil {
		return fmt.Errorf("aht20 init: %w", err)
	}
	d.sleep(InitDelay)
	return nil
}

// ReadAll triggers a measurement and returns temperature (°C) and relative
// humidity (%).
func (d *Device) ReadAll() (temperature, humidity float64, err error) {
	if err := regio.Command(d.bus, d.Address, cmdTrigger, 0x33, 0x00); err != nil {
		return 0, 0, fmt.Errorf("aht20 trigger: %w", err)
	}
	d.sleep(ConversionDelay)

	var frame [FrameLen]byte
	if err := regio.Receive(d.bus, d.Address, frame[:]); err != nil {
		return 0, 0, fmt.Errorf("aht20 read: %w", err)
	}
	if frame[0]&statusBusy != 0 {
		return 0, 0, fmt.Errorf("%w (frame %s)", ErrBusy, regio.BytesToHex(frame[:]))
	}
	temperature, humidity = Decode(frame)
	return temperature, humidity, nil
}

func (d *Device) sleep(dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

// Unpack splits a measurement frame into the raw 20-bit humidity and
// temperature fields.
func Unpack(frame [FrameLen]byte) (rawHumidity, rawTemp uint32) {
	rawHumidity = uint32(frame[1])<<12 | uint32(frame[2])<<4 | uint32(frame[3])>>4
	rawTemp = uint32(frame[3]&0x0F)<<16 | uint32(frame[4])<<8 | uint32(frame[5])
	return rawHumidity, rawTemp
}

// Decode converts a measurement frame to temperature (°C) and humidity (%).
func Decode(frame [FrameLen]byte) (temperature, humidity float64) {
	h, t := Unpack(frame)
	humidity = float64(h) * 100 / 0x100000
	temperature = float64(t)*200/0x100000 - 50
	return temperature, humidity
}
