// Package bmp280 drives the temperature channel of a Bosch BMP280 over I2C.
//
// Only temperature is compensated. ReadPressure reports
// ErrPressureNotImplemented together with a zero value.
package bmp280

import (
	"errors"
	"fmt"

	"thermonode/internal/regio"
)

// Address is the default I2C address (SDO tied low).
const Address = 0x76

const (
	regCalibT1  = 0x88
	regCalibT2  = 0x8A
	regCalibT3  = 0x8C
	regCtrlMeas = 0xF4
	regTempMSB  = 0xFA

	// osrs_t x1, osrs_p x16, normal mode.
	ctrlMeasNormal = 0x3F
)

var (
	ErrNotInitialized         = errors.New("bmp280: not initialized")
	ErrPressureNotImplemented = errors.New("bmp280: pressure compensation not implemented")
)

// Calibration holds the temperature trimming constants read from the device.
type Calibration struct {
	T1 uint16
	T2 int16
	T3 int16
}

// Device is a BMP280 on a bus. Calibration is valid once Init has returned nil.
type Device struct {
	bus     regio.Bus
	Address uint16

	cal         Calibration
	initialized bool
}

// New returns a Device bound to bus. It does not touch the hardware.
func New(bus regio.Bus) *Device {
	return &Device{bus: bus, Address: Address}
}

// Init enables measurement and caches the calibration constants.
func (d *Device) Init() error {
	if err := regio.WriteRegister(d.bus, d.Address, regCtrlMeas, ctrlMeasNormal); err != nil {
		return fmt.Errorf("bmp280 init: %w", err)
	}
	t1, err := regio.Read16(d.bus, d.Address, regCalibT1)
	if err != nil {
		return fmt.Errorf("bmp280 calibration T1: %w", err)
	}
	t2, err := regio.Read16S(d.bus, d.Address, regCalibT2)
	if err != nil {
		return fmt.Errorf("bmp280 calibration T2: %w", err)
	}
	t3, err := regio.Read16S(d.bus, d.Address, regCalibT3)
	if err != nil {
		return fmt.Errorf("bmp280 calibration T3: %w", err)
	}
	d.cal = Calibration{T1: t1, T2: t2, T3: t3}
	d.initialized = true
	return nil
}

// Calibration returns the cached constants and whether Init has completed.
func (d *Device) Calibration() (Calibration, bool) {
	return d.cal, d.initialized
}

// ReadTemperature returns the compensated temperature in degrees Celsius.
func (d *Device) ReadTemperature() (float64, error) {
	if !d.initialized {
		return 0, ErrNotInitialized
	}
	raw, err := regio.Read24(d.bus, d.Address, regTempMSB)
	if err != nil {
		return 0, fmt.Errorf("bmp280 temperature: %w", err)
	}
	return CompensateTemperature(int32(raw>>4), d.cal), nil
}

// ReadPressure is a placeholder: the compensation formula is not implemented
// and the returned value is always 0.
func (d *Device) ReadPressure() (float64, error) {
	return 0, ErrPressureNotImplemented
}

// TFine runs the vendor fixed-point temperature compensation on a 20-bit ADC
// code. Arithmetic is int32 throughout, including wrap-around.
func TFine(adcT int32, cal Calibration) int32 {
	t1 := int32(cal.T1)
	t2 := int32(cal.T2)
	t3 := int32(cal.T3)

	var1 := (((adcT >> 3) - (t1 << 1)) * t2) >> 11
	d := (adcT >> 4) - t1
	var2 := (((d * d) >> 12) * t3) >> 14
	return var1 + var2
}

// CompensateTemperature converts a 20-bit ADC code into degrees Celsius.
func CompensateTemperature(adcT int32, cal Calibration) float64 {
	return float64(TFine(adcT, cal)) / 5120.0
}
