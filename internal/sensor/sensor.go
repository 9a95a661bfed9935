package sensor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"thermonode/internal/regio"
	"thermonode/internal/sensor/aht20"
	"thermonode/internal/sensor/bmp280"
)

// Sample is one poll of both sensors.
type Sample struct {
	TemperatureBMP float64 // °C
	PressureKPa    float64 // kPa, 0 while pressure compensation is unimplemented
	TemperatureAHT float64 // °C
	Humidity       float64 // %RH
}

// ErrNotInitialized is returned by Read before Init has succeeded.
var ErrNotInitialized = errors.New("sensor: drivers not initialized")

// Bus is a register bus that can be released.
type Bus interface {
	regio.Bus
	io.Closer
}

// OpenBus initializes the host drivers and opens the named I2C bus. An empty
// name selects the first bus, usually /dev/i2c-1.
func OpenBus(name string) (Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	return bus, nil
}

// Sampler owns both drivers on a shared bus.
type Sampler struct {
	bmp    *bmp280.Device
	aht    *aht20.Device
	logger *slog.Logger

	bmpReady bool
	ahtReady bool
	ready    bool
}

// NewSampler binds both drivers to bus at their default addresses.
func NewSampler(bus regio.Bus, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		bmp:    bmp280.New(bus),
		aht:    aht20.New(bus),
		logger: logger,
	}
}

// BMP280 exposes the temperature/pressure driver, mainly to override its address.
func (s *Sampler) BMP280() *bmp280.Device { return s.bmp }

// AHT20 exposes the temperature/humidity driver.
func (s *Sampler) AHT20() *aht20.Device { return s.aht }

// Init initializes both drivers. A driver that has been initialized is never
// initialized again, so a retry after a partial failure only touches the
// driver that failed.
func (s *Sampler) Init() error {
	if s.ready {
		return nil
	}
	if !s.bmpReady {
		if err := s.bmp.Init(); err != nil {
			return err
		}
		s.bmpReady = true
	}
	if !s.ahtReady {
		if err := s.aht.Init(); err != nil {
			return err
		}
		s.ahtReady = true
	}
	cal, _ := s.bmp.Calibration()
	s.logger.Info("sensors initialized",
		"bmp280_addr", fmt.Sprintf("0x%02X", s.bmp.Address),
		"aht20_addr", fmt.Sprintf("0x%02X", s.aht.Address),
		"dig_T1", cal.T1, "dig_T2", cal.T2, "dig_T3", cal.T3,
	)
	s.ready = true
	return nil
}

// Read polls both sensors. Any bus fault aborts the sample; partial readings
// are never returned.
func (s *Sampler) Read() (Sample, error) {
	if !s.ready {
		return Sample{}, ErrNotInitialized
	}
	tBMP, err := s.bmp.ReadTemperature()
	if err != nil {
		return Sample{}, err
	}
	pPa, err := s.bmp.ReadPressure()
	if err != nil && !errors.Is(err, bmp280.ErrPressureNotImplemented) {
		return Sample{}, err
	}
	tAHT, hum, err := s.aht.ReadAll()
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		TemperatureBMP: tBMP,
		PressureKPa:    pPa / 1000.0,
		TemperatureAHT: tAHT,
		Humidity:       hum,
	}, nil
}
