package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"thermonode/internal/bootstrap"
	"thermonode/internal/config"
	"thermonode/internal/credentials"
	"thermonode/internal/mqtt"
	"thermonode/internal/nvs"
	"thermonode/internal/portal"
	"thermonode/internal/sensor"
	"thermonode/internal/system"
	"thermonode/internal/telemetry"
	"thermonode/internal/wifi"
)

const (
	// RestartDelay separates the confirmation response from the restart.
	RestartDelay = time.Second

	shutdownTimeout = 5 * time.Second
)

// Reporter delivers one sample to the cloud endpoint.
type Reporter interface {
	Report(ctx context.Context, s sensor.Sample) error
}

// Mirror republishes a sample's records. Failures never affect the HTTP path.
// Connect is only called once the node has joined its network.
type Mirror interface {
	Connect(ctx context.Context) error
	PublishTelemetry(records []telemetry.Record, at time.Time) error
}

// Deps are the node's external collaborators. Run builds the production set;
// tests substitute fakes.
type Deps struct {
	Radio     wifi.Radio
	Store     nvs.Store
	OpenBus   func(name string) (sensor.Bus, error)
	Reporter  Reporter
	Mirror    Mirror
	Restarter system.Restarter

	// Serve runs the portal server until it is shut down.
	Serve func(srv *http.Server) error
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	// SensorSetup adjusts a freshly built sampler, e.g. driver delays in tests.
	SensorSetup func(s *sensor.Sampler)

	Logger *slog.Logger
}

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("initializing node",
		"wifi_iface", cfg.WifiIface,
		"i2c_bus", cfg.I2CBus,
		"nvs_path", cfg.NVSPath,
		"telemetry_url", cfg.TelemetryURL,
		"telemetry_interval", cfg.TelemetryInterval.String(),
		"mqtt_broker", cfg.MQTTBroker,
	)
	if cfg.TelemetryToken == "" {
		logger.Warn("TELEMETRY_TOKEN is empty; the endpoint will reject samples")
	}

	openStore := nvs.Open
	if cfg.LogLevel <= slog.LevelDebug {
		openStore = func(path string, size int) (*nvs.SQLiteStore, error) {
			return nvs.OpenTraced(path, size, logger.With("component", "nvs"))
		}
	}
	store, err := openStore(cfg.NVSPath, credentials.Size)
	if err != nil {
		return err
	}
	defer store.Close()

	radio, err := wifi.NewNetworkManager(ctx, cfg.WifiIface, logger)
	if err != nil {
		return err
	}
	defer radio.Close()

	restarter, err := system.New(cfg.RestartMode)
	if err != nil {
		return err
	}

	deps := Deps{
		Radio:     radio,
		Store:     store,
		OpenBus:   sensor.OpenBus,
		Reporter:  telemetry.NewReporter(cfg.TelemetryURL, cfg.TelemetryToken, nil, logger),
		Restarter: restarter,
		Logger:    logger,
	}

	if cfg.MQTTBroker != "" {
		mc := mqtt.NewClient(cfg, logger)
		defer mc.Disconnect()
		deps.Mirror = mc
	}

	return RunWith(ctx, cfg, deps)
}

// RunWith boots the node with explicit collaborators and blocks until
// shutdown or, in configuration mode, until the restart has been issued.
func RunWith(ctx context.Context, cfg config.Config, deps Deps) error {
	n := newNode(cfg, deps)

	device := bootstrap.New(bootstrap.Options{
		Radio:       deps.Radio,
		Store:       deps.Store,
		Retry:       bootstrap.DefaultRetryPolicy,
		AccessPoint: bootstrap.AccessPoint{SSID: cfg.APSSID, Password: cfg.APPassword},
		OnConnected: func(context.Context) error { return n.ensureSensors() },
		Sleep:       n.sleep,
		Logger:      n.logger,
	})

	state, err := device.Boot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.logger.Warn("boot completed with errors", "state", state.String(), "error", err)
	}

	switch state {
	case bootstrap.Connected:
		defer n.closeBus()
		return n.telemetryLoop(ctx)
	case bootstrap.ConfigMode:
		return n.configMode(ctx, device)
	default:
		return fmt.Errorf("unexpected state after boot: %s", state)
	}
}

type node struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger

	bus     sensor.Bus
	sampler *sensor.Sampler
}

func newNode(cfg config.Config, deps Deps) *node {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Serve == nil {
		deps.Serve = (*http.Server).ListenAndServe
	}
	return &node{cfg: cfg, deps: deps, logger: deps.Logger}
}

func (n *node) sleep(ctx context.Context, d time.Duration) error { return n.deps.Sleep(ctx, d) }

// ensureSensors opens the bus and initializes both drivers. After the first
// success it is a no-op.
func (n *node) ensureSensors() error {
	if n.sampler == nil {
		bus, err := n.deps.OpenBus(n.cfg.I2CBus)
		if err != nil {
			return err
		}
		n.bus = bus
		n.sampler = sensor.NewSampler(bus, n.logger)
		if n.deps.SensorSetup != nil {
			n.deps.SensorSetup(n.sampler)
		}
	}
	return n.sampler.Init()
}

func (n *node) closeBus() {
	if n.bus != nil {
		if err := n.bus.Close(); err != nil {
			n.logger.Warn("close i2c bus", "error", err)
		}
	}
}

// telemetryLoop samples, reports and sleeps until ctx is canceled.
func (n *node) telemetryLoop(ctx context.Context) error {
	n.logger.Info("telemetry loop started", "interval", n.cfg.TelemetryInterval.String())
	if m := n.deps.Mirror; m != nil {
		go func() {
			if err := m.Connect(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn("mqtt mirror unavailable; continuing with HTTP only", "error", err)
			}
		}()
	}
	for {
		n.poll(ctx)
		if err := n.sleep(ctx, n.cfg.TelemetryInterval); err != nil {
			return err
		}
	}
}

func (n *node) poll(ctx context.Context) {
	if err := n.ensureSensors(); err != nil {
		n.logger.Error("sample skipped: sensors unavailable", "error", err)
		return
	}
	s, err := n.sampler.Read()
	if err != nil {
		n.logger.Error("sample skipped: read failed", "error", err)
		return
	}
	n.logger.Debug("sample",
		"temperature_bmp", s.TemperatureBMP,
		"pressure_kpa", s.PressureKPa,
		"temperature_aht", s.TemperatureAHT,
		"humidity", s.Humidity,
	)

	if err := n.deps.Reporter.Report(ctx, s); err != nil {
		var se *telemetry.StatusError
		if errors.As(err, &se) {
			n.logger.Error("telemetry rejected", "status", se.Code, "body", se.Body)
		} else {
			n.logger.Error("telemetry failed", "error", err)
		}
	}

	if n.deps.Mirror != nil {
		if err := n.deps.Mirror.PublishTelemetry(telemetry.BuildPayload(s), n.deps.Now()); err != nil {
			n.logger.Warn("mqtt mirror publish failed", "error", err)
		}
	}
}

// configMode serves the portal until a save is committed, then restarts.
func (n *node) configMode(ctx context.Context, device *bootstrap.Device) error {
	h, err := portal.NewHandler(device, n.logger)
	if err != nil {
		return err
	}
	srv := portal.NewServer(n.cfg.PortalAddr, h, n.logger)

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info("configuration portal listening", "addr", n.cfg.PortalAddr, "ap_ssid", device.AccessPoint().SSID)
		errCh <- n.deps.Serve(srv)
	}()

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			n.logger.Warn("portal shutdown", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("portal server: %w", err)
	case <-device.RestartRequested():
	}

	n.logger.Info("restarting to apply new credentials", "delay", RestartDelay.String())
	if err := n.sleep(ctx, RestartDelay); err != nil {
		shutdown()
		return err
	}
	shutdown()
	if err := n.deps.Restarter.Restart(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
