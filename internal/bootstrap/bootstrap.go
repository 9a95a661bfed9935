// Package bootstrap decides at start-up whether the node joins its saved
// network or falls back to configuration mode, and owns the credential record.
//
//	Unconfigured --saved ssid--> Connecting --joined--> Connected
//	Unconfigured --no ssid-----> ConfigMode
//	Connecting --budget spent--> ConfigMode --Submit--> (persist, restart)
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"thermonode/internal/credentials"
	"thermonode/internal/nvs"
	"thermonode/internal/wifi"
)

// State is the process-wide connectivity state.
type State int

const (
	Unconfigured State = iota
	Connecting
	Connected
	ConfigMode
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConfigMode:
		return "config_mode"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RetryPolicy bounds the join wait: MaxAttempts fixed Delay sleeps.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy waits at most 10 s for a join.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 20, Delay: 500 * time.Millisecond}

// AccessPoint is the identity advertised in configuration mode.
type AccessPoint struct {
	SSID     string
	Password string
}

// DefaultAccessPoint is the fixed, publicly known configuration network.
var DefaultAccessPoint = AccessPoint{SSID: "thermometer config", Password: "thermometer config"}

var (
	ErrEmptySSID       = errors.New("bootstrap: ssid must not be empty")
	ErrNotInConfigMode = errors.New("bootstrap: not in configuration mode")
)

// Options wires a Device to its collaborators. Radio and Store are required.
type Options struct {
	Radio       wifi.Radio
	Store       nvs.Store
	Retry       RetryPolicy
	AccessPoint AccessPoint

	// OnConnected runs once, on the transition into Connected.
	OnConnected func(ctx context.Context) error

	// Sleep waits between join polls. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Device is the node's connectivity context. Every Device is independent.
type Device struct {
	radio       wifi.Radio
	store       nvs.Store
	retry       RetryPolicy
	ap          AccessPoint
	onConnected func(ctx context.Context) error
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger

	mu    sync.Mutex
	state State
	creds credentials.Record

	restartOnce sync.Once
	restart     chan struct{}
}

// New builds a Device in the Unconfigured state.
func New(opts Options) *Device {
	d := &Device{
		radio:       opts.Radio,
		store:       opts.Store,
		retry:       opts.Retry,
		ap:          opts.AccessPoint,
		onConnected: opts.OnConnected,
		sleep:       opts.Sleep,
		logger:      opts.Logger,
		state:       Unconfigured,
		restart:     make(chan struct{}),
	}
	if d.retry.MaxAttempts <= 0 {
		d.retry = DefaultRetryPolicy
	}
	if d.ap.SSID == "" {
		d.ap = DefaultAccessPoint
	}
	if d.sleep == nil {
		d.sleep = sleepCtx
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// State returns the current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Credentials returns the credential record as last loaded or saved.
func (d *Device) Credentials() credentials.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds
}

// AccessPoint returns the configuration-mode identity.
func (d *Device) AccessPoint() AccessPoint { return d.ap }

// Boot runs the start-up transitions and returns the resulting state, either
// Connected or ConfigMode. The returned error reports a side-effect failure
// (sensor bring-up, access point start) and does not change the state.
func (d *Device) Boot(ctx context.Context) (State, error) {
	rec := d.load()
	d.mu.Lock()
	d.creds = rec
	d.mu.Unlock()

	if rec.Empty() {
		d.logger.Info("no saved wifi credentials")
		return d.enterConfigMode(ctx)
	}

	d.setState(Connecting)
	d.logger.Info("connecting to saved wifi", "ssid", rec.SSID)

	joined, err := d.join(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return d.State(), err
		}
		d.logger.Warn("wifi join failed", "ssid", rec.SSID, "error", err)
	}
	if !joined {
		return d.enterConfigMode(ctx)
	}
	return d.enterConnected(ctx)
}

func (d *Device) load() credentials.Record {
	var rec credentials.Record
	img, err := d.store.Read(0, credentials.Size)
	if err != nil {
		d.logger.Error("read saved credentials", "error", err)
		return rec
	}
	if err := rec.UnmarshalBinary(img); err != nil {
		d.logger.Error("decode saved credentials", "error", err)
		return credentials.Record{}
	}
	return rec
}

// join starts the association and polls the radio, sleeping Delay between
// polls, for at most MaxAttempts sleeps.
func (d *Device) join(ctx context.Context, rec credentials.Record) (bool, error) {
	if err := d.radio.Connect(ctx, rec.SSID, rec.Password); err != nil {
		return false, err
	}
	for attempt := 0; ; attempt++ {
		st, err := d.radio.Status(ctx)
		if err != nil {
			d.logger.Debug("wifi status", "attempt", attempt, "error", err)
		} else if st == wifi.Connected {
			return true, nil
		}
		if attempt >= d.retry.MaxAttempts {
			return false, nil
		}
		d.logger.Debug("waiting for wifi", "attempt", attempt+1, "max_attempts", d.retry.MaxAttempts)
		if err := d.sleep(ctx, d.retry.Delay); err != nil {
			return false, err
		}
	}
}

func (d *Device) enterConnected(ctx context.Context) (State, error) {
	d.setState(Connected)
	if addr, err := d.radio.LocalAddress(ctx); err == nil {
		d.logger.Info("wifi connected", "ip", addr.String())
	} else {
		d.logger.Info("wifi connected", "ip_error", err)
	}
	if d.onConnected != nil {
		if err := d.onConnected(ctx); err != nil {
			return Connected, fmt.Errorf("on connected: %w", err)
		}
	}
	return Connected, nil
}

func (d *Device) enterConfigMode(ctx context.Context) (State, error) {
	d.setState(ConfigMode)
	d.logger.Info("starting configuration access point", "ssid", d.ap.SSID)
	if err := d.radio.StartAccessPoint(ctx, d.ap.SSID, d.ap.Password); err != nil {
		return ConfigMode, fmt.Errorf("start access point: %w", err)
	}
	return ConfigMode, nil
}

// Submit persists new credentials and requests a restart. It is only
// accepted in ConfigMode and rejects an empty ssid without touching storage.
// A failed commit is returned and no restart is requested.
func (d *Device) Submit(ssid, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != ConfigMode {
		return ErrNotInConfigMode
	}
	if ssid == "" {
		return ErrEmptySSID
	}

	rec := credentials.New(ssid, password)
	img, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := d.store.Write(0, img); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := d.store.Commit(); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	d.creds = rec
	d.logger.Info("wifi credentials saved", "ssid", rec.SSID)

	d.restartOnce.Do(func() { close(d.restart) })
	return nil
}

// RestartRequested is closed once a submission has been committed.
func (d *Device) RestartRequested() <-chan struct{} { return d.restart }

func (d *Device) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	d.logger.Debug("state transition", "from", prev.String(), "to", s.String())
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
