package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	nmDest            = "org.freedesktop.NetworkManager"
	nmPath            = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface           = "org.freedesktop.NetworkManager"
	nmDeviceIface     = "org.freedesktop.NetworkManager.Device"
	nmActiveIface     = "org.freedesktop.NetworkManager.Connection.Active"
	nmIP4ConfigIface  = "org.freedesktop.NetworkManager.IP4Config"
	dbusPropertiesGet = "org.freedesktop.DBus.Properties.Get"

	// NM_ACTIVE_CONNECTION_STATE_ACTIVATED
	activeStateActivated uint32 = 2

	connectionIDPrefix = "thermonode-"
)

// ErrNoAddress is returned by LocalAddress when the interface has no IPv4
// configuration yet.
var ErrNoAddress = errors.New("wifi: no IPv4 address")

// busConn is the part of *dbus.Conn the radio uses.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Close() error
}

// NetworkManager drives one wireless interface through NetworkManager's
// D-Bus API. Profiles it creates are volatile: NetworkManager forgets them
// once they are deactivated, so nothing accumulates across restarts.
type NetworkManager struct {
	conn   busConn
	iface  string
	device dbus.ObjectPath
	logger *slog.Logger

	mu      sync.Mutex
	station dbus.ObjectPath // active connection requested by Connect
}

// NewNetworkManager connects to the system bus and resolves iface (e.g.
// "wlan0") to its NetworkManager device.
func NewNetworkManager(ctx context.Context, iface string, logger *slog.Logger) (*NetworkManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus system bus: %w", err)
	}
	return newNetworkManager(ctx, conn, iface, logger)
}

func newNetworkManager(ctx context.Context, conn busConn, iface string, logger *slog.Logger) (*NetworkManager, error) {
	var device dbus.ObjectPath
	err := conn.Object(nmDest, nmPath).
		CallWithContext(ctx, nmIface+".GetDeviceByIpIface", 0, iface).
		Store(&device)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("networkmanager device %q: %w", iface, err)
	}
	logger.Debug("wifi: resolved device", "iface", iface, "path", device)
	return &NetworkManager{conn: conn, iface: iface, device: device, logger: logger}, nil
}

// Connect asks NetworkManager to join ssid. Activation continues in the
// background; poll Status to observe the outcome.
func (n *NetworkManager) Connect(ctx context.Context, ssid, password string) error {
	active, err := n.activate(ctx, stationSettings(ssid, password))
	n.setStation(active)
	if err != nil {
		return fmt.Errorf("wifi connect %q: %w", ssid, err)
	}
	n.logger.Info("wifi: join requested", "iface", n.iface, "ssid", ssid, "active", active)
	return nil
}

// StartAccessPoint brings up a WPA2 hotspot with NetworkManager's shared
// IPv4 method (DHCP + NAT on the interface).
func (n *NetworkManager) StartAccessPoint(ctx context.Context, ssid, password string) error {
	// The hotspot takes over the device from any station connection.
	n.setStation("")
	if _, err := n.activate(ctx, accessPointSettings(ssid, password)); err != nil {
		return fmt.Errorf("wifi access point %q: %w", ssid, err)
	}
	n.logger.Info("wifi: access point requested", "iface", n.iface, "ssid", ssid)
	return nil
}

// Status reports Connected only once the connection requested by the last
// Connect is activated. Whatever else the device is doing (a leftover
// hotspot, an autoconnected profile) reads as Disconnected.
func (n *NetworkManager) Status(ctx context.Context) (Status, error) {
	n.mu.Lock()
	station := n.station
	n.mu.Unlock()
	if station == "" {
		return Disconnected, nil
	}

	v, err := n.property(ctx, station, nmActiveIface, "State")
	if err != nil {
		// NetworkManager drops the object of a connection that failed or
		// was replaced.
		if objectGone(err) {
			return Disconnected, nil
		}
		return Disconnected, err
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return Disconnected, fmt.Errorf("wifi: unexpected connection state type %T", v.Value())
	}
	if state == activeStateActivated {
		return Connected, nil
	}
	return Disconnected, nil
}

// LocalAddress returns the first IPv4 address configured on the interface.
func (n *NetworkManager) LocalAddress(ctx context.Context) (netip.Addr, error) {
	v, err := n.property(ctx, n.device, nmDeviceIface, "Ip4Config")
	if err != nil {
		return netip.Addr{}, err
	}
	cfgPath, ok := v.Value().(dbus.ObjectPath)
	if !ok || cfgPath == "/" || !cfgPath.IsValid() {
		return netip.Addr{}, ErrNoAddress
	}
	v, err = n.property(ctx, cfgPath, nmIP4ConfigIface, "AddressData")
	if err != nil {
		return netip.Addr{}, err
	}
	data, _ := v.Value().([]map[string]dbus.Variant)
	return firstAddress(data)
}

// Close releases the D-Bus connection.
func (n *NetworkManager) Close() error {
	return n.conn.Close()
}

func (n *NetworkManager) setStation(p dbus.ObjectPath) {
	n.mu.Lock()
	n.station = p
	n.mu.Unlock()
}

// activate adds settings as a volatile profile, activates it on the device
// and returns the active connection path.
func (n *NetworkManager) activate(ctx context.Context, settings map[string]map[string]dbus.Variant) (dbus.ObjectPath, error) {
	var (
		connPath, activePath dbus.ObjectPath
		result               map[string]dbus.Variant
	)
	options := map[string]dbus.Variant{"persist": dbus.MakeVariant("volatile")}
	err := n.conn.Object(nmDest, nmPath).
		CallWithContext(ctx, nmIface+".AddAndActivateConnection2", 0, settings, n.device, dbus.ObjectPath("/"), options).
		Store(&connPath, &activePath, &result)
	if err != nil {
		return "", err
	}
	return activePath, nil
}

func objectGone(err error) bool {
	var name string
	var e dbus.Error
	var pe *dbus.Error
	switch {
	case errors.As(err, &e):
		name = e.Name
	case errors.As(err, &pe):
		name = pe.Name
	default:
		return false
	}
	return name == "org.freedesktop.DBus.Error.UnknownObject" ||
		name == "org.freedesktop.DBus.Error.UnknownMethod"
}

func (n *NetworkManager) property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := n.conn.Object(nmDest, path).
		CallWithContext(ctx, dbusPropertiesGet, 0, iface, name).
		Store(&v)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("wifi: get %s.%s: %w", iface, name, err)
	}
	return v, nil
}

func stationSettings(ssid, password string) map[string]map[string]dbus.Variant {
	s := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(connectionIDPrefix + "sta"),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
	}
	if password != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(password),
		}
	}
	return s
}

func accessPointSettings(ssid, password string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(connectionIDPrefix + "ap"),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("ap"),
			"band": dbus.MakeVariant("bg"),
		},
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"proto":    dbus.MakeVariant([]string{"rsn"}),
			"psk":      dbus.MakeVariant(password),
		},
		"ipv4": {"method": dbus.MakeVariant("shared")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}

func firstAddress(data []map[string]dbus.Variant) (netip.Addr, error) {
	for _, entry := range data {
		v, ok := entry["address"]
		if !ok {
			continue
		}
		s, ok := v.Value().(string)
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("wifi: parse address %q: %w", s, err)
		}
		return addr, nil
	}
	return netip.Addr{}, ErrNoAddress
}
