package wifi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestStationSettings(t *testing.T) {
	s := stationSettings("home", "secret")

	ssid, ok := s["802-11-wireless"]["ssid"].Value().([]byte)
	if !ok || string(ssid) != "home" {
		t.Errorf("ssid = %#v", s["802-11-wireless"]["ssid"].Value())
	}
	if mode := s["802-11-wireless"]["mode"].Value(); mode != "infrastructure" {
		t.Errorf("mode = %v", mode)
	}
	if psk := s["802-11-wireless-security"]["psk"].Value(); psk != "secret" {
		t.Errorf("psk = %v", psk)
	}
}

func TestStationSettings_OpenNetwork(t *testing.T) {
	s := stationSettings("cafe", "")
	if _, ok := s["802-11-wireless-security"]; ok {
		t.Error("open network must not carry a security section")
	}
}

func TestAccessPointSettings(t *testing.T) {
	s := accessPointSettings("thermometer config", "thermometer config")
	if mode := s["802-11-wireless"]["mode"].Value(); mode != "ap" {
		t.Errorf("mode = %v; want ap", mode)
	}
	if method := s["ipv4"]["method"].Value(); method != "shared" {
		t.Errorf("ipv4.method = %v; want shared", method)
	}
	if km := s["802-11-wireless-security"]["key-mgmt"].Value(); km != "wpa-psk" {
		t.Errorf("key-mgmt = %v", km)
	}
}

func TestFirstAddress(t *testing.T) {
	data := []map[string]dbus.Variant{
		{"prefix": dbus.MakeVariant(uint32(24))},
		{"address": dbus.MakeVariant("192.168.4.1"), "prefix": dbus.MakeVariant(uint32(24))},
	}
	got, err := firstAddress(data)
	if err != nil {
		t.Fatalf("firstAddress: %v", err)
	}
	if got.String() != "192.168.4.1" {
		t.Errorf("address = %s", got)
	}
}

func TestFirstAddress_None(t *testing.T) {
	if _, err := firstAddress(nil); !errors.Is(err, ErrNoAddress) {
		t.Errorf("err = %v; want ErrNoAddress", err)
	}
}

func TestStatusString(t *testing.T) {
	if Connected.String() != "connected" || Disconnected.String() != "disconnected" {
		t.Errorf("String() = %q, %q", Connected, Disconnected)
	}
}

const (
	testDevice = dbus.ObjectPath("/org/freedesktop/NetworkManager/Devices/3")
	testActive = dbus.ObjectPath("/org/freedesktop/NetworkManager/ActiveConnection/7")
	testAP     = dbus.ObjectPath("/org/freedesktop/NetworkManager/ActiveConnection/6")
)

// fakeBus answers the handful of NetworkManager calls the radio makes.
type fakeBus struct {
	mu        sync.Mutex
	props     map[string]dbus.Variant // path|iface|name
	activated []dbus.ObjectPath       // returned by successive activations
	calls     []busCall
}

type busCall struct {
	path   dbus.ObjectPath
	method string
	args   []any
}

func newFakeBus() *fakeBus {
	return &fakeBus{props: map[string]dbus.Variant{}}
}

func propKey(path dbus.ObjectPath, iface, name string) string {
	return string(path) + "|" + iface + "|" + name
}

func (b *fakeBus) set(path dbus.ObjectPath, iface, name string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.props[propKey(path, iface, name)] = dbus.MakeVariant(v)
}

func (b *fakeBus) drop(path dbus.ObjectPath, iface, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.props, propKey(path, iface, name))
}

func (b *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, path: path}
}

func (b *fakeBus) Close() error { return nil }

type fakeObject struct {
	dbus.BusObject
	bus  *fakeBus
	path dbus.ObjectPath
}

func (o *fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...any) *dbus.Call {
	b := o.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{path: o.path, method: method, args: args})

	switch method {
	case nmIface + ".GetDeviceByIpIface":
		return &dbus.Call{Body: []any{testDevice}}
	case nmIface + ".AddAndActivateConnection2":
		if len(b.activated) == 0 {
			return &dbus.Call{Err: dbus.Error{Name: "org.freedesktop.NetworkManager.Failed"}}
		}
		active := b.activated[0]
		b.activated = b.activated[1:]
		return &dbus.Call{Body: []any{
			dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings/1"),
			active,
			map[string]dbus.Variant{},
		}}
	case dbusPropertiesGet:
		v, ok := b.props[propKey(o.path, args[0].(string), args[1].(string))]
		if !ok {
			return &dbus.Call{Err: dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}}
		}
		return &dbus.Call{Body: []any{v}}
	}
	return &dbus.Call{Err: dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod"}}
}

func newTestRadio(t *testing.T, bus *fakeBus) *NetworkManager {
	t.Helper()
	n, err := newNetworkManager(context.Background(), bus, "wlan0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newNetworkManager: %v", err)
	}
	return n
}

func TestStatus_TracksRequestedConnection(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus()
	bus.activated = []dbus.ObjectPath{testActive}
	// The device itself is up, e.g. still running the hotspot.
	bus.set(testDevice, nmDeviceIface, "State", uint32(100))
	n := newTestRadio(t, bus)

	if st, err := n.Status(ctx); err != nil || st != Disconnected {
		t.Fatalf("Status before Connect = %v, %v; want disconnected", st, err)
	}

	if err := n.Connect(ctx, "home", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	bus.set(testActive, nmActiveIface, "State", uint32(1)) // activating
	if st, err := n.Status(ctx); err != nil || st != Disconnected {
		t.Fatalf("Status while activating = %v, %v; want disconnected", st, err)
	}

	bus.set(testActive, nmActiveIface, "State", uint32(2))
	if st, err := n.Status(ctx); err != nil || st != Connected {
		t.Fatalf("Status once activated = %v, %v; want connected", st, err)
	}
}

func TestStatus_FailedActivationIsDisconnected(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus()
	bus.activated = []dbus.ObjectPath{testActive}
	bus.set(testDevice, nmDeviceIface, "State", uint32(100))
	n := newTestRadio(t, bus)

	if err := n.Connect(ctx, "home", "wrong"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// NetworkManager removes the active connection after a failed join.
	bus.drop(testActive, nmActiveIface, "State")
	st, err := n.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != Disconnected {
		t.Errorf("Status = %v; want disconnected", st)
	}
}

func TestStartAccessPoint_ForgetsStation(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus()
	bus.activated = []dbus.ObjectPath{testActive, testAP}
	bus.set(testActive, nmActiveIface, "State", uint32(2))
	bus.set(testAP, nmActiveIface, "State", uint32(2))
	n := newTestRadio(t, bus)

	if err := n.Connect(ctx, "home", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := n.StartAccessPoint(ctx, "thermometer config", "thermometer config"); err != nil {
		t.Fatalf("StartAccessPoint: %v", err)
	}
	if st, _ := n.Status(ctx); st != Disconnected {
		t.Errorf("Status with hotspot up = %v; want disconnected", st)
	}
}

func TestActivate_RequestsVolatileProfile(t *testing.T) {
	bus := newFakeBus()
	bus.activated = []dbus.ObjectPath{testActive}
	n := newTestRadio(t, bus)

	if err := n.Connect(context.Background(), "home", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var call *busCall
	for i := range bus.calls {
		if bus.calls[i].method == nmIface+".AddAndActivateConnection2" {
			call = &bus.calls[i]
		}
	}
	if call == nil {
		t.Fatal("no activation call made")
	}
	if dev := call.args[1]; dev != testDevice {
		t.Errorf("device = %v; want %v", dev, testDevice)
	}
	opts, _ := call.args[3].(map[string]dbus.Variant)
	if persist := opts["persist"].Value(); persist != "volatile" {
		t.Errorf("persist = %v; want volatile", persist)
	}
}

func TestConnect_ActivationError(t *testing.T) {
	bus := newFakeBus()
	n := newTestRadio(t, bus)
	if err := n.Connect(context.Background(), "home", "secret"); err == nil {
		t.Fatal("Connect: want error when NetworkManager refuses")
	}
	if st, err := n.Status(context.Background()); err != nil || st != Disconnected {
		t.Errorf("Status = %v, %v; want disconnected", st, err)
	}
}
