// Package wifi is the node's view of the wireless stack: join a network, poll
// whether it is joined, and host a local access point.
package wifi

import (
	"context"
	"net/netip"
)

// Status is the coarse link state the bootstrap logic polls.
type Status int

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Radio is the capability the bootstrap state machine needs from the
// wireless stack. Connect starts a join and returns without waiting for it.
type Radio interface {
	Connect(ctx context.Context, ssid, password string) error
	Status(ctx context.Context) (Status, error)
	StartAccessPoint(ctx context.Context, ssid, password string) error
	LocalAddress(ctx context.Context) (netip.Addr, error)
}
