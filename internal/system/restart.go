// Package system performs the full restart that follows a credential save.
package system

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/godbus/dbus/v5"
)

// Restarter ends the current boot. On success Restart does not return.
type Restarter interface {
	Restart(ctx context.Context) error
}

const (
	ModeExec   = "exec"
	ModeReboot = "reboot"
)

// New returns the restarter for mode.
func New(mode string) (Restarter, error) {
	switch mode {
	case ModeExec, "":
		return ExecRestarter{}, nil
	case ModeReboot:
		return LogindRestarter{}, nil
	default:
		return nil, fmt.Errorf("unknown restart mode %q (allowed: exec, reboot)", mode)
	}
}

// ExecRestarter replaces the running process with a fresh copy of itself,
// which starts over from persisted state.
type ExecRestarter struct{}

func (ExecRestarter) Restart(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", exe, err)
	}
	return nil
}

// LogindRestarter reboots the machine through systemd-logind.
type LogindRestarter struct{}

func (LogindRestarter) Restart(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("dbus system bus: %w", err)
	}
	defer conn.Close()

	call := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1").
		CallWithContext(ctx, "org.freedesktop.login1.Manager.Reboot", 0, false)
	if call.Err != nil {
		return fmt.Errorf("logind reboot: %w", call.Err)
	}
	return nil
}
