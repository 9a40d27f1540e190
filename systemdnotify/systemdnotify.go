// Package systemdnotify wraps sd_notify so the daemon can report readiness
// and watchdog liveness to systemd, matching the CLI surface note in spec §6
// ("invoked as a supervised service") and design note §9's guidance that the
// restart-on-exit contract is disabled by exiting cleanly rather than by
// talking to the service manager directly.
package systemdnotify

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "systemdnotify")

// Notifier sends sd_notify messages when enabled, and is a silent no-op
// otherwise (tests and non-systemd environments run with Enabled=false).
type Notifier struct {
	Enabled bool
}

func New(enabled bool) *Notifier {
	return &Notifier{Enabled: enabled}
}

func (n *Notifier) Ready() {
	n.send("READY=1")
}

func (n *Notifier) Watchdog() {
	n.send("WATCHDOG=1")
}

func (n *Notifier) Stopping() {
	n.send("STOPPING=1")
}

func (n *Notifier) send(state string) {
	if !n.Enabled {
		return
	}
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		plog.Warningf("sd_notify(%s) failed: %v", state, err)
		return
	}
	if !ok {
		plog.Debugf("sd_notify(%s): NOTIFY_SOCKET not set", state)
	}
}
