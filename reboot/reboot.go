// Package reboot abstracts the single opaque action the main loop performs
// once the reboot gate (spec §4.9) opens: issuing the system reboot.
package reboot

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Rebooter issues the final system reboot. It is an external collaborator
// per spec §1 and is therefore hidden behind this interface so the
// reboot-gate tests (S4) never actually reboot the test process.
type Rebooter interface {
	Reboot() error
}

// Linux reboots the host via the LINUX_REBOOT_CMD_RESTART syscall, syncing
// the filesystem first.
type Linux struct{}

func (Linux) Reboot() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return errors.Wrap(err, "reboot syscall failed")
	}
	return nil
}

// Recorder is a Rebooter used in tests: it never touches the kernel, it
// just latches that a reboot was requested.
type Recorder struct {
	mu       sync.Mutex
	Rebooted bool
	Count    int
}

func (r *Recorder) Reboot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rebooted = true
	r.Count++
	return nil
}

func (r *Recorder) WasRebooted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Rebooted
}
