// Package router implements the single entry point for UI commands (spec
// §4.4): it demultiplexes "verb:name" strings written to /GuiEditAction
// onto the three worker queues, or handles a command in-line (reboot).
package router

import (
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/queue"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "router")

// Router demultiplexes ActionCommand writes. Dispatch must return quickly;
// all real work happens in the workers owning the three queues (spec §4.4:
// "The router must return quickly to the bus dispatcher").
type Router struct {
	facade    *bus.Facade
	install   *queue.Queue
	download  *queue.Queue
	addRemove *queue.Queue
}

func New(facade *bus.Facade, install, download, addRemove *queue.Queue) *Router {
	return &Router{facade: facade, install: install, download: download, addRemove: addRemove}
}

// Dispatch parses cmd and routes it per the table in spec §4.4. It is
// intended to be registered as the Facade's action-command handler.
func (r *Router) Dispatch(cmd string) {
	verb, name, ok := parse(cmd)
	if !ok {
		// "" is acknowledged as a no-op; anything else without a colon is
		// logged and dropped, matching "anything else: Logged error; dropped."
		if strings.TrimSpace(cmd) == "" {
			return
		}
		plog.Errorf("malformed action command %q: dropped", cmd)
		return
	}

	switch verb {
	case "install", "uninstall":
		r.install.Push(cmd)
	case "download":
		r.download.Push(cmd)
	case "add", "remove":
		r.addRemove.Push(cmd)
	case "reboot":
		r.facade.RequestReboot()
	case "":
		// acknowledged, no-op
	default:
		plog.Errorf("unrecognized action command verb %q (name %q): dropped", verb, name)
	}
}

// parse splits "verb:name" on the first colon and trims both parts,
// matching design note §9's "wire format preserved verbatim... parse with a
// single colon split and trim both parts". A bare "" input parses as
// verb="" with ok=true (the explicit no-op case); any other input without a
// colon is malformed.
func parse(cmd string) (verb, name string, ok bool) {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return "", "", true
	}
	idx := strings.Index(trimmed, ":")
	if idx < 0 {
		return "", "", false
	}
	verb = strings.TrimSpace(trimmed[:idx])
	name = strings.TrimSpace(trimmed[idx+1:])
	return verb, name, true
}

// Name extracts the name portion of a "verb:name" command, for workers
// that already know they're handling their own verb.
func Name(cmd string) string {
	_, name, _ := parse(cmd)
	return name
}
