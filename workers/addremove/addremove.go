// Package addremove implements the add/remove worker (spec §4.5): the
// single consumer of the add-remove command queue, handling "add:<name>"
// and "remove:<name>" commands serially.
package addremove

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/discovery"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/queue"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "addremove")

// popTimeout matches the other workers' idle-poll cadence (spec §9: queues
// are popped with a 5s timeout so a worker notices shutdown promptly).
const popTimeout = 5 * time.Second

// Worker drains the add-remove queue and applies each command to the
// registry and settings tree.
type Worker struct {
	facade   *bus.Facade
	q        *queue.Queue
	probe    probe.Probe
	storeDir string
	defaults func() map[string]discovery.UpstreamInfo

	stopped atomic.Bool
	done    chan struct{}
}

// New constructs a Worker. defaultsFn is consulted lazily on every add so
// the worker always sees the most recently loaded default-list map.
func New(facade *bus.Facade, q *queue.Queue, pr probe.Probe, storeDir string, defaultsFn func() map[string]discovery.UpstreamInfo) *Worker {
	return &Worker{facade: facade, q: q, probe: pr, storeDir: storeDir, defaults: defaultsFn, done: make(chan struct{})}
}

// Run drains the queue until Stop is called. Intended to run in its own
// goroutine, supervised by the main daemon loop (spec §4.9).
func (w *Worker) Run() {
	defer close(w.done)
	for !w.stopped.Load() {
		cmd, ok := w.q.Pop(popTimeout)
		if !ok {
			continue
		}
		w.handle(cmd)
	}
}

// Stop requests the run loop to exit after its current Pop times out.
func (w *Worker) Stop() {
	w.stopped.Store(true)
}

// Done is closed once Run has returned, for the supervisor's bounded join.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) handle(cmd string) {
	verb, name, ok := strings.Cut(strings.TrimSpace(cmd), ":")
	if !ok {
		plog.Errorf("malformed add-remove command %q: dropped", cmd)
		return
	}
	name = strings.TrimSpace(name)

	switch verb {
	case "add":
		discovery.AddFromGUI(w.facade, w.facade.Registry(), w.probe, w.storeDir, name, w.defaults())
	case "remove":
		discovery.RemoveFromGUI(w.facade, w.facade.Registry(), w.probe, w.storeDir, name)
	default:
		plog.Errorf("unrecognized add-remove command %q: dropped", cmd)
	}
}
