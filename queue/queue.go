// Package queue implements the bounded command queues described in spec
// §4.4 and design note §9: depth 10, non-blocking produce, blocking
// consume with a 5-second timeout so a worker's cancellation flag is
// polled regularly even when idle.
package queue

import (
	"time"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "queue")

// Capacity is the fixed depth of every command queue (spec §4.4/§9).
const Capacity = 10

// Queue is a bounded FIFO of command strings ("verb:name").
type Queue struct {
	name string
	ch   chan string
}

// New creates a named queue (the name is only used in overflow log lines).
func New(name string) *Queue {
	return &Queue{name: name, ch: make(chan string, Capacity)}
}

// Push attempts a non-blocking enqueue. On overflow it logs and drops the
// command, matching spec §4.4 ("overflow drops the command with an error
// log") and §7 ("Queue full: locally recovered, logged, no user signal").
func (q *Queue) Push(cmd string) {
	select {
	case q.ch <- cmd:
	default:
		plog.Errorf("%s queue full (capacity %d); dropping command %q", q.name, Capacity, cmd)
	}
}

// Pop blocks for up to timeout waiting for a command. It returns ("", false)
// on timeout, letting the caller re-check its cancellation flag.
func (q *Queue) Pop(timeout time.Duration) (string, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	case <-time.After(timeout):
		return "", false
	}
}

// TryPop drains at most one command without blocking, for workers that
// interleave a queue drain with other per-tick work (spec §4.6 step 4).
func (q *Queue) TryPop() (string, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
		return "", false
	}
}
