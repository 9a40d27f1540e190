// Package install implements the install worker (spec §4.7): single
// consumer of install/uninstall commands, plus a periodic auto-install
// sweep.
package install

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/jonboulle/clockwork"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/internal/executil"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/queue"
	"github.com/victronenergy/package-manager/refresh"
	"github.com/victronenergy/package-manager/registry"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "install")

const (
	popTimeout             = 5 * time.Second
	sweepSleep             = 5 * time.Second
	doNotAutoInstallMarker = "DO_NOT_AUTO_INSTALL"
)

// Source distinguishes a UI-triggered run from the automatic sweep, for
// ActionResult/RebootRequested routing (spec §4.7.1 step 5's "if manual").
type Source int

const (
	SourceManual Source = iota
	SourceAuto
)

// Worker drains the install queue and runs the periodic auto-install sweep.
type Worker struct {
	facade *bus.Facade
	q      *queue.Queue
	probe  probe.Probe
	clock  clockwork.Clock
	cfg    refresh.Config

	stopped atomic.Bool
	done    chan struct{}
}

func New(facade *bus.Facade, q *queue.Queue, pr probe.Probe, clock clockwork.Clock, cfg refresh.Config) *Worker {
	return &Worker{facade: facade, q: q, probe: pr, clock: clock, cfg: cfg, done: make(chan struct{})}
}

func (w *Worker) Stop() { w.stopped.Store(true) }

// Done is closed once Run has returned, for the supervisor's bounded join.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run implements spec §4.7's per-cycle loop: drain at most one UI command;
// otherwise, if enabled, run one auto-install sweep; sleep 5s.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for !w.stopped.Load() {
		if cmd, ok := w.q.Pop(popTimeout); ok {
			w.handleCommand(ctx, cmd)
			continue
		}

		if w.facade.AutoInstallEnabled() {
			reg := w.facade.Registry()
			if name, ok := reg.FirstAutoInstallEligible(w.hasDoNotAutoInstall); ok {
				w.runOne(ctx, name, "install", SourceAuto)
			}
		}
		w.clock.Sleep(sweepSleep)
	}
}

func (w *Worker) hasDoNotAutoInstall(name string) bool {
	return w.probe.HasMarker(w.cfg.StoreDir, name, doNotAutoInstallMarker)
}

func (w *Worker) handleCommand(ctx context.Context, cmd string) {
	verb, name, ok := splitCmd(cmd)
	if !ok {
		plog.Errorf("malformed install command %q: dropped", cmd)
		return
	}
	switch verb {
	case "install", "uninstall":
		w.runOne(ctx, name, verb, SourceManual)
	default:
		plog.Errorf("unrecognized install-queue command %q: dropped", cmd)
	}
}

// runOne implements spec §4.7.1.
func (w *Worker) runOne(ctx context.Context, name, direction string, source Source) {
	reg := w.facade.Registry()

	if err := refresh.Package(reg, w.probe, w.cfg, name); err != nil {
		plog.Errorf("refreshing %s before %s: %v", name, direction, err)
		return
	}
	pkg, err := reg.Get(name)
	if err != nil {
		plog.Errorf("%s: %v", direction, err)
		return
	}
	if pkg.InstallState != registry.InstallOk {
		plog.Infof("skipping %s of %s: InstallState=%s", direction, name, pkg.InstallState)
		return
	}

	if direction == "uninstall" {
		_ = w.probe.CreateMarker(w.cfg.StoreDir, name, doNotAutoInstallMarker)
	} else {
		_ = w.probe.RemoveMarker(w.cfg.StoreDir, name, doNotAutoInstallMarker)
	}

	if !w.probe.HasSetup(w.cfg.StoreDir, name) {
		_ = reg.Mutate(name, func(p *registry.Package) { p.InstallState = registry.InstallNoSetupFile })
		w.reportStatus(source, "ERROR: "+name+" has no setup file")
		if source == SourceManual {
			w.facade.SetActionResult(bus.ActionResultError)
		}
		return
	}

	if source == SourceManual {
		w.reportStatus(source, direction+"ing "+name)
	} else {
		w.facade.SetInstallStatus(direction + "ing " + name)
	}

	setupPath := filepath.Join(w.cfg.StoreDir, name, "setup")
	result, err := executil.RunSetup(ctx, setupPath, direction, "1")
	if err != nil {
		plog.Errorf("running setup for %s: %v", name, err)
		_ = reg.Mutate(name, func(p *registry.Package) { p.InstallState = registry.InstallGenericError })
		w.reportStatus(source, "")
		if source == SourceManual {
			w.facade.SetActionResult(bus.ActionResultError)
		}
		return
	}

	w.applyExitCode(name, direction, source, result)
	w.facade.PublishAll()
}

func (w *Worker) applyExitCode(name, direction string, source Source, result executil.Result) {
	switch result.ExitCode {
	case executil.ExitOK:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) {
			p.InstallState = registry.InstallOk
			p.Incompatibility = registry.IncompatibilityNone
		})
		w.reportStatus(source, "")

	case executil.ExitRebootRequired:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) {
			p.InstallState = registry.InstallRebootRequired
			p.RebootNeeded = true
		})
		if source == SourceManual {
			w.facade.SetActionResult(bus.ActionResultRebootNeeded)
		} else {
			w.facade.RequestReboot()
		}
		w.reportStatus(source, "")

	case executil.ExitRunAgain:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) { p.InstallState = registry.InstallRunAgain })
		plog.Warningf("%s %s must be run from the command line", direction, name)
		w.reportStatus(source, "must be run from the command line")
		if source == SourceManual {
			w.facade.SetActionResult(bus.ActionResultError)
		}

	case executil.ExitOptionsNotSet:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) { p.InstallState = registry.InstallOptionsNotSet })
		plog.Warningf("%s %s options not set", direction, name)
		w.reportStatus(source, "options not set")
		if source == SourceManual {
			w.facade.SetActionResult(bus.ActionResultError)
		}

	case executil.ExitFileSetError:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) { p.InstallState = registry.InstallFileSetError })
		plog.Errorf("%s %s: file set error", direction, name)
		w.reportStatus(source, "ERROR: file set error")
		if source == SourceManual {
			w.facade.SetActionResult(bus.ActionResultError)
		}

	case executil.ExitPlatformIncompatible:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) {
			p.InstallState = registry.InstallPlatformIncompatible
			p.Incompatibility = registry.IncompatibilityPlatform
		})
		w.reportStatus(source, "")

	case executil.ExitVersionIncompatible:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) {
			p.InstallState = registry.InstallVersionIncompatible
			p.Incompatibility = registry.IncompatibilityVersion
		})
		w.reportStatus(source, "")

	default:
		_ = w.facade.Registry().Mutate(name, func(p *registry.Package) { p.InstallState = registry.InstallGenericError })
		plog.Errorf("%s %s: setup exited %d: %s", direction, name, result.ExitCode, result.Output)
		w.reportStatus(source, "")
	}
}

func (w *Worker) reportStatus(source Source, msg string) {
	if source == SourceManual {
		w.facade.SetEditStatus(msg)
	} else {
		w.facade.SetInstallStatus(msg)
	}
}

func splitCmd(cmd string) (verb, name string, ok bool) {
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == ':' {
			return cmd[:i], cmd[i+1:], true
		}
	}
	return "", "", false
}
