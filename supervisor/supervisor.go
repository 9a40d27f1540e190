// Package supervisor wires the bus façade, registry, command router,
// queues, and the four workers together, and runs the main loop and
// reboot gate (spec §4.9).
package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/jonboulle/clockwork"
	"github.com/victronenergy/package-manager/archive"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/discovery"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/queue"
	"github.com/victronenergy/package-manager/reboot"
	"github.com/victronenergy/package-manager/refresh"
	"github.com/victronenergy/package-manager/registry"
	"github.com/victronenergy/package-manager/router"
	"github.com/victronenergy/package-manager/systemdnotify"
	"github.com/victronenergy/package-manager/workers/addremove"
	"github.com/victronenergy/package-manager/workers/download"
	"github.com/victronenergy/package-manager/workers/install"
	"github.com/victronenergy/package-manager/workers/mediascan"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "supervisor")

const mainLoopTick = 5 * time.Second

// joinTimeouts are the bounded shutdown waits from spec §4.9.
const (
	downloadJoinTimeout  = 30 * time.Second
	installJoinTimeout   = 10 * time.Second
	addRemoveJoinTimeout = 10 * time.Second
)

// Config bundles everything the supervisor needs to construct and run the
// daemon, gathered from CLI flags in cmd/packagemanager.
type Config struct {
	StoreDir          string
	InstallMarkerDir  string
	SetupOptionsDir   string
	MediaRoot         string
	DefaultListPath   string
	Platform          string
	PlatformOSVersion string

	VersionURL    string
	ArchiveURL    string
	FetchInterval time.Duration

	SystemdNotify bool
}

// Supervisor owns every long-lived component of the daemon.
type Supervisor struct {
	cfg    Config
	conn   bus.Conn
	reg    *registry.Registry
	facade *bus.Facade
	pr     probe.Probe
	clock  clockwork.Clock
	reb    reboot.Rebooter
	notify *systemdnotify.Notifier

	installQ   *queue.Queue
	downloadQ  *queue.Queue
	addRemoveQ *queue.Queue

	installWorker   *install.Worker
	downloadWorker  *download.Worker
	addRemoveWorker *addremove.Worker
	mediaWorker     *mediascan.Worker

	defaultsMu sync.Mutex
	defaults   map[string]discovery.UpstreamInfo

	stopped chan struct{}
}

// New wires every component. conn is the production DBusConn or a MemConn
// in tests; pr is probe.FS or probe.Fake; rebooter is reboot.Linux or
// reboot.Recorder; clock is clockwork.NewRealClock() or a FakeClock.
func New(cfg Config, conn bus.Conn, paths bus.Paths, pr probe.Probe, reb reboot.Rebooter, clock clockwork.Clock) *Supervisor {
	reg := registry.New()
	facade := bus.New(conn, reg, paths)
	facade.SetPlatform(cfg.Platform)

	s := &Supervisor{
		cfg: cfg, conn: conn, reg: reg, facade: facade, pr: pr, clock: clock, reb: reb,
		notify:     systemdnotify.New(cfg.SystemdNotify),
		installQ:   queue.New("install"),
		downloadQ:  queue.New("download"),
		addRemoveQ: queue.New("addremove"),
		stopped:    make(chan struct{}),
	}

	fetcher := archive.NewHTTPFetcher(cfg.VersionURL, cfg.ArchiveURL, cfg.FetchInterval)
	var unpacker archive.Unpacker = archive.TarGzUnpacker{}

	s.installWorker = install.New(facade, s.installQ, pr, clock, s.refreshConfig())
	s.downloadWorker = download.New(facade, s.downloadQ, fetcher, unpacker, cfg.StoreDir, clock)
	s.addRemoveWorker = addremove.New(facade, s.addRemoveQ, pr, cfg.StoreDir, s.snapshotDefaults)
	s.mediaWorker = mediascan.New(facade, unpacker, cfg.MediaRoot, cfg.StoreDir, clock)

	r := router.New(facade, s.installQ, s.downloadQ, s.addRemoveQ)
	facade.SetActionCommandHandler(r.Dispatch)

	return s
}

func (s *Supervisor) refreshConfig() refresh.Config {
	return refresh.Config{
		StoreDir:          s.cfg.StoreDir,
		InstallMarkerDir:  s.cfg.InstallMarkerDir,
		Platform:          s.cfg.Platform,
		PlatformOSVersion: s.cfg.PlatformOSVersion,
		SetupOptionsDir:   s.cfg.SetupOptionsDir,
	}
}

func (s *Supervisor) snapshotDefaults() map[string]discovery.UpstreamInfo {
	s.defaultsMu.Lock()
	defer s.defaultsMu.Unlock()
	return s.defaults
}

// Start runs the three-phase registry population, starts the four workers
// and the main loop, and notifies systemd readiness (spec §4.10).
func (s *Supervisor) Start(ctx context.Context) error {
	defaults, err := discovery.Startup(s.facade, s.reg, s.pr, s.cfg.StoreDir, s.cfg.DefaultListPath, s.cfg.Platform)
	if err != nil {
		plog.Criticalf("startup failed: %v", err)
		return err
	}
	s.defaultsMu.Lock()
	s.defaults = defaults
	s.defaultsMu.Unlock()

	s.facade.PublishAll()

	go s.installWorker.Run(ctx)
	go s.downloadWorker.Run(ctx)
	go s.addRemoveWorker.Run()
	go s.mediaWorker.Run()
	go s.mainLoop(ctx)

	s.notify.Ready()
	return nil
}

// mainLoop implements spec §4.9.
func (s *Supervisor) mainLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopped:
			return
		default:
		}

		if err := discovery.ScanStore(s.facade, s.reg, s.pr, s.cfg.StoreDir, s.cfg.Platform); err != nil {
			plog.Errorf("store rescan: %v", err)
		}
		refresh.All(s.reg, s.pr, s.refreshConfig())
		s.facade.PublishAll()
		s.notify.Watchdog()

		if s.facade.RebootRequested() && !anyDownloadPending(s.reg) {
			s.facade.SetDownloadStatus("REBOOTING...")
			s.facade.SetEditStatus("REBOOTING...")
			s.Shutdown()
			// A Restart=on-failure unit must not relaunch a daemon that just
			// asked the OS to reboot (spec §4.9).
			os.Exit(0)
		}

		s.clock.Sleep(mainLoopTick)
	}
}

func anyDownloadPending(reg *registry.Registry) bool {
	for _, p := range reg.Snapshot() {
		if p.DownloadPending {
			return true
		}
	}
	return false
}

// Shutdown stops all workers with bounded joins, removes the bus service,
// invokes the reboot adapter, and returns so the process can exit 0
// (disabling the supervisor's restart of this process, spec §4.9).
func (s *Supervisor) Shutdown() {
	close(s.stopped)
	s.notify.Stopping()

	s.installWorker.Stop()
	s.downloadWorker.Stop()
	s.addRemoveWorker.Stop()
	s.mediaWorker.Stop()

	joinWithTimeout("download", s.downloadWorker.Done(), downloadJoinTimeout)
	joinWithTimeout("install", s.installWorker.Done(), installJoinTimeout)
	joinWithTimeout("addremove", s.addRemoveWorker.Done(), addRemoveJoinTimeout)

	_ = s.conn.Close()

	if err := s.reb.Reboot(); err != nil {
		plog.Errorf("reboot: %v", err)
	}
}

// joinWithTimeout waits for a worker's Run goroutine to exit, up to
// timeout. A worker that doesn't exit in time is logged but not forcibly
// killed (spec §5).
func joinWithTimeout(name string, done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		plog.Warningf("%s worker did not stop within %s", name, timeout)
	}
}
