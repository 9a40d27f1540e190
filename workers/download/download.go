// Package download implements the upstream & download worker (spec §4.6,
// §4.6.1): one cooperative loop interleaving a per-tick upstream version
// refresh with at most one download.
package download

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/victronenergy/package-manager/archive"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/queue"
	"github.com/victronenergy/package-manager/registry"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "download")

const (
	tickSleep = 5 * time.Second

	shortRefreshCadence  = 10 * time.Second
	shortDownloadCadence = 10 * time.Second
	longRefreshCadence   = 60 * time.Second
	longDownloadCadence  = 600 * time.Second
)

// Worker owns the cursor/lastDownloadAt/priorityName cooperative state
// described by spec §4.6.
type Worker struct {
	facade   *bus.Facade
	q        *queue.Queue
	fetcher  archive.Fetcher
	unpacker archive.Unpacker
	storeDir string
	clock    clockwork.Clock

	cursor         int
	lastRefreshAt  time.Time
	lastDownloadAt time.Time
	priorityName   atomic.Value // string

	stopped atomic.Bool
	done    chan struct{}
}

func New(facade *bus.Facade, q *queue.Queue, fetcher archive.Fetcher, unpacker archive.Unpacker, storeDir string, clock clockwork.Clock) *Worker {
	w := &Worker{facade: facade, q: q, fetcher: fetcher, unpacker: unpacker, storeDir: storeDir, clock: clock, done: make(chan struct{})}
	w.priorityName.Store("")
	return w
}

func (w *Worker) Stop() { w.stopped.Store(true) }

// Done is closed once Run has returned, for the supervisor's bounded join.
func (w *Worker) Done() <-chan struct{} { return w.done }

// SetPriorityName requests that name's upstream version be refreshed ahead
// of the cursor's normal rotation (spec §4.6: "set when a package's
// owner/branch changes").
func (w *Worker) SetPriorityName(name string) {
	w.priorityName.Store(name)
}

func (w *Worker) takePriorityName() string {
	name, _ := w.priorityName.Swap("").(string)
	return name
}

func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for !w.stopped.Load() {
		w.tick(ctx)
	}
}

func (w *Worker) tick(ctx context.Context) {
	if name := w.takePriorityName(); name != "" {
		w.refreshOne(ctx, name)
		w.clock.Sleep(tickSleep)
		return
	}

	mode := w.facade.AutoDownloadMode()
	refreshCadence := longRefreshCadence
	if mode == bus.AutoDownloadFast || mode == bus.AutoDownloadOneShot {
		refreshCadence = shortRefreshCadence
	}

	reg := w.facade.Registry()
	cycleComplete := false
	if w.clock.Now().Sub(w.lastRefreshAt) >= refreshCadence {
		w.lastRefreshAt = w.clock.Now()
		if name, ok := reg.NameAt(w.cursor); ok {
			w.refreshOne(ctx, name)
		}
		w.cursor++
		if w.cursor >= reg.Len() {
			w.cursor = 0
			cycleComplete = true
		}
	}

	if cmd, ok := w.q.TryPop(); ok {
		w.handleCommand(ctx, cmd)
		return
	}

	if cycleComplete {
		switch mode {
		case bus.AutoDownloadOneShot:
			w.facade.SetAutoDownloadMode(bus.AutoDownloadOff)
			mode = bus.AutoDownloadOff
		case bus.AutoDownloadFast:
			w.facade.SetAutoDownloadMode(bus.AutoDownloadNormal)
			mode = bus.AutoDownloadNormal
		}
	}

	if mode == bus.AutoDownloadOff {
		w.facade.SetDownloadStatus("")
		w.clock.Sleep(tickSleep)
		return
	}

	downloadCadence := longDownloadCadence
	if mode == bus.AutoDownloadFast || mode == bus.AutoDownloadOneShot {
		downloadCadence = shortDownloadCadence
	}

	name, ok := reg.FirstDownloadEligible()
	if ok && w.clock.Now().Sub(w.lastDownloadAt) >= downloadCadence {
		w.lastDownloadAt = w.clock.Now()
		w.runDownload(ctx, name, SourceAuto)
	} else if ok {
		remaining := downloadCadence - w.clock.Now().Sub(w.lastDownloadAt)
		w.facade.SetDownloadStatus(fmtCountdown(remaining))
	} else {
		w.facade.SetDownloadStatus("")
	}

	w.clock.Sleep(tickSleep)
}

func (w *Worker) refreshOne(ctx context.Context, name string) {
	reg := w.facade.Registry()
	pkg, err := reg.Get(name)
	if err != nil {
		return
	}
	version, err := w.fetcher.FetchVersion(ctx, pkg.UpstreamOwner, pkg.Name, pkg.UpstreamBranch)
	if err != nil {
		plog.Warningf("fetching upstream version for %s: %v", name, err)
		_ = reg.Mutate(name, func(p *registry.Package) {
			p.UpstreamVersion = ""
			p.LastDownloadAttemptError = err.Error()
		})
		w.facade.PublishPackageByName(name)
		return
	}
	_ = reg.Mutate(name, func(p *registry.Package) {
		p.UpstreamVersion = version
		p.LastDownloadAttemptError = ""
	})
	w.facade.PublishPackageByName(name)
}

func (w *Worker) handleCommand(ctx context.Context, cmd string) {
	name := commandName(cmd)
	if name == "" {
		plog.Errorf("malformed download command %q: dropped", cmd)
		return
	}
	w.runDownload(ctx, name, SourceManual)
}

// Source distinguishes a manual "download:<name>" command from an
// automatic cadence-driven download, for EditStatus/DownloadStatus and
// ActionResult routing.
type Source int

const (
	SourceManual Source = iota
	SourceAuto
)

// runDownload implements spec §4.6.1's fetch-unpack-swap sequence.
func (w *Worker) runDownload(ctx context.Context, name string, source Source) {
	reg := w.facade.Registry()
	pkg, err := reg.Get(name)
	if err != nil {
		return
	}
	_ = reg.Mutate(name, func(p *registry.Package) { p.DownloadPending = true })
	w.facade.PublishPackageByName(name)

	tempDir, err := os.MkdirTemp("", "pm-dl-"+uuid.New().String()+"-")
	if err != nil {
		w.fail(name, source, errors.Wrap(err, "creating temp directory"))
		return
	}
	defer os.RemoveAll(tempDir)

	body, err := w.fetcher.FetchArchive(ctx, pkg.UpstreamOwner, pkg.Name, pkg.UpstreamBranch)
	if err != nil {
		w.fail(name, source, errors.Wrap(err, "fetching archive"))
		return
	}
	unpackErr := w.unpacker.Unpack(body, tempDir)
	body.Close()
	if unpackErr != nil {
		w.fail(name, source, errors.Wrap(unpackErr, "unpacking archive"))
		return
	}

	packagePath, found := archive.LocatePackagePath(tempDir)
	if !found {
		w.fail(name, source, errors.New("no package directory with a valid version file found in archive"))
		return
	}

	dest := filepath.Join(w.storeDir, name)
	reg.Lock()
	err = swapIntoStore(packagePath, dest)
	reg.Unlock()
	if err != nil {
		w.fail(name, source, err)
		return
	}

	_ = reg.Mutate(name, func(p *registry.Package) { p.DownloadPending = false })
	w.facade.PublishPackageByName(name)
	if source == SourceManual {
		w.facade.SetEditStatus("")
		w.facade.SetActionResult(bus.ActionResultNone)
	} else {
		w.facade.SetDownloadStatus("")
	}
}

// swapIntoStore renames the unpacked tree into place under the registry
// lock, using the sibling "<name>-temp" dance so readers never observe a
// half-renamed store directory (spec §4.6.1 step 5, §5).
func swapIntoStore(unpacked, dest string) error {
	tempSibling := dest + "-temp"
	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, tempSibling); err != nil {
			return errors.Wrapf(err, "renaming existing %s aside", dest)
		}
	}
	if err := os.Rename(unpacked, dest); err != nil {
		_ = os.Rename(tempSibling, dest)
		return errors.Wrapf(err, "moving unpacked tree into %s", dest)
	}
	if _, err := os.Stat(tempSibling); err == nil {
		_ = os.RemoveAll(tempSibling)
	}
	return nil
}

func (w *Worker) fail(name string, source Source, err error) {
	plog.Errorf("download of %s failed: %v", name, err)
	reg := w.facade.Registry()
	_ = reg.Mutate(name, func(p *registry.Package) {
		p.DownloadPending = false
		p.LastDownloadAttemptError = err.Error()
	})
	w.facade.PublishPackageByName(name)
	if source == SourceManual {
		w.facade.SetEditStatus("ERROR")
		w.facade.SetActionResult(bus.ActionResultError)
	} else {
		w.facade.SetDownloadStatus("ERROR")
	}
}

func commandName(cmd string) string {
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == ':' {
			return cmd[i+1:]
		}
	}
	return ""
}

func fmtCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return "next check in " + d.Round(time.Second).String()
}
