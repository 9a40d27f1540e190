// Package mediascan implements the media-scan worker (spec §4.8): watches
// a removable-media mount root for newly-appeared volumes, unpacks any
// accepted archive found directly in a volume's root, and swaps it into
// the local store. It never creates a registry entry itself — admission
// happens at the next store-scan pass (spec §4.3 phase 3 / §4.9 step 1).
package mediascan

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/victronenergy/package-manager/archive"
	"github.com/victronenergy/package-manager/bus"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "mediascan")

const pollInterval = 5 * time.Second

// acceptTokens is the fixed accept-list of branch/version tokens an
// archive's filename must contain (spec §4.8).
var acceptTokens = buildAcceptTokens()

func buildAcceptTokens() []string {
	tokens := []string{"-current", "-latest", "-main", "-test", "-debug", "-beta", "-install"}
	for d := '0'; d <= '9'; d++ {
		tokens = append(tokens, "-"+string(d))
	}
	return tokens
}

// Worker watches mediaRoot and swaps accepted archives into storeDir.
type Worker struct {
	facade    *bus.Facade
	unpacker  archive.Unpacker
	mediaRoot string
	storeDir  string
	clock     clockwork.Clock

	seen map[string]bool

	stopped atomic.Bool
	done    chan struct{}
}

func New(facade *bus.Facade, unpacker archive.Unpacker, mediaRoot, storeDir string, clock clockwork.Clock) *Worker {
	return &Worker{facade: facade, unpacker: unpacker, mediaRoot: mediaRoot, storeDir: storeDir, clock: clock, seen: map[string]bool{}, done: make(chan struct{})}
}

func (w *Worker) Stop() { w.stopped.Store(true) }

// Done is closed once Run has returned, for the supervisor's bounded join.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Run() {
	defer close(w.done)
	for !w.stopped.Load() {
		w.scan()
		w.clock.Sleep(pollInterval)
	}
}

func (w *Worker) scan() {
	entries, err := os.ReadDir(w.mediaRoot)
	if err != nil {
		return
	}

	present := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		present[e.Name()] = true
		if w.seen[e.Name()] {
			continue
		}
		w.seen[e.Name()] = true
		w.scanVolume(filepath.Join(w.mediaRoot, e.Name()))
	}

	for name := range w.seen {
		if !present[name] {
			delete(w.seen, name)
		}
	}
}

func (w *Worker) scanVolume(volumePath string) {
	entries, err := os.ReadDir(volumePath)
	if err != nil {
		plog.Warningf("reading media volume %s: %v", volumePath, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".tar.gz") || !accepted(name) {
			continue
		}
		w.transfer(filepath.Join(volumePath, name))
	}
}

func accepted(name string) bool {
	for _, token := range acceptTokens {
		if strings.Contains(name, token) {
			return true
		}
	}
	return false
}

// transfer implements the same temp-rename dance as spec §4.6.1, minus the
// registry bookkeeping (spec §4.8: "no registry entry is created here").
func (w *Worker) transfer(archivePath string) {
	f, err := os.Open(archivePath)
	if err != nil {
		plog.Errorf("opening media archive %s: %v", archivePath, err)
		return
	}
	defer f.Close()

	tempDir, err := os.MkdirTemp("", "pm-media-"+uuid.New().String()+"-")
	if err != nil {
		plog.Errorf("creating temp directory for %s: %v", archivePath, err)
		return
	}
	defer os.RemoveAll(tempDir)

	if err := w.unpacker.Unpack(f, tempDir); err != nil {
		plog.Errorf("unpacking media archive %s: %v", archivePath, err)
		return
	}

	packagePath, found := archive.LocatePackagePath(tempDir)
	if !found {
		plog.Errorf("media archive %s has no package directory with a valid version file", archivePath)
		return
	}

	name := filepath.Base(packagePath)
	dest := filepath.Join(w.storeDir, name)

	reg := w.facade.Registry()
	reg.Lock()
	err = swapIntoStore(packagePath, dest)
	reg.Unlock()
	if err != nil {
		plog.Errorf("swapping media package from %s into store: %v", archivePath, err)
		return
	}

	plog.Infof("transferred %s from media into %s", name, dest)
}

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
