// Package bus is the façade described in spec §4.2: it publishes
// per-package attributes and global status channels to the object bus, and
// serializes structural registry mutations behind one lock.
//
// Per design note §9 (and SPEC_FULL §5), the "one reentrant lock" of the
// original is split here into two layers instead of faked with a literal
// reentrant mutex (Go's sync.Mutex is not reentrant, and emulating
// reentrance invites subtle deadlocks): Facade's own methods below are a
// non-blocking *publish* layer that never re-enters registry.Registry's
// lock, and registry.Registry itself is the blocking, length-sensitive
// layer. Everything reachable from inside an already-locked registry
// section (the fetch-unpack-swap and media-swap sequences) only ever calls
// the publish layer, so there is nothing to re-enter.
package bus

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coreos/pkg/capnslog"
	"github.com/victronenergy/package-manager/registry"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "bus")

// Paths holds the bus path layout (spec §6), configurable so tests and
// alternate deployments can point at a scratch settings tree.
type Paths struct {
	SettingsBase       string // e.g. "/Settings/PackageManager"
	LegacySettingsBase string // migrated from once at startup, then deleted
	ServiceName        string // e.g. "com.victronenergy.packageManager"
}

// Facade is the bus façade singleton (spec design note "Globals as
// singletons" — here an explicit long-lived value instead of a module
// global).
type Facade struct {
	conn  Conn
	paths Paths
	reg   *registry.Registry

	statusMu       sync.Mutex
	editStatus     string
	installStatus  string
	downloadStatus string
	mediaStatus    string
	actionResult   ActionResult

	modeMu             sync.Mutex
	autoDownloadMode   AutoDownloadMode
	autoInstallEnabled bool

	rebootRequested atomic.Bool

	platform string

	commandMu sync.Mutex
	onCommand func(cmd string)
}

// New constructs a Facade over an already-populated registry and a Conn
// (real DBusConn in production, MemConn in tests).
func New(conn Conn, reg *registry.Registry, paths Paths) *Facade {
	f := &Facade{conn: conn, paths: paths, reg: reg}
	f.conn.OnWrite("/GuiEditAction", func(v interface{}) {
		cmd, _ := v.(string)
		f.dispatchCommand(cmd)
	})
	return f
}

// SetActionCommandHandler registers the command router's Dispatch method,
// invoked whenever the UI writes /GuiEditAction (spec §4.4).
func (f *Facade) SetActionCommandHandler(h func(cmd string)) {
	f.commandMu.Lock()
	f.onCommand = h
	f.commandMu.Unlock()
}

func (f *Facade) dispatchCommand(cmd string) {
	f.commandMu.Lock()
	h := f.onCommand
	f.commandMu.Unlock()
	if h == nil {
		plog.Warningf("GuiEditAction %q received before a command handler was registered", cmd)
		return
	}
	h(cmd)
}

// Registry returns the underlying registry for workers and the router.
func (f *Facade) Registry() *registry.Registry { return f.reg }

// Conn exposes the raw Conn for the registry-population phases, which need
// to read indexed settings entries directly.
func (f *Facade) Conn() Conn { return f.conn }

// Paths returns the configured path layout.
func (f *Facade) Paths() Paths { return f.paths }

// --- Status channels (spec §4.2) ---

func (f *Facade) SetEditStatus(s string) {
	f.statusMu.Lock()
	f.editStatus = s
	f.statusMu.Unlock()
	f.conn.Publish("/GuiEditStatus", s)
}

func (f *Facade) SetInstallStatus(s string) {
	f.statusMu.Lock()
	f.installStatus = s
	f.statusMu.Unlock()
	f.conn.Publish("/InstallStatus", s)
}

func (f *Facade) SetDownloadStatus(s string) {
	f.statusMu.Lock()
	f.downloadStatus = s
	f.statusMu.Unlock()
	f.conn.Publish("/GitHubUpdateStatus", s)
}

func (f *Facade) SetMediaStatus(s string) {
	f.statusMu.Lock()
	f.mediaStatus = s
	f.statusMu.Unlock()
	f.conn.Publish("/MediaUpdateStatus", s)
}

func (f *Facade) EditStatus() string {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return f.editStatus
}

func (f *Facade) DownloadStatus() string {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return f.downloadStatus
}

// --- ActionResult (spec §4.2) ---

func (f *Facade) SetActionResult(r ActionResult) {
	f.statusMu.Lock()
	f.actionResult = r
	f.statusMu.Unlock()
	f.conn.Publish("/ActionResult", string(r))
}

func (f *Facade) ActionResult() ActionResult {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return f.actionResult
}

// --- Modes (spec §4.2, persisted settings) ---

func (f *Facade) SetAutoDownloadMode(m AutoDownloadMode) {
	f.modeMu.Lock()
	f.autoDownloadMode = m
	f.modeMu.Unlock()
	_ = f.conn.SetValue(f.paths.SettingsBase+"/GitHubAutoDownload", int(m))
}

func (f *Facade) AutoDownloadMode() AutoDownloadMode {
	f.modeMu.Lock()
	defer f.modeMu.Unlock()
	return f.autoDownloadMode
}

func (f *Facade) SetAutoInstallEnabled(on bool) {
	f.modeMu.Lock()
	f.autoInstallEnabled = on
	f.modeMu.Unlock()
	v := 0
	if on {
		v = 1
	}
	_ = f.conn.SetValue(f.paths.SettingsBase+"/AutoInstall", v)
}

func (f *Facade) AutoInstallEnabled() bool {
	f.modeMu.Lock()
	defer f.modeMu.Unlock()
	return f.autoInstallEnabled
}

// --- Reboot flag (spec invariant 5: latched, never cleared by a worker) ---

func (f *Facade) RequestReboot() {
	f.rebootRequested.Store(true)
}

func (f *Facade) RebootRequested() bool {
	return f.rebootRequested.Load()
}

// --- Platform ---

func (f *Facade) SetPlatform(p string) {
	f.platform = p
	f.conn.Publish("/Platform", p)
}

func (f *Facade) Platform() string { return f.platform }

// --- Package attribute publishing (spec §6's /Package/<i>/...) ---

// PublishPackage republishes the full attribute set for the package
// currently at index i. Called after any registry mutation that could
// affect ordering (add/remove) and after any per-package field update.
func (f *Facade) PublishPackage(i int, p registry.Package) {
	base := packagePath(i)
	f.conn.Publish(base+"/UpstreamVersion", p.UpstreamVersion)
	f.conn.Publish(base+"/StoredVersion", p.StoredVersion)
	f.conn.Publish(base+"/InstalledVersion", p.InstalledVersion)
	f.conn.Publish(base+"/RebootNeeded", boolToInt(p.RebootNeeded))
	f.conn.Publish(base+"/Incompatible", p.Incompatibility.String())
}

// PublishAll republishes every package's attributes in order and updates
// PackageCount. Called after any structural change (spec: "PackageCount
// mirrors the registry length after every add/remove").
func (f *Facade) PublishAll() {
	snapshot := f.reg.Snapshot()
	for i, p := range snapshot {
		f.PublishPackage(i, p)
	}
	f.conn.Publish("/PackageCount", len(snapshot))
}

// PublishPackageByName republishes one package's attributes by name,
// looking up its current index under the registry lock. Workers that
// mutate a single record by name (rather than walking the registry) use
// this instead of a full PublishAll.
func (f *Facade) PublishPackageByName(name string) {
	i, p, ok := f.reg.IndexAndGet(name)
	if !ok {
		return
	}
	f.PublishPackage(i, p)
}

func packagePath(i int) string {
	return "/Package/" + strconv.Itoa(i)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
