package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/registry"
)

func newTestFacade() *bus.Facade {
	return bus.New(bus.NewMemConn(), registry.New(), bus.Paths{SettingsBase: "/Settings/PackageManager"})
}

func TestAddFromGUIRejectsDuplicateName(t *testing.T) {
	f := newTestFacade()
	reg := f.Registry()
	require.NoError(t, reg.Add(&registry.Package{Name: "dbus-mqtt"}))

	AddFromGUI(f, reg, probe.NewFake(), t.TempDir(), "dbus-mqtt", nil)

	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, bus.ActionResultError, f.ActionResult())
	assert.Contains(t, f.EditStatus(), "already exists")
}

func TestAddFromGUIRejectsEmptyName(t *testing.T) {
	f := newTestFacade()
	AddFromGUI(f, f.Registry(), probe.NewFake(), t.TempDir(), "", nil)
	assert.Equal(t, bus.ActionResultError, f.ActionResult())
	assert.Equal(t, 0, f.Registry().Len())
}

func TestAddFromGUIResolvesUpstreamFromDefaultList(t *testing.T) {
	f := newTestFacade()
	reg := f.Registry()
	defaults := map[string]UpstreamInfo{"dbus-mqtt": {Owner: "acme", Branch: "main"}}

	AddFromGUI(f, reg, probe.NewFake(), t.TempDir(), "dbus-mqtt", defaults)

	require.Equal(t, bus.ActionResultNone, f.ActionResult())
	p, err := reg.Get("dbus-mqtt")
	require.NoError(t, err)
	assert.Equal(t, "acme", p.UpstreamOwner)
	assert.Equal(t, "main", p.UpstreamBranch)
}

func TestAddFromGUIGitHubInfoFileOutranksDefaultList(t *testing.T) {
	f := newTestFacade()
	reg := f.Registry()
	storeDir := t.TempDir()
	pr := probe.NewFake()
	pr.FirstLineOK[filepath.Join(storeDir, "dbus-mqtt", "gitHubInfo")] = true
	pr.FirstLines[filepath.Join(storeDir, "dbus-mqtt", "gitHubInfo")] = "fromfile:branchfile"
	defaults := map[string]UpstreamInfo{"dbus-mqtt": {Owner: "acme", Branch: "main"}}

	AddFromGUI(f, reg, pr, storeDir, "dbus-mqtt", defaults)

	p, err := reg.Get("dbus-mqtt")
	require.NoError(t, err)
	assert.Equal(t, "fromfile", p.UpstreamOwner)
	assert.Equal(t, "branchfile", p.UpstreamBranch)
}

func TestRemoveFromGUIThenRescanDoesNotReadmit(t *testing.T) {
	f := newTestFacade()
	reg := f.Registry()
	pr := probe.FS{}
	storeDir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(storeDir, "dbus-mqtt"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "dbus-mqtt", "version"), []byte("v1.0\n"), 0o644))
	require.NoError(t, reg.Add(&registry.Package{Name: "dbus-mqtt", StoredVersion: "v1.0"}))

	RemoveFromGUI(f, reg, pr, storeDir, "dbus-mqtt")
	assert.False(t, reg.Has("dbus-mqtt"))
	assert.Equal(t, bus.ActionResultNone, f.ActionResult())

	_, err := os.Stat(filepath.Join(storeDir, "dbus-mqtt", "REMOVED"))
	require.NoError(t, err, "remove should leave a REMOVED marker behind so a rescan will not readmit it")

	require.NoError(t, ScanStore(f, reg, pr, storeDir, "Venus"))
	assert.False(t, reg.Has("dbus-mqtt"), "a REMOVED marker must block re-admission on the next store scan")
}

func TestRemoveFromGUINotFound(t *testing.T) {
	f := newTestFacade()
	RemoveFromGUI(f, f.Registry(), probe.NewFake(), t.TempDir(), "missing")
	assert.Equal(t, bus.ActionResultError, f.ActionResult())
	assert.Contains(t, f.EditStatus(), "not found")
}

func TestScanStoreRejectsKnownSuffixes(t *testing.T) {
	f := newTestFacade()
	reg := f.Registry()
	storeDir := t.TempDir()
	pr := probe.FS{}

	for _, name := range []string{"dbus-mqtt-current", "dbus-mqtt-3"} {
		dir := filepath.Join(storeDir, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("v1.0\n"), 0o644))
	}

	require.NoError(t, ScanStore(f, reg, pr, storeDir, "Venus"))
	assert.Equal(t, 0, reg.Len(), "candidates with a reject-listed suffix must never be admitted")
}

func TestScanStoreSkipsAlreadyRegisteredNames(t *testing.T) {
	f := newTestFacade()
	reg := f.Registry()
	storeDir := t.TempDir()
	pr := probe.FS{}

	dir := filepath.Join(storeDir, "dbus-mqtt")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("v2.0\n"), 0o644))
	require.NoError(t, reg.Add(&registry.Package{Name: "dbus-mqtt", StoredVersion: "v1.0"}))

	require.NoError(t, ScanStore(f, reg, pr, storeDir, "Venus"))

	p, err := reg.Get("dbus-mqtt")
	require.NoError(t, err)
	assert.Equal(t, "v1.0", p.StoredVersion, "an already-registered package is never re-admitted or overwritten by a rescan")
}

func TestUpdateUpstreamInfoInvalidatesUpstreamVersion(t *testing.T) {
	f := newTestFacade()
	reg := f.Registry()
	require.NoError(t, reg.Add(&registry.Package{Name: "pkg", UpstreamOwner: "old", UpstreamBranch: "main", UpstreamVersion: "v1.0"}))

	require.NoError(t, UpdateUpstreamInfo(f, reg, "pkg", "new", "main"))

	p, err := reg.Get("pkg")
	require.NoError(t, err)
	assert.Equal(t, "new", p.UpstreamOwner)
	assert.Empty(t, p.UpstreamVersion, "changing owner/branch must invalidate any cached upstream version")
}
