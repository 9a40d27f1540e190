package install

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/internal/executil"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/refresh"
	"github.com/victronenergy/package-manager/registry"
)

func newTestWorker(t *testing.T) (*Worker, *bus.Facade, string) {
	t.Helper()
	storeDir := t.TempDir()
	reg := registry.New()
	facade := bus.New(bus.NewMemConn(), reg, bus.Paths{SettingsBase: "/Settings/PackageManager"})
	cfg := refresh.Config{StoreDir: storeDir, InstallMarkerDir: t.TempDir(), Platform: "Venus", PlatformOSVersion: "v3.00", SetupOptionsDir: t.TempDir()}
	w := New(facade, nil, probe.FS{}, clockwork.NewFakeClock(), cfg)
	return w, facade, storeDir
}

func writeSetupScript(t *testing.T, storeDir, name string, exitCode int) {
	t.Helper()
	dir := filepath.Join(storeDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "version"), []byte("v1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\nexit " + strconv.Itoa(exitCode) + "\n"
	path := filepath.Join(dir, "setup")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestRunOneSuccessLeavesInstallStateOk(t *testing.T) {
	w, facade, storeDir := newTestWorker(t)
	writeSetupScript(t, storeDir, "dbus-mqtt", executil.ExitOK)
	_ = facade.Registry().Add(&registry.Package{Name: "dbus-mqtt", InstallState: registry.InstallOk})

	w.runOne(context.Background(), "dbus-mqtt", "install", SourceManual)

	p, err := facade.Registry().Get("dbus-mqtt")
	require.NoError(t, err)
	assert.Equal(t, registry.InstallOk, p.InstallState)
}

func TestRunOneRebootRequiredManualSetsActionResult(t *testing.T) {
	w, facade, storeDir := newTestWorker(t)
	writeSetupScript(t, storeDir, "dbus-mqtt", 123)
	_ = facade.Registry().Add(&registry.Package{Name: "dbus-mqtt", InstallState: registry.InstallOk})

	w.runOne(context.Background(), "dbus-mqtt", "install", SourceManual)

	p, err := facade.Registry().Get("dbus-mqtt")
	require.NoError(t, err)
	assert.Equal(t, registry.InstallRebootRequired, p.InstallState)
	assert.True(t, p.RebootNeeded)
	assert.Equal(t, bus.ActionResultRebootNeeded, facade.ActionResult())
	assert.False(t, facade.RebootRequested(), "a manual reboot-required result surfaces via ActionResult, not an immediate latched reboot request")
}

func TestRunOneRebootRequiredAutoLatchesReboot(t *testing.T) {
	w, facade, storeDir := newTestWorker(t)
	writeSetupScript(t, storeDir, "dbus-mqtt", 123)
	_ = facade.Registry().Add(&registry.Package{Name: "dbus-mqtt", InstallState: registry.InstallOk})

	w.runOne(context.Background(), "dbus-mqtt", "install", SourceAuto)

	assert.True(t, facade.RebootRequested(), "an automatic reboot-required result should latch RequestReboot")
}

func TestRunOneSkipsWhenInstallStateNotOk(t *testing.T) {
	w, facade, storeDir := newTestWorker(t)
	writeSetupScript(t, storeDir, "dbus-mqtt", executil.ExitOK)
	// StoredVersion already matches the on-disk version file, so the
	// refresh step inside runOne does not observe a change and therefore
	// does not clear the FileSetError state back to Ok (spec §4.7.1 step 1).
	_ = facade.Registry().Add(&registry.Package{Name: "dbus-mqtt", StoredVersion: "v1.0", InstallState: registry.InstallFileSetError})

	w.runOne(context.Background(), "dbus-mqtt", "install", SourceManual)

	p, err := facade.Registry().Get("dbus-mqtt")
	require.NoError(t, err)
	assert.Equal(t, registry.InstallFileSetError, p.InstallState, "setup should never have run")
}

func TestRunOneNoSetupFile(t *testing.T) {
	w, facade, storeDir := newTestWorker(t)
	require.NoError(t, os.MkdirAll(filepath.Join(storeDir, "dbus-mqtt"), 0o755))
	_ = facade.Registry().Add(&registry.Package{Name: "dbus-mqtt", InstallState: registry.InstallOk})

	w.runOne(context.Background(), "dbus-mqtt", "install", SourceManual)

	p, err := facade.Registry().Get("dbus-mqtt")
	require.NoError(t, err)
	assert.Equal(t, registry.InstallNoSetupFile, p.InstallState)
}
