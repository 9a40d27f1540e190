package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/queue"
	"github.com/victronenergy/package-manager/registry"
)

func newTestRouter() (*Router, *bus.Facade, *queue.Queue, *queue.Queue, *queue.Queue) {
	installQ := queue.New("install")
	downloadQ := queue.New("download")
	addRemoveQ := queue.New("addremove")
	facade := bus.New(bus.NewMemConn(), registry.New(), bus.Paths{SettingsBase: "/Settings/PackageManager"})
	return New(facade, installQ, downloadQ, addRemoveQ), facade, installQ, downloadQ, addRemoveQ
}

func TestDispatchRoutesInstallAndUninstall(t *testing.T) {
	r, _, installQ, _, _ := newTestRouter()
	r.Dispatch("install:dbus-mqtt")
	cmd, ok := installQ.TryPop()
	assert.True(t, ok)
	assert.Equal(t, "install:dbus-mqtt", cmd)

	r.Dispatch("uninstall:dbus-mqtt")
	cmd, ok = installQ.TryPop()
	assert.True(t, ok)
	assert.Equal(t, "uninstall:dbus-mqtt", cmd)
}

func TestDispatchRoutesDownload(t *testing.T) {
	r, _, _, downloadQ, _ := newTestRouter()
	r.Dispatch("download:dbus-mqtt")
	cmd, ok := downloadQ.TryPop()
	assert.True(t, ok)
	assert.Equal(t, "download:dbus-mqtt", cmd)
}

func TestDispatchRoutesAddAndRemove(t *testing.T) {
	r, _, _, _, addRemoveQ := newTestRouter()
	r.Dispatch("add:dbus-mqtt")
	cmd, ok := addRemoveQ.TryPop()
	assert.True(t, ok)
	assert.Equal(t, "add:dbus-mqtt", cmd)

	r.Dispatch("remove:dbus-mqtt")
	cmd, ok = addRemoveQ.TryPop()
	assert.True(t, ok)
	assert.Equal(t, "remove:dbus-mqtt", cmd)
}

func TestDispatchRebootSetsFlagInline(t *testing.T) {
	r, facade, installQ, downloadQ, addRemoveQ := newTestRouter()
	r.Dispatch("reboot:")
	assert.True(t, facade.RebootRequested())

	_, ok := installQ.TryPop()
	assert.False(t, ok, "reboot must never be pushed onto a worker queue")
	_, ok = downloadQ.TryPop()
	assert.False(t, ok)
	_, ok = addRemoveQ.TryPop()
	assert.False(t, ok)
}

func TestDispatchEmptyStringIsNoOp(t *testing.T) {
	r, facade, _, _, _ := newTestRouter()
	r.Dispatch("")
	assert.False(t, facade.RebootRequested())
}

func TestDispatchMalformedWithoutColonDropped(t *testing.T) {
	r, _, installQ, downloadQ, addRemoveQ := newTestRouter()
	r.Dispatch("garbage")

	_, ok := installQ.TryPop()
	assert.False(t, ok)
	_, ok = downloadQ.TryPop()
	assert.False(t, ok)
	_, ok = addRemoveQ.TryPop()
	assert.False(t, ok)
}

func TestDispatchUnrecognizedVerbDropped(t *testing.T) {
	r, facade, _, _, _ := newTestRouter()
	r.Dispatch("frobnicate:dbus-mqtt")
	assert.False(t, facade.RebootRequested())
}

func TestNameExtractsNamePortion(t *testing.T) {
	assert.Equal(t, "dbus-mqtt", Name("install:dbus-mqtt"))
	assert.Empty(t, Name("garbage"))
}

func TestParseAllowsEmptyNameForReboot(t *testing.T) {
	verb, name, ok := parse("reboot:")
	assert.True(t, ok)
	assert.Equal(t, "reboot", verb)
	assert.Empty(t, name)
}
