package bus

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	// settingsService is the external, already-running D-Bus service that
	// owns persisted settings storage. It is an out-of-scope external
	// collaborator (spec §1); Conn only ever calls its documented methods.
	settingsService    = "com.victronenergy.settings"
	settingsBusItem    = "com.victronenergy.BusItem"
	settingsAddMethod  = "com.victronenergy.Settings.AddSettings"
	settingsRemoveName = "com.victronenergy.Settings.RemoveSettings"
)

// Conn is the narrow slice of object-bus functionality the façade needs:
// round-tripping values against the external settings service, and
// publishing this daemon's own volatile attribute tree. Hiding it behind an
// interface keeps the wire transport itself (spec §1) out of every other
// package and lets tests run entirely against MemConn.
type Conn interface {
	// GetValue reads a single settings attribute.
	GetValue(path string) (interface{}, error)
	// SetValue writes a single settings attribute.
	SetValue(path string, value interface{}) error
	// AddSetting creates path in the settings service with defaultValue if
	// it does not already exist.
	AddSetting(path string, defaultValue interface{}) error
	// RemoveSettings deletes the given settings paths.
	RemoveSettings(paths []string) error
	// Publish updates (creating if necessary) this daemon's own exported
	// attribute at path so UI readers observe the new value.
	Publish(path string, value interface{})
	// OnWrite registers a callback invoked whenever a UI peer writes to
	// one of this daemon's own exported, writable attributes (currently
	// only ActionCommand uses this).
	OnWrite(path string, cb func(value interface{}))
	Close() error
}

// DBusConn is the production Conn, backed by two real system-bus
// connections: one used as a client against com.victronenergy.settings,
// and one used to host this daemon's own com.victronenergy.packageManager
// service.
type DBusConn struct {
	settingsConn *dbus.Conn
	serviceConn  *dbus.Conn
	serviceName  string

	mu    sync.Mutex
	items map[string]*busItem
}

// DialSystem connects to the system bus and claims serviceName for this
// daemon's own published attribute tree.
func DialSystem(serviceName string) (*DBusConn, error) {
	settingsConn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to system bus for settings client")
	}
	serviceConn, err := dbus.ConnectSystemBus()
	if err != nil {
		settingsConn.Close()
		return nil, errors.Wrap(err, "connecting to system bus for service")
	}
	reply, err := serviceConn.RequestName(serviceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		settingsConn.Close()
		serviceConn.Close()
		return nil, errors.Wrapf(err, "requesting bus name %s", serviceName)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		settingsConn.Close()
		serviceConn.Close()
		return nil, errors.Errorf("bus name %s is already owned by another process", serviceName)
	}
	return &DBusConn{
		settingsConn: settingsConn,
		serviceConn:  serviceConn,
		serviceName:  serviceName,
		items:        make(map[string]*busItem),
	}, nil
}

func (c *DBusConn) GetValue(path string) (interface{}, error) {
	obj := c.settingsConn.Object(settingsService, dbus.ObjectPath(path))
	var v dbus.Variant
	if err := obj.Call(settingsBusItem+".GetValue", 0).Store(&v); err != nil {
		return nil, errors.Wrapf(err, "GetValue(%s)", path)
	}
	return v.Value(), nil
}

func (c *DBusConn) SetValue(path string, value interface{}) error {
	obj := c.settingsConn.Object(settingsService, dbus.ObjectPath(path))
	call := obj.Call(settingsBusItem+".SetValue", 0, dbus.MakeVariant(value))
	return errors.Wrapf(call.Err, "SetValue(%s)", path)
}

func (c *DBusConn) AddSetting(path string, defaultValue interface{}) error {
	obj := c.settingsConn.Object(settingsService, dbus.ObjectPath("/Settings"))
	entry := map[string]dbus.Variant{
		"path":    dbus.MakeVariant(path),
		"default": dbus.MakeVariant(defaultValue),
	}
	call := obj.Call(settingsAddMethod, 0, []map[string]dbus.Variant{entry})
	return errors.Wrapf(call.Err, "AddSettings(%s)", path)
}

func (c *DBusConn) RemoveSettings(paths []string) error {
	obj := c.settingsConn.Object(settingsService, dbus.ObjectPath("/Settings"))
	call := obj.Call(settingsRemoveName, 0, paths)
	return errors.Wrap(call.Err, "RemoveSettings")
}

func (c *DBusConn) Publish(path string, value interface{}) {
	c.mu.Lock()
	item, ok := c.items[path]
	if !ok {
		item = newBusItem()
		c.items[path] = item
		// Exporting is best-effort: a failure here means the UI can't see
		// this one attribute, which is observable (and loggable) but must
		// never block the worker that's trying to report its status.
		_ = c.serviceConn.Export(item, dbus.ObjectPath(path), settingsBusItem)
	}
	c.mu.Unlock()
	item.setValue(dbus.MakeVariant(value))
}

func (c *DBusConn) OnWrite(path string, cb func(value interface{})) {
	c.mu.Lock()
	item, ok := c.items[path]
	if !ok {
		item = newBusItem()
		c.items[path] = item
		_ = c.serviceConn.Export(item, dbus.ObjectPath(path), settingsBusItem)
	}
	c.mu.Unlock()
	item.onWrite = cb
}

func (c *DBusConn) Close() error {
	c.settingsConn.Close()
	return c.serviceConn.Close()
}

// busItem implements com.victronenergy.BusItem (GetValue/GetText/SetValue)
// for one exported attribute path, matching the velib_python VeDbusItemExport
// convention the original daemon's VeDbusService builds on.
type busItem struct {
	mu      sync.Mutex
	value   dbus.Variant
	onWrite func(value interface{})
}

func newBusItem() *busItem {
	return &busItem{value: dbus.MakeVariant("")}
}

func (b *busItem) setValue(v dbus.Variant) {
	b.mu.Lock()
	b.value = v
	b.mu.Unlock()
}

func (b *busItem) GetValue() (dbus.Variant, *dbus.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, nil
}

func (b *busItem) GetText() (string, *dbus.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value.String(), nil
}

func (b *busItem) SetValue(v dbus.Variant) (int32, *dbus.Error) {
	b.mu.Lock()
	b.value = v
	cb := b.onWrite
	b.mu.Unlock()
	if cb != nil {
		cb(v.Value())
	}
	return 0, nil
}
