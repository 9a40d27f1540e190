package bus

import "sync"

// MemConn is an in-memory Conn for unit tests. It never touches a real bus,
// consistent with treating the object-bus transport as an external
// collaborator we don't re-verify (spec §1).
type MemConn struct {
	mu       sync.Mutex
	settings map[string]interface{}
	service  map[string]interface{}
	onWrite  map[string]func(interface{})
}

func NewMemConn() *MemConn {
	return &MemConn{
		settings: map[string]interface{}{},
		service:  map[string]interface{}{},
		onWrite:  map[string]func(interface{}){},
	}
}

func (c *MemConn) GetValue(path string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings[path], nil
}

func (c *MemConn) SetValue(path string, value interface{}) error {
	c.mu.Lock()
	c.settings[path] = value
	c.mu.Unlock()
	return nil
}

func (c *MemConn) AddSetting(path string, defaultValue interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.settings[path]; !ok {
		c.settings[path] = defaultValue
	}
	return nil
}

func (c *MemConn) RemoveSettings(paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		delete(c.settings, p)
	}
	return nil
}

func (c *MemConn) Publish(path string, value interface{}) {
	c.mu.Lock()
	c.service[path] = value
	c.mu.Unlock()
}

func (c *MemConn) OnWrite(path string, cb func(value interface{})) {
	c.mu.Lock()
	c.onWrite[path] = cb
	c.mu.Unlock()
}

func (c *MemConn) Close() error { return nil }

// WriteFromGUI simulates a UI peer writing to one of this daemon's
// exported attributes, invoking any registered OnWrite callback the same
// way DBusConn's busItem.SetValue does. Test-only helper.
func (c *MemConn) WriteFromGUI(path string, value interface{}) {
	c.mu.Lock()
	c.service[path] = value
	cb := c.onWrite[path]
	c.mu.Unlock()
	if cb != nil {
		cb(value)
	}
}

// Published returns the current value a test published via Publish, for assertions.
func (c *MemConn) Published(path string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service[path]
}

// Setting returns the current settings-service value, for assertions.
func (c *MemConn) Setting(path string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings[path]
}
