package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/fault"
)

// Class is implemented once per device type. It supplies the command
// table, the attribute declarations and the per-device behaviour.
type Class interface {
	Name() string
	CommandFactory() []*Command
	AttributeFactory() []attribute.Definition

	// DeviceFactory returns one Hooks value per name, in order.
	DeviceFactory(names []string) ([]Hooks, error)
}

// Hooks is the optional per-device behaviour. Nil fields are skipped.
type Hooks struct {
	// Init runs at creation and on the Init command.
	Init func(ctx context.Context, dev *Device) error

	// Delete runs before re-initialisation and at removal.
	Delete func(dev *Device)

	// AlwaysExecuted runs before every command, ahead of the state check.
	AlwaysExecuted func(dev *Device)

	// ReadAttribute refreshes attr's value before it is returned.
	ReadAttribute func(ctx context.Context, dev *Device, attr *attribute.Attribute) error

	// WriteAttribute applies attr's new write value to the hardware.
	WriteAttribute func(ctx context.Context, dev *Device, attr *attribute.Attribute) error
}

// PropertyLookup returns the registry property sets of a device's
// attributes, keyed by lower-cased attribute name.
type PropertyLookup func(ctx context.Context, device string) (map[string]attribute.PropertySet, error)

// ClassSet is the registry of device type implementations.
type ClassSet struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewClassSet creates a ClassSet holding the given implementations.
func NewClassSet(classes ...Class) (*ClassSet, error) {
	s := &ClassSet{classes: make(map[string]Class, len(classes))}
	for _, c := range classes {
		if err := s.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds an implementation. Names are case-insensitive and unique.
func (s *ClassSet) Register(c Class) error {
	key := strings.ToLower(c.Name())
	if key == "" {
		return fmt.Errorf("device: class with empty name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.classes[key]; dup {
		return fmt.Errorf("device: class %s registered twice", c.Name())
	}
	s.classes[key] = c
	return nil
}

// Lookup returns the implementation registered under name.
func (s *ClassSet) Lookup(name string) (Class, error) {
	s.mu.RLock()
	c, ok := s.classes[strings.ToLower(name)]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.ClassNotFound,
			fmt.Sprintf("class %s is not registered in this server", name), "ClassSet.Lookup")
	}
	return c, nil
}

// Names returns the registered class names, sorted.
func (s *ClassSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c.Name())
	}
	sort.Strings(out)
	return out
}

// DeviceClass is the runtime side of a Class: the dispatch table and the
// devices created from it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type DeviceClass struct {
	impl     Class
	commands map[string]*Command
	order    []*Command
	attrs    []attribute.Definition

	mu      sync.RWMutex
	devices []*Device
	logger  Logger
}

// NewDeviceClass builds the dispatch table of impl, seeded with the
// built-in State, Status and Init commands. A class command may replace a
// built-in; two class commands with the same name fail.
func NewDeviceClass(impl Class) (*DeviceClass, error) {
	c := &DeviceClass{
		impl:     impl,
		commands: make(map[string]*Command),
		attrs:    impl.AttributeFactory(),
		logger:   noopLogger{},
	}

	for _, cmd := range builtinCommands() {
		c.commands[strings.ToLower(cmd.Name)] = cmd
	}

	seen := make(map[string]struct{})
	for _, cmd := range impl.CommandFactory() {
		key := strings.ToLower(cmd.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("device: class %s declares command %s twice", impl.Name(), cmd.Name)
		}
		if cmd.Execute == nil {
			return nil, fmt.Errorf("device: class %s command %s has no Execute", impl.Name(), cmd.Name)
		}
		seen[key] = struct{}{}
		c.commands[key] = cmd
	}

	c.order = make([]*Command, 0, len(c.commands))
	for _, cmd := range c.commands {
		c.order = append(c.order, cmd)
	}
	sort.Slice(c.order, func(i, j int) bool {
		return strings.ToLower(c.order[i].Name) < strings.ToLower(c.order[j].Name)
	})
	return c, nil
}

// SetLogger sets the logger for the class and its devices.
func (c *DeviceClass) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *DeviceClass) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// Name returns the class name.
func (c *DeviceClass) Name() string { return c.impl.Name() }

// Commands returns the dispatch table sorted by name.
func (c *DeviceClass) Commands() []*Command {
	out := make([]*Command, len(c.order))
	copy(out, c.order)
	return out
}

// Command looks up a command by case-insensitive name.
func (c *DeviceClass) Command(name string) (*Command, error) {
	cmd, ok := c.commands[strings.ToLower(name)]
	if !ok {
		return nil, fault.New(fault.CommandNotFound,
			fmt.Sprintf("Command %s not found", name), "DeviceClass.Command")
	}
	return cmd, nil
}

// AttributeDefinitions returns the class attribute declarations.
func (c *DeviceClass) AttributeDefinitions() []attribute.Definition {
	out := make([]attribute.Definition, len(c.attrs))
	copy(out, c.attrs)
	return out
}

// CreateDevices builds a device per name: attributes are resolved through
// lookup (nil means no registry properties), associated write wiring is
// validated and the Init hook runs. Any failure aborts the whole batch.
func (c *DeviceClass) CreateDevices(ctx context.Context, names []string, lookup PropertyLookup) ([]*Device, error) {
	hooks, err := c.impl.DeviceFactory(names)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal,
			fmt.Sprintf("device factory of class %s failed", c.Name()), "DeviceClass.CreateDevices")
	}
	if len(hooks) != len(names) {
		return nil, fault.New(fault.Internal,
			fmt.Sprintf("device factory of class %s returned %d devices for %d names", c.Name(), len(hooks), len(names)),
			"DeviceClass.CreateDevices")
	}

	created := make([]*Device, 0, len(names))
	for i, name := range names {
		if _, err := c.Device(name); err == nil {
			return nil, fault.New(fault.Internal,
				fmt.Sprintf("device %s already exists in class %s", name, c.Name()), "DeviceClass.CreateDevices")
		}

		var sets map[string]attribute.PropertySet
		if lookup != nil {
			if sets, err = lookup(ctx, name); err != nil {
				return nil, err
			}
		}
		attrs, err := attribute.NewMultiAttribute(name, c.attrs, sets)
		if err != nil {
			return nil, err
		}

		dev := newDevice(name, c, hooks[i], attrs)
		if err := dev.runInit(ctx); err != nil {
			return nil, fault.Wrap(err, fault.Internal,
				fmt.Sprintf("init of device %s failed", name), "DeviceClass.CreateDevices")
		}
		created = append(created, dev)
	}

	c.mu.Lock()
	c.devices = append(c.devices, created...)
	c.mu.Unlock()

	c.log().Info("devices created", "class", c.Name(), "count", len(created))
	return created, nil
}

// Devices returns the class devices in creation order.
func (c *DeviceClass) Devices() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// Device returns the device with the given case-insensitive name.
func (c *DeviceClass) Device(name string) (*Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.devices {
		if strings.EqualFold(d.name, name) {
			return d, nil
		}
	}
	return nil, fault.New(fault.DeviceNotFound,
		fmt.Sprintf("device %s not found in class %s", name, c.Name()), "DeviceClass.Device")
}

// RemoveDevice runs the Delete hook and drops the device.
func (c *DeviceClass) RemoveDevice(name string) error {
	c.mu.Lock()
	idx := -1
	for i, d := range c.devices {
		if strings.EqualFold(d.name, name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fault.New(fault.DeviceNotFound,
			fmt.Sprintf("device %s not found in class %s", name, c.Name()), "DeviceClass.RemoveDevice")
	}
	dev := c.devices[idx]
	c.devices = append(c.devices[:idx], c.devices[idx+1:]...)
	c.mu.Unlock()

	if dev.hooks.Delete != nil {
		dev.hooks.Delete(dev)
	}
	return nil
}

// CommandHandler dispatches one command: lookup, the always-executed hook,
// the state predicate, then execution. The caller holds the device monitor.
func (c *DeviceClass) CommandHandler(ctx context.Context, dev *Device, name string, arg any) (any, error) {
	cmd, err := c.Command(name)
	if err != nil {
		return nil, fault.Wrap(err, fault.CommandNotFound,
			fmt.Sprintf("Command %s not found for device %s", name, dev.Name()), "DeviceClass.CommandHandler")
	}

	if dev.hooks.AlwaysExecuted != nil {
		dev.hooks.AlwaysExecuted(dev)
	}

	if state := dev.State(); !cmd.IsAllowed(state) {
		return nil, fault.New(fault.CommandNotAllowed,
			fmt.Sprintf("Command %s not allowed when the device is in %s state", cmd.Name, state),
			"DeviceClass.CommandHandler")
	}

	c.log().Debug("command executing", "device", dev.Name(), "command", cmd.Name)
	return cmd.Execute(ctx, dev, arg)
}
