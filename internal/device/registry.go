package device

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nerrad567/devserver/internal/fault"
)

// Logger defines the logging interface used by the device package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry indexes the device classes of one server process and the
// devices they own, for name, pattern and class lookups.
//
// Lookups go through a name cache rebuilt whenever a class is added or
// RefreshCache is called after devices are created or removed.
//
// All public methods are thread-safe.
type Registry struct {
	classes []*DeviceClass
	cache   map[string]*Device // Cached devices by lower-cased name
	cacheMu sync.RWMutex       // Protects classes and cache
	logger  Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// AddClass registers a device class. Class names are unique.
func (r *Registry) AddClass(c *DeviceClass) error {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	for _, existing := range r.classes {
		if strings.EqualFold(existing.Name(), c.Name()) {
			return fmt.Errorf("device: class %s already registered", c.Name())
		}
	}
	r.classes = append(r.classes, c)
	r.rebuildLocked()
	return nil
}

// RefreshCache rebuilds the name cache from the class device lists.
func (r *Registry) RefreshCache() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.rebuildLocked()
	r.logger.Debug("device cache refreshed", "count", len(r.cache))
}

func (r *Registry) rebuildLocked() {
	r.cache = make(map[string]*Device)
	for _, c := range r.classes {
		for _, d := range c.Devices() {
			key := strings.ToLower(d.Name())
			if _, dup := r.cache[key]; dup {
				r.logger.Warn("device name used by two classes", "device", d.Name(), "class", c.Name())
				continue
			}
			r.cache[key] = d
		}
	}
}

// Classes returns the registered classes in registration order.
func (r *Registry) Classes() []*DeviceClass {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	out := make([]*DeviceClass, len(r.classes))
	copy(out, r.classes)
	return out
}

// Class returns the class registered under a case-insensitive name.
func (r *Registry) Class(name string) (*DeviceClass, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	for _, c := range r.classes {
		if strings.EqualFold(c.Name(), name) {
			return c, nil
		}
	}
	return nil, fault.New(fault.ClassNotFound,
		fmt.Sprintf("class %s not found", name), "Registry.Class")
}

// Device returns the device with the given case-insensitive name.
func (r *Registry) Device(name string) (*Device, error) {
	r.cacheMu.RLock()
	d, ok := r.cache[strings.ToLower(name)]
	r.cacheMu.RUnlock()
	if !ok {
		return nil, fault.New(fault.DeviceNotFound,
			fmt.Sprintf("device %s not found", name), "Registry.Device")
	}
	return d, nil
}

// List returns the devices whose name matches pattern, in class then
// creation order. The pattern is an exact name or a glob where * matches
// any run of characters; matching is case-insensitive. An empty result
// fails with device_not_found.
func (r *Registry) List(pattern string) ([]*Device, error) {
	if !strings.Contains(pattern, "*") {
		d, err := r.Device(pattern)
		if err != nil {
			return nil, err
		}
		return []*Device{d}, nil
	}

	re, err := CompileGlob(pattern)
	if err != nil {
		return nil, err
	}

	var out []*Device
	for _, c := range r.Classes() {
		for _, d := range c.Devices() {
			if re.MatchString(d.Name()) {
				out = append(out, d)
			}
		}
	}
	if len(out) == 0 {
		return nil, fault.New(fault.DeviceNotFound,
			fmt.Sprintf("no device name matches the pattern %s", pattern), "Registry.List")
	}
	return out, nil
}

// ListByClass returns the devices of one class.
func (r *Registry) ListByClass(class string) ([]*Device, error) {
	c, err := r.Class(class)
	if err != nil {
		return nil, err
	}
	return c.Devices(), nil
}

// All returns every device in class then creation order.
func (r *Registry) All() []*Device {
	var out []*Device
	for _, c := range r.Classes() {
		out = append(out, c.Devices()...)
	}
	return out
}

// CompileGlob turns a device name pattern into a case-insensitive
// matcher. * matches any run of characters, separators included; every
// other character is literal.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("(?i)^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, fault.Wrap(err, fault.IncompatibleArg,
			fmt.Sprintf("bad device pattern %s", pattern), "Registry.List")
	}
	return re, nil
}
