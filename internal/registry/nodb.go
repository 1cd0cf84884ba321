package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/devserver/internal/fault"
)

// PropertyFile is the YAML layout read by NoDBClient.
//
//	classes:
//	  Motor:
//	    properties: {speed_limit: "40"}
//	    attributes:
//	      position: {unit: mm}
//	devices:
//	  motor/1:
//	    class: Motor
//	    properties: {polled_attr: "position:1000"}
//	    attributes:
//	      temperature: {max_alarm: "80"}
type PropertyFile struct {
	Classes map[string]ObjectProps `yaml:"classes"`
	Devices map[string]ObjectProps `yaml:"devices"`
}

// ObjectProps holds the properties of one class or device.
type ObjectProps struct {
	Class      string                       `yaml:"class,omitempty"`
	Properties map[string]string            `yaml:"properties"`
	Attributes map[string]map[string]string `yaml:"attributes"`
}

type propKey struct {
	scope  Scope
	object string
}

type devRecord struct {
	info     ImportInfo
	declared bool
}

// NoDBClient serves a server started without a registry. Devices exist
// once declared through AddServer or the property file; exports are kept
// in memory only.
type NoDBClient struct {
	mu      sync.RWMutex
	devices map[string]*devRecord
	props   map[propKey]map[string]string
}

// NewNoDB returns an empty client.
func NewNoDB() *NoDBClient {
	return &NoDBClient{
		devices: make(map[string]*devRecord),
		props:   make(map[propKey]map[string]string),
	}
}

// LoadNoDB reads a property file. An empty path yields an empty client.
func LoadNoDB(path string) (*NoDBClient, error) {
	c := NewNoDB()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // Operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading property file: %w", err)
	}
	var file PropertyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing property file: %w", err)
	}
	c.seed(file)
	return c, nil
}

func (c *NoDBClient) seed(file PropertyFile) {
	put := func(scope, attrScope Scope, owner string, p ObjectProps) {
		c.merge(scope, owner, p.Properties)
		for attr, props := range p.Attributes {
			c.merge(attrScope, AttrObject(owner, attr), props)
		}
	}
	for name, p := range file.Classes {
		put(ScopeClass, ScopeClassAttribute, name, p)
	}
	for name, p := range file.Devices {
		put(ScopeDevice, ScopeAttribute, name, p)
		if p.Class != "" {
			c.devices[strings.ToLower(name)] = &devRecord{
				info:     ImportInfo{Name: name, Class: p.Class},
				declared: true,
			}
		}
	}
}

func (c *NoDBClient) merge(scope Scope, object string, props map[string]string) {
	if len(props) == 0 {
		return
	}
	key := propKey{scope, strings.ToLower(object)}
	dst := c.props[key]
	if dst == nil {
		dst = make(map[string]string, len(props))
		c.props[key] = dst
	}
	for k, v := range props {
		dst[strings.ToLower(k)] = v
	}
}

// Close is a no-op.
func (c *NoDBClient) Close() error { return nil }

// Import returns the in-memory record of a declared device.
func (c *NoDBClient) Import(_ context.Context, name string) (ImportInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.devices[strings.ToLower(name)]
	if !ok {
		return ImportInfo{}, fault.New(fault.DeviceNotDefined,
			fmt.Sprintf("device %s not defined", name), "NoDBClient.Import")
	}
	return rec.info, nil
}

// Export records the endpoint of a device, declaring it when needed.
func (c *NoDBClient) Export(_ context.Context, info ExportInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(info.Name)
	rec, ok := c.devices[key]
	if !ok {
		rec = &devRecord{info: ImportInfo{Name: info.Name, Class: info.Class, Server: info.Server}}
		c.devices[key] = rec
	}
	rec.info.Endpoint = info.Endpoint
	rec.info.ObjectID = info.ObjectID
	rec.info.Host = info.Host
	rec.info.PID = info.PID
	rec.info.Version = info.Version
	rec.info.Server = info.Server
	rec.info.Exported = true
	return nil
}

// Unexport clears the exported flag of every device of server.
func (c *NoDBClient) Unexport(_ context.Context, server string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range c.devices {
		if strings.EqualFold(rec.info.Server, server) {
			rec.info.Exported = false
		}
	}
	return nil
}

// GetProperties returns a copy of the properties of one object.
func (c *NoDBClient) GetProperties(_ context.Context, scope Scope, name string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	src := c.props[propKey{scope, strings.ToLower(name)}]
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// SetProperties merges props into one object.
func (c *NoDBClient) SetProperties(_ context.Context, scope Scope, name string, props map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merge(scope, name, props)
	return nil
}

// DeleteProperty removes one property.
func (c *NoDBClient) DeleteProperty(_ context.Context, scope Scope, name, prop string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.props[propKey{scope, strings.ToLower(name)}], strings.ToLower(prop))
	return nil
}

// DeviceList returns the declared devices of a class. Devices seeded from
// the property file belong to every server.
func (c *NoDBClient) DeviceList(_ context.Context, server, class string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, rec := range c.devices {
		if !rec.declared || !strings.EqualFold(rec.info.Class, class) {
			continue
		}
		if rec.info.Server != "" && !strings.EqualFold(rec.info.Server, server) {
			continue
		}
		out = append(out, rec.info.Name)
	}
	sort.Strings(out)
	return out, nil
}

// ClassList returns the classes with declared devices.
func (c *NoDBClient) ClassList(_ context.Context, server string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, rec := range c.devices {
		if !rec.declared || strings.EqualFold(rec.info.Class, AdminClass) {
			continue
		}
		if rec.info.Server != "" && !strings.EqualFold(rec.info.Server, server) {
			continue
		}
		if !seen[rec.info.Class] {
			seen[rec.info.Class] = true
			out = append(out, rec.info.Class)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AddServer declares the admin device and devices of server.
func (c *NoDBClient) AddServer(_ context.Context, server string, devices map[string][]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	add := func(name, class string) {
		key := strings.ToLower(name)
		rec, ok := c.devices[key]
		if !ok {
			rec = &devRecord{info: ImportInfo{Name: name}}
			c.devices[key] = rec
		}
		rec.info.Class = class
		rec.info.Server = server
		rec.declared = true
	}
	add(AdminDeviceName(server), AdminClass)
	for class, names := range devices {
		for _, name := range names {
			add(name, class)
		}
	}
	return nil
}
