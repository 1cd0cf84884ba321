// Package registry is the client side of the device registry: where each
// device lives, whether it is exported, and the properties configuring it.
//
// Two implementations exist. SQLiteClient keeps the registry in a SQLite
// file shared by every server of a host. NoDBClient serves a process
// started without a registry: records live in memory and properties come
// from an optional YAML file.
package registry

import (
	"context"
	"strings"
	"time"
)

// Scope selects the owner kind of a property set.
type Scope string

// Property scopes. Attribute scopes name their object "<owner>/<attr>".
const (
	ScopeDevice         Scope = "device"
	ScopeClass          Scope = "class"
	ScopeAttribute      Scope = "attribute"
	ScopeClassAttribute Scope = "class_attribute"
	ScopeServer         Scope = "server"
)

// AdminClass is the class of the per-server administrative device.
const AdminClass = "DServer"

// ImportInfo is what the registry knows about a device.
type ImportInfo struct {
	Name     string
	Endpoint string
	Exported bool
	PID      int
	Server   string
	Host     string
	Class    string
	Version  string
	ObjectID string
}

// ExportInfo is published when a device becomes reachable.
type ExportInfo struct {
	Name     string
	Endpoint string
	Host     string
	PID      int
	Version  string
	Server   string
	Class    string
	ObjectID string
}

// Client is the registry contract used by the server runtime.
type Client interface {
	// Import returns the record of a device. An undeclared device fails
	// with device_not_defined.
	Import(ctx context.Context, name string) (ImportInfo, error)
	// Export publishes a declared device as reachable.
	Export(ctx context.Context, info ExportInfo) error
	// Unexport marks every device of a server as unreachable.
	Unexport(ctx context.Context, server string) error

	GetProperties(ctx context.Context, scope Scope, name string) (map[string]string, error)
	SetProperties(ctx context.Context, scope Scope, name string, props map[string]string) error
	DeleteProperty(ctx context.Context, scope Scope, name, prop string) error

	// DeviceList returns the devices a server declares for a class, in
	// name order.
	DeviceList(ctx context.Context, server, class string) ([]string, error)
	// ClassList returns the classes a server declares devices for, admin
	// class excluded.
	ClassList(ctx context.Context, server string) ([]string, error)
	// AddServer declares a server, its admin device and its devices.
	AddServer(ctx context.Context, server string, devices map[string][]string) error

	Close() error
}

// AdminDeviceName returns the administrative device name of a server.
func AdminDeviceName(server string) string {
	return "dserver/" + server
}

// AttrObject builds the object name of an attribute-scoped property set.
func AttrObject(owner, attr string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(attr)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
