package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/infrastructure/database"
	"github.com/nerrad567/devserver/migrations"
)

// SQLiteClient is a Client over the registry SQLite database.
//
// Concurrent GetProperties calls for the same object share one query.
type SQLiteClient struct {
	db    *database.DB
	group singleflight.Group
}

// OpenSQLite opens the registry database and applies pending migrations.
func OpenSQLite(ctx context.Context, cfg database.Config) (*SQLiteClient, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(err, fault.RegistryUnavailable,
			fmt.Sprintf("cannot open registry database %s", cfg.Path), "registry.OpenSQLite")
	}
	if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fault.Wrap(err, fault.RegistryUnavailable,
			"cannot migrate registry database", "registry.OpenSQLite")
	}
	return &SQLiteClient{db: db}, nil
}

// DB exposes the underlying database for health checks.
func (c *SQLiteClient) DB() *database.DB { return c.db }

// Close closes the database.
func (c *SQLiteClient) Close() error { return c.db.Close() }

// Import returns the registry record of a device.
func (c *SQLiteClient) Import(ctx context.Context, name string) (ImportInfo, error) {
	var (
		info     ImportInfo
		exported int
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT name, endpoint, exported, pid, server, host, class, version, object_id
		FROM device WHERE name = ?`, name).
		Scan(&info.Name, &info.Endpoint, &exported, &info.PID, &info.Server,
			&info.Host, &info.Class, &info.Version, &info.ObjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return ImportInfo{}, fault.New(fault.DeviceNotDefined,
			fmt.Sprintf("device %s not defined in the registry", name), "SQLiteClient.Import")
	}
	if err != nil {
		return ImportInfo{}, classify(err, "SQLiteClient.Import")
	}
	info.Exported = exported != 0
	return info, nil
}

// Export publishes a declared device.
func (c *SQLiteClient) Export(ctx context.Context, info ExportInfo) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE device
		SET endpoint = ?, object_id = ?, host = ?, pid = ?, version = ?,
		    exported = 1, exported_at = ?
		WHERE name = ?`,
		info.Endpoint, info.ObjectID, info.Host, info.PID, info.Version, now(), info.Name)
	if err != nil {
		return classify(err, "SQLiteClient.Export")
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports it
		return fault.New(fault.DeviceNotDefined,
			fmt.Sprintf("device %s not defined in the registry", info.Name), "SQLiteClient.Export")
	}

	if strings.EqualFold(info.Class, AdminClass) {
		_, err = c.db.ExecContext(ctx, `
			UPDATE server SET host = ?, pid = ?, version = ?, started_at = ? WHERE name = ?`,
			info.Host, info.PID, info.Version, now(), info.Server)
		if err != nil {
			return classify(err, "SQLiteClient.Export")
		}
	}
	return nil
}

// Unexport marks every device of server as unreachable.
func (c *SQLiteClient) Unexport(ctx context.Context, server string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE device SET exported = 0, unexported_at = ? WHERE server = ?`, now(), server)
	if err != nil {
		return classify(err, "SQLiteClient.Unexport")
	}
	return nil
}

// GetProperties returns the properties of one object.
func (c *SQLiteClient) GetProperties(ctx context.Context, scope Scope, name string) (map[string]string, error) {
	key := string(scope) + "\x00" + strings.ToLower(name)
	v, err, _ := c.group.Do(key, func() (any, error) {
		rows, err := c.db.QueryContext(ctx,
			"SELECT name, value FROM property WHERE scope = ? AND object = ?", string(scope), name)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		props := make(map[string]string)
		for rows.Next() {
			var k, val string
			if err := rows.Scan(&k, &val); err != nil {
				return nil, err
			}
			props[k] = val
		}
		return props, rows.Err()
	})
	if err != nil {
		return nil, classify(err, "SQLiteClient.GetProperties")
	}

	shared := v.(map[string]string)
	out := make(map[string]string, len(shared))
	for k, val := range shared {
		out[k] = val
	}
	return out, nil
}

// SetProperties inserts or replaces properties of one object.
func (c *SQLiteClient) SetProperties(ctx context.Context, scope Scope, name string, props map[string]string) error {
	err := c.db.InTx(ctx, func(tx *sql.Tx) error {
		for k, v := range props {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO property (scope, object, name, value, updated_at) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (scope, object, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				string(scope), name, k, v, now())
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(err, "SQLiteClient.SetProperties")
	}
	return nil
}

// DeleteProperty removes one property. A missing property is not an error.
func (c *SQLiteClient) DeleteProperty(ctx context.Context, scope Scope, name, prop string) error {
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM property WHERE scope = ? AND object = ? AND name = ?", string(scope), name, prop)
	if err != nil {
		return classify(err, "SQLiteClient.DeleteProperty")
	}
	return nil
}

// DeviceList returns the devices of a server for one class.
func (c *SQLiteClient) DeviceList(ctx context.Context, server, class string) ([]string, error) {
	return c.strings(ctx, "SQLiteClient.DeviceList",
		"SELECT name FROM device WHERE server = ? AND class = ? COLLATE NOCASE ORDER BY name", server, class)
}

// ClassList returns the classes of a server.
func (c *SQLiteClient) ClassList(ctx context.Context, server string) ([]string, error) {
	return c.strings(ctx, "SQLiteClient.ClassList",
		"SELECT DISTINCT class FROM device WHERE server = ? AND class <> ? COLLATE NOCASE ORDER BY class",
		server, AdminClass)
}

func (c *SQLiteClient) strings(ctx context.Context, origin, query string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, origin)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, classify(err, origin)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, origin)
	}
	return out, nil
}

// AddServer declares a server with its admin device and devices keyed by
// class. Existing declarations are kept; a device already owned by another
// server is moved.
func (c *SQLiteClient) AddServer(ctx context.Context, server string, devices map[string][]string) error {
	classes := make([]string, 0, len(devices))
	for class := range devices {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	err := c.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO server (name) VALUES (?) ON CONFLICT (name) DO NOTHING", server); err != nil {
			return err
		}
		add := func(name, class string) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO device (name, server, class) VALUES (?, ?, ?)
				ON CONFLICT (name) DO UPDATE SET server = excluded.server, class = excluded.class`,
				name, server, class)
			return err
		}
		if err := add(AdminDeviceName(server), AdminClass); err != nil {
			return err
		}
		for _, class := range classes {
			for _, name := range devices[class] {
				if err := add(name, class); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return classify(err, "SQLiteClient.AddServer")
	}
	return nil
}

// classify maps a database error onto the registry reason codes.
func classify(err error, origin string) error {
	var se sqlite3.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(err, fault.Timeout, "registry call timed out", origin)
	case errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked):
		return fault.Wrap(err, fault.Transient, "registry database is busy", origin)
	case errors.Is(err, sql.ErrConnDone):
		return fault.Wrap(err, fault.CommFailure, "registry connection closed", origin)
	default:
		return fault.Wrap(err, fault.RegistryUnavailable, "registry call failed", origin)
	}
}
