// Package database provides the SQLite store behind the device registry.
//
// This package manages:
//   - the connection, with WAL mode and a busy timeout
//   - versioned schema migrations read from an fs.FS
//   - a transaction helper
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Registry.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are NULLABLE or have defaults, and
// every .up.sql file ships with a .down.sql.
package database
