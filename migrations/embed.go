// Package migrations embeds the registry database migrations into the binary.
package migrations

import "embed"

// FS holds every migration file; they sit at its root.
//
//go:embed *.sql
var FS embed.FS

// Dir is the directory of FS holding the migrations.
const Dir = "."
