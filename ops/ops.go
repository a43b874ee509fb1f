// Package ops embeds the SQL migrations and seeds shipped with the binaries.
package ops

import "embed"

// Migrations holds the *.up.sql / *.down.sql schema files.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Seeds holds idempotent development data.
//
//go:embed seeds/*.sql
var Seeds embed.FS
