package db

import "embed"

// MigrationFS holds the SQL migration files shipped with the binary so the
// migrate command works without access to the source tree.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
