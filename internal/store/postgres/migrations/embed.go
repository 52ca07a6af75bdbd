// Package migrations embeds the Postgres schema migrations.
package migrations

import "embed"

// Files holds the *.sql migrations applied by postgres.Migrate.
//
//go:embed *.sql
var Files embed.FS
