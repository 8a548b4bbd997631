package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
// Used by cmd/migrate to create the user_events table for the postgres sink.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
