package db

import "embed"

// Migrations holds the *.up.sql files applied by cmd/migrator.
//
//go:embed migrations/*.up.sql
var Migrations embed.FS
