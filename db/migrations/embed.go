// Package dbmigrations exposes embedded SQL migrations for zkwallet binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations, one directory per backend.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
