package askai

import "embed"

// MigrationsFS contains the Postgres schema migrations, applied in lexical order of their file names.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
