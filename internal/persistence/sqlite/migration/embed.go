package migration

import "embed"

// Dir is the directory inside Files that holds the migration scripts.
const Dir = "sql"

// Files holds the schema migrations shipped with the binary.
//
//go:embed sql/*.sql
var Files embed.FS
