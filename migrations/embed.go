// Package migrations holds the formz schema as goose SQL migrations. The
// server applies them at startup and the integration suite applies them to
// its throwaway database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
