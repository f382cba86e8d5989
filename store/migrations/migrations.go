// Package migrations embeds the SQL migration files for the offline cache.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
