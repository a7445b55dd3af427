// Package migrations embeds the schema applied at startup when db.auto_migrate is set.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
