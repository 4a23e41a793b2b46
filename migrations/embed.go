// Package migrations holds the database schema. Files are named
// NNNN_description.sql and applied in version order.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
