// Package all links every storage backend into the binary. Import it for its
// side effects from main packages and tests that select a backend by kind.
package all

import (
	_ "deviceimport/internal/storage/mssql"
	_ "deviceimport/internal/storage/postgres"
	_ "deviceimport/internal/storage/sqlite"
)
