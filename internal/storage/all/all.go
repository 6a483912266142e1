// Package all wires every built-in storage backend into the storage
// factory.
//
// This package exists purely for side effects: importing it (even as a
// blank import) runs the init functions of each concrete backend, which
// register their factories with the storage package. After that, the
// following storage kinds are available at runtime:
//
//   - "postgres" (internal/storage/postgres)
//   - "sqlite"   (internal/storage/sqlite)
//
// Typical usage, in cmd/ingest/main.go or a similar wiring layer:
//
//	import _ "github.com/magis-techno/spdatalab-sub000/internal/storage/all"
package all

import (
	_ "github.com/magis-techno/spdatalab-sub000/internal/storage/postgres"
	_ "github.com/magis-techno/spdatalab-sub000/internal/storage/sqlite"
)
