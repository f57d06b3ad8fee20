//go:build cgo

package history

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

// Open opens (and creates if needed) a libsql-backed history database,
// local or remote.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	return openDB(ctx, driverLibsql, dsn)
}
