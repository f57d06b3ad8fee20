//go:build !cgo

package history

import (
	"context"
	"database/sql"
	"errors"

	sqlite "modernc.org/sqlite"
)

const driverLibsql = "libsql"

func init() {
	sql.Register(driverLibsql, &sqlite.Driver{})
}

// Open opens (and creates if needed) a SQLite-backed history database.
// Remote libsql URLs require a cgo-enabled build.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	if isRemote(dsn) {
		return nil, errors.New("libsql URL requires cgo-enabled build")
	}
	return openDB(ctx, driverLibsql, dsn)
}
