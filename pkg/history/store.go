// Package history keeps a local SQLite record of scan runs and their
// findings, so repeated recoveries of the same item can be spotted.
//
// The history is advisory. Coordination never reads it; losing the
// database loses nothing but the audit trail.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config locates the history database. URL wins over Path.
type Config struct {
	Path      string // local file, "file:" DSN, or ":memory:"
	URL       string // libsql:// or https://; remote needs a cgo build
	AuthToken string // added to URL as authToken unless already present
}

const memoryDSN = ":memory:"

func buildDSN(cfg Config) (string, error) {
	remote := strings.TrimSpace(cfg.URL)
	local := strings.TrimSpace(cfg.Path)

	switch {
	case remote != "":
		return withAuthToken(remote, cfg.AuthToken)
	case local == "":
		return "", errors.New("history store path or url is required")
	case local == memoryDSN, strings.HasPrefix(local, "libsql:"):
		return local, nil
	case strings.HasPrefix(local, "file:"):
		return local, mkParent(filePart(local))
	}
	return "file:" + filepath.Clean(local), mkParent(local)
}

// filePart strips the scheme and query from a file: DSN.
func filePart(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	p, _, _ = strings.Cut(p, "?")
	return strings.TrimPrefix(p, "//")
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid history url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return dsn, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isRemote(dsn string) bool {
	for _, scheme := range []string{"libsql://", "https://"} {
		if strings.HasPrefix(dsn, scheme) {
			return true
		}
	}
	return false
}

func mkParent(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- shared data directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	return nil
}

// tuneLocal pins local databases to one connection. Writers from
// concurrent scans wait on busy_timeout instead of failing with
// SQLITE_BUSY, and ":memory:" stays one database.
func tuneLocal(ctx context.Context, db *sql.DB, dsn string) error {
	if dsn != memoryDSN && !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if dsn == memoryDSN {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		var ignored any
		if err := db.QueryRowContext(ctx, pragma).Scan(&ignored); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		err = fmt.Errorf("ping history store: %w", err)
	} else {
		err = tuneLocal(ctx, db, dsn)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
