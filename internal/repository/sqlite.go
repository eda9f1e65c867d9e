package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/ipsim/internal/domain"
	_ "modernc.org/sqlite"
)

// memoryPath selects an in-memory database.
const memoryPath = ":memory:"

// sqlitePragmas apply to every pooled connection.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// sqliteDSN builds the modernc.org/sqlite connection string for path.
func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		if path == memoryPath && p == "journal_mode(WAL)" {
			continue
		}
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")

	if path == memoryPath {
		return "file::memory:?" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// openSQLite opens the run history database. An in-memory database is
// pinned to a single connection because each connection would otherwise
// see its own empty database.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./ipsim.db"
	}

	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == memoryPath {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database %s: %w", path, err)
	}

	return db, nil
}
