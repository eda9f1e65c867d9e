package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/ipsim/internal/domain"
)

// postgresURL returns cfg.PostgresURL, or a URL assembled from the
// discrete fields with defaults for host, port, database and sslmode.
func postgresURL(cfg domain.RepositoryConfig) string {
	if cfg.PostgresURL != "" {
		return cfg.PostgresURL
	}

	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	db := cfg.PostgresDB
	if db == "" {
		db = "ipsim"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + db,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "ipsim")
	u.RawQuery = q.Encode()

	return u.String()
}

// openPostgres opens the run history database through a lib/pq connector,
// which validates the URL before any connection is attempted.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	connector, err := pq.NewConnector(postgresURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection settings: %w", err)
	}

	db := sql.OpenDB(connector)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}
