package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Connect opens the GTFS database. When city is set, the latest imported
// database for that city is resolved through the cluster's 'postgres'
// database first. It returns the open handle and the database name used.
func Connect(ctx context.Context, baseDSN, city string) (*sql.DB, string, error) {
	finalDSN := baseDSN
	dbName := ""
	if city != "" {
		rootDSN, err := WithDBName(baseDSN, "postgres")
		if err != nil {
			return nil, "", fmt.Errorf("invalid base DSN: %w", err)
		}
		meta, err := Open(rootDSN)
		if err != nil {
			return nil, "", fmt.Errorf("db open (meta): %w", err)
		}
		defer meta.Close()
		if err := Ping(ctx, meta); err != nil {
			return nil, "", fmt.Errorf("db ping (meta): %w", err)
		}
		dbName, err = ResolveLatestImportDBName(ctx, meta, city)
		if err != nil {
			return nil, "", fmt.Errorf("resolve latest import for city %q: %w", city, err)
		}
		if finalDSN, err = WithDBName(baseDSN, dbName); err != nil {
			return nil, "", fmt.Errorf("compose DSN: %w", err)
		}
		log.WithFields(log.Fields{"db": dbName, "city": city}).Info("using city database")
	}

	db, err := Open(finalDSN)
	if err != nil {
		return nil, "", fmt.Errorf("db open: %w", err)
	}
	if err := Ping(ctx, db); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("db ping: %w", err)
	}
	return db, dbName, nil
}

// WithDBName returns a DSN identical to the input but with the database path replaced.
// Supports postgres:// and postgresql:// schemes; a DSN without a scheme gets postgres://.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// ResolveLatestImportDBName returns the db_name with the most recent imported_at
// from public.latest_successful_imports where db_name ILIKE '%city%'.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", errors.New("city is required")
	}
	const q = `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", err
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return dbName.String, nil
}
