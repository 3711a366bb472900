// Package pgconn opens the Postgres connection pool the run command shares,
// following the teacher's cmd/migrate.go pattern of sql.Open("pgx", dsn)
// against the blank-imported pgx stdlib driver rather than pgx's native
// pool API — kept deliberately plain database/sql so the same *sql.DB can
// be handed to the state store, the config store, and the usage sink
// alike. The migrate command does not use it: golang-migrate opens its own
// connection from the DSN.
package pgconn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens and pings a Postgres connection pool for dsn.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
