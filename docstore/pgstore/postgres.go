package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

// Config holds the connection pool settings and the document table name.
type Config struct {
	DSN             string        `envconfig:"DB_DSN" yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25" yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5" yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"15m" yaml:"conn_max_lifetime"`
	Table           string        `envconfig:"DB_DOCUMENT_TABLE" default:"activity_documents" yaml:"table" validate:"required"`
}

// Open initializes a *sql.DB with OpenTelemetry instrumentation and
// connection pooling, and pings it.
func Open(ctx context.Context, cfg Config, serviceName string) (*sql.DB, error) {
	db, err := otelsql.Open("pgx", cfg.DSN,
		otelsql.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		otelsql.WithDBName("postgres"),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: failed to ping database: %w", err)
	}

	return db, nil
}
