package testutil

import (
	"context"
	"fmt"
	"time"

	pgutil "github.com/bissquit/jobwatch/internal/pkg/postgres"
	"github.com/bissquit/jobwatch/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a postgres testcontainer.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer creates a new PostgreSQL container for testing.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionString:  connStr,
	}, nil
}

// Migrate applies the embedded schema migrations.
func (c *PostgresContainer) Migrate() error {
	return pgutil.Migrate(c.ConnectionString, migrations.FS)
}

// Pool opens a connection pool to the container database.
func (c *PostgresContainer) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgutil.Connect(ctx, pgutil.Config{
		URL:             c.ConnectionString,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectAttempts: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to test database: %w", err)
	}
	return pool, nil
}

// Truncate empties the given tables.
func Truncate(ctx context.Context, pool *pgxpool.Pool, tables ...string) error {
	for _, t := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE TABLE "+t+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", t, err)
		}
	}
	return nil
}
