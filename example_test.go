package dbevolve_test

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-dbevolve"

	// Import the `pgx` package for registering the retryable function for PostgreSQL
	// transient errors (like deadlocks and serialization failures).
	_ "github.com/acronis/go-dbevolve/pgx"
)

func Example() {
	// Configure the database using the dbevolve.Config struct.
	cfg := &dbevolve.Config{
		Dialect: dbevolve.DialectPgx,
		Postgres: dbevolve.PostgresConfig{
			Host:     os.Getenv("POSTGRES_HOST"),
			Port:     5432,
			User:     os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Database: os.Getenv("POSTGRES_DATABASE"),
		},
		MaxOpenConns: 16,
		MaxIdleConns: 8,
	}

	// Open the database connection.
	// The 2nd parameter is a boolean that indicates whether to ping the database.
	db, err := dbevolve.Open(cfg, true)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Execute a transaction with a retry policy (constant backoff with 3 retries,
	// starting from 10ms). The transaction context records every executed statement
	// and exposes savepoints for partial rollback.
	retryPolicy := retry.NewConstantBackoffPolicy(10*time.Millisecond, 3)
	if err = dbevolve.DoInTx(context.Background(), db, func(tx *dbevolve.TxContext) error {
		// Execute your transactional operations here.
		// Example: _, err := tx.ExecContext(ctx, "UPDATE users SET last_login = $1 WHERE id = $2",
		// time.Now(), 1)
		return nil
	}, dbevolve.WithRetryPolicy(retryPolicy)); err != nil {
		log.Fatal(err)
	}

	// Output:
}
