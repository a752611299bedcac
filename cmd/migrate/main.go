package main

import (
	"ClaimLedger/internal/observability"
	"ClaimLedger/internal/persistence"
	"ClaimLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and when they were applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  CLAIM_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  CLAIM_MIGRATIONS_DIR  - read migrations from this directory instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("CLAIM_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/claimledger?sslmode=disable"
	}

	var schema fs.FS = migrations.FS
	if dir := os.Getenv("CLAIM_MIGRATIONS_DIR"); dir != "" {
		schema = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, schema, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
		for _, s := range statuses {
			applied := "pending"
			if s.AppliedAt != nil {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, s.Filename, applied)
		}
		w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
