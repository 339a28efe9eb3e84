// intake-check is the pre-flight diagnostic: it verifies that every external
// dependency of the pipeline is reachable and correctly shaped before a
// deploy is pointed at it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/svcops/intake/internal/blob"
	"github.com/svcops/intake/internal/config"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checks := []check{
		{"database connection", func(ctx context.Context) error {
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return pool.Ping(ctx)
		}},
		{"required tables", func(ctx context.Context) error {
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return verifyTables(ctx, pool)
		}},
		{"blob containers", func(ctx context.Context) error {
			client, err := blob.New(cfg.Blob.ConnectionString, cfg.Blob.SourceContainer,
				cfg.Blob.DestContainer, cfg.Blob.MaxRetries)
			if err != nil {
				return err
			}
			return client.VerifyContainers(ctx)
		}},
	}

	failed := false
	for _, c := range checks {
		fmt.Printf("Checking %-25s ", c.name+"...")
		if err := c.run(ctx); err != nil {
			failed = true
			fmt.Println("[FAIL]")
			fmt.Printf("  >> %v\n", err)
			continue
		}
		fmt.Println("[OK]")
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("All checks passed.")
}

var requiredTables = []string{
	"source_messages",
	"intake_inbox",
	"intake_watermark",
	"cases",
	"documents",
}

func verifyTables(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range requiredTables {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("table %q missing", table)
		}
	}
	return nil
}
