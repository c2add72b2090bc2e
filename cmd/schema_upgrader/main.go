// Boot-time job applying schema migrations in lexicographic filename order.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/opst/gpuplane/pkg/db/postgres/schema"
	"github.com/opst/gpuplane/pkg/utils/try"
)

func main() {
	logger := log.Default()
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	pdatabase := flag.String(
		"database", envOr("STORE_URL", os.Getenv("DATABASE_URL")),
		"connection string for the durable store",
	)
	prepo := flag.String(
		"schema-repo", envOr("GPUPLANE_SCHEMA", "db/migrations"), "schema repository path",
	)
	flag.Parse()

	if *pdatabase == "" {
		logger.Fatal("database connection string is required (-database or STORE_URL)")
	}

	pool := try.To(pgxpool.Connect(ctx, *pdatabase)).OrFatal(logger)
	defer pool.Close()

	applied := try.To(schema.Upgrade(ctx, pool, *prepo)).OrFatal(logger)
	if len(applied) == 0 {
		logger.Println("schema is up to date")
		return
	}
	for _, name := range applied {
		logger.Printf("applied: %s", name)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
