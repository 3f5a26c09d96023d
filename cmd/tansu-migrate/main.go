package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tansucloud/tansucloud/pkg/schema"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection URL (default: TANSU_DATABASE_URL)")
	timeout     = flag.Duration("timeout", 5*time.Minute, "Overall migration timeout")
)

// tansu-migrate applies the platform migrations to one database. Concurrent
// runs against the same database are safe: goose takes a session-level
// advisory lock, so one runner applies while the others wait.
func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	url := *databaseURL
	if url == "" {
		url = os.Getenv("TANSU_DATABASE_URL")
	}
	if url == "" {
		log.Fatal("No database URL: pass --database-url or set TANSU_DATABASE_URL")
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	version, err := schema.Migrate(ctx, db)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Printf("Migrations applied, schema version %s", version)
}
