// Command migrate applies the embedded database migrations.
//
// Usage:
//
//	migrate up                 apply all pending migrations
//	migrate down               roll back the last migration
//	migrate status             show migration status
//	migrate version            show current schema version
//	migrate redo               roll back and re-apply the last migration
//	migrate up-to <version>    migrate up to a version
//	migrate down-to <version>  roll back to a version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/nirbhaya/internal/logging"
	"github.com/mbd888/nirbhaya/migrations"
)

var commands = map[string]int{
	"up": 0, "down": 0, "status": 0, "version": 0, "redo": 0,
	"up-to": 1, "down-to": 1,
}

func main() {
	logger := logging.New("info", "text")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]
	if want, ok := commands[command]; !ok || len(args) != want {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to VERSION|down-to VERSION>")
}
