// Package migrations embeds the goose SQL migrations so the binary, the
// migrate command and integration tests share one schema source.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// goose keeps its dialect and base FS in package state.
var gooseMu sync.Mutex

// Run executes a goose command ("up", "down", "status", "version",
// "redo", "up-to", "down-to") against db.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("migrations: %s: %w", command, err)
	}
	return nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Quiet silences goose's progress output.
func Quiet() {
	gooseMu.Lock()
	goose.SetLogger(goose.NopLogger())
	gooseMu.Unlock()
}
