package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedMigrations embed.FS

// Run applies a goose command (up, down, status, ...) against db using the embedded schema.
func Run(ctx context.Context, db *sql.DB, command string) error {
	if db == nil {
		return errors.New("migrations: nil db")
	}
	if command == "" {
		command = "up"
	}
	migrationCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.RunContext(migrationCtx, command, db, "sql"); err != nil {
		return fmt.Errorf("migrations: goose %s: %w", command, err)
	}
	return nil
}
