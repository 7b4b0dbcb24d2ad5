package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/valhalla/jobcore/internal/constants"
	"github.com/valhalla/jobcore/internal/lock"
)

const schema = "jobcore_schema"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return db, nil
}

// Init creates the schema and applies pending migrations. Concurrent callers
// are serialised on the migration advisory lock, so only one instance
// migrates at a time.
func Init(ctx context.Context, db *sql.DB) error {
	locker := lock.NewAdvisoryLocker(db)
	return locker.WithLock(ctx, constants.MigrationLock, func(ctx context.Context, conn *sql.Conn) error {
		return migrate(ctx, conn)
	})
}

func migrate(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s.schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
		schema)); err != nil {
		return err
	}

	files, err := listMigrations(migrationFiles)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		err := conn.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s.schema_migrations WHERE version = $1)`, schema), file,
		).Scan(&applied)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, conn, file); err != nil {
			return err
		}
		log.Printf("db: applied migration %s", file)
	}
	return nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, file string) error {
	script, err := migrationFiles.ReadFile("migrations/" + file)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s.schema_migrations (version) VALUES ($1)`, schema), file,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrations(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
