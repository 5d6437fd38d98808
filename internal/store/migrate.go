package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending up-migrations in order. Files follow the
// golang-migrate naming scheme {version}_{name}.up.sql; each file and its
// schema_migrations row commit together.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	files, err := migrationFiles(".up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, f := range files {
		version := migrationVersion(f)
		if applied[version] {
			continue
		}
		content, err := migrationFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		slog.Info("applying migration", "file", f)
		err = s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`, version, f)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MigrateDown reverts the latest steps applied migrations, newest first,
// using their .down.sql files. Each revert and the removal of its
// schema_migrations row commit together.
func (s *PostgresStore) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("migrate down: steps must be positive, got %d", steps)
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationFiles(".down.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	plan, err := downPlan(applied, files, steps)
	if err != nil {
		return err
	}

	for _, f := range plan {
		content, err := migrationFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		slog.Info("reverting migration", "file", f)
		err = s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
			_, err := tx.Exec(ctx,
				`DELETE FROM schema_migrations WHERE version = $1`, migrationVersion(f))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) appliedVersions(ctx context.Context) (map[string]bool, error) {
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// downPlan picks the down files of the latest steps applied versions,
// newest first. An applied version without a down file stops the plan.
func downPlan(applied map[string]bool, downFiles []string, steps int) ([]string, error) {
	byVersion := make(map[string]string, len(downFiles))
	for _, f := range downFiles {
		byVersion[migrationVersion(f)] = f
	}
	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	var plan []string
	for _, v := range versions {
		if len(plan) == steps {
			break
		}
		f, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("migrate down: no down migration for version %s", v)
		}
		plan = append(plan, f)
	}
	return plan, nil
}

func migrationFiles(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion extracts "001" from "001_init.up.sql".
func migrationVersion(filename string) string {
	if i := strings.IndexByte(filename, '_'); i > 0 {
		return filename[:i]
	}
	return filename
}
