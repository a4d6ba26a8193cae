// Command migrate applies the auth schema migrations (users, refresh tokens,
// two-factor settings) using golang-migrate.
//
// Database settings come from the same DB_* variables the server reads.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/welldanyogia/lms-auth/internal/config"
	"github.com/welldanyogia/lms-auth/internal/logger"
)

var version = "dev"

const (
	defaultTimeout        = 5 * time.Minute
	defaultMigrationsPath = "migrations"
	migrationsTable       = "schema_migrations"
)

func main() {
	var (
		path        = flag.String("path", envOr("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
		timeout     = flag.Duration("timeout", defaultTimeout, "Lock and connect timeout")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrate version %s\n", version)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.New(logger.DefaultConfig())
	r := &runner{
		dsn:     config.Load().Database.DSN(),
		path:    *path,
		timeout: *timeout,
		log:     log,
	}

	if err := r.run(args[0], args[1:]); err != nil {
		log.Error("migration command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N up migrations\n")
	fmt.Fprintf(os.Stderr, "  down N       Roll back N migrations\n")
	fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
	fmt.Fprintf(os.Stderr, "  force V      Mark version V as applied without running it\n")
	fmt.Fprintf(os.Stderr, "  version      Print the current version\n")
	fmt.Fprintf(os.Stderr, "  create NAME  Create a new migration file pair\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

type runner struct {
	dsn     string
	path    string
	timeout time.Duration
	log     *slog.Logger
}

func (r *runner) run(cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return r.create(args[0])
	case "version":
		return r.withMigrate(func(m *migrate.Migrate) error {
			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				r.log.Info("no migrations applied yet")
				return nil
			}
			if err != nil {
				return err
			}
			r.log.Info("current migration version", "version", v, "dirty", dirty)
			return nil
		})
	case "up":
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		return r.apply("up", func(m *migrate.Migrate) error {
			if steps > 0 {
				return m.Steps(steps)
			}
			return m.Up()
		})
	case "down":
		// Rolling back everything drops the users table, so a count is required.
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		if steps <= 0 {
			return errors.New("down requires a positive number of steps")
		}
		return r.apply("down", func(m *migrate.Migrate) error {
			return m.Steps(-steps)
		})
	case "goto":
		v, err := optionalInt(args)
		if err != nil || v <= 0 {
			return errors.New("goto requires a version number")
		}
		return r.apply("goto", func(m *migrate.Migrate) error {
			return m.Migrate(uint(v))
		})
	case "force":
		v, err := optionalInt(args)
		if err != nil || len(args) == 0 {
			return errors.New("force requires a version number")
		}
		return r.withMigrate(func(m *migrate.Migrate) error {
			if err := m.Force(v); err != nil {
				return err
			}
			r.log.Warn("migration version forced", "version", v)
			return nil
		})
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// apply runs fn and logs the version transition
func (r *runner) apply(direction string, fn func(*migrate.Migrate) error) error {
	return r.withMigrate(func(m *migrate.Migrate) error {
		from, _, _ := m.Version()
		if err := fn(m); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				r.log.Info("no migrations to apply", "direction", direction, "version", from)
				return nil
			}
			return err
		}
		to, _, _ := m.Version()
		r.log.Info("migration completed", "direction", direction, "from", from, "to", to)
		return nil
	})
}

func (r *runner) withMigrate(fn func(*migrate.Migrate) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	abs, err := filepath.Abs(r.path)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()
	m.LockTimeout = r.timeout

	return fn(m)
}

// create writes an empty up/down pair numbered after the highest existing migration
func (r *runner) create(name string) error {
	next, err := nextMigrationNumber(r.path)
	if err != nil {
		return fmt.Errorf("failed to determine next migration number: %w", err)
	}
	if err := os.MkdirAll(r.path, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	for _, direction := range []string{"up", "down"} {
		file := filepath.Join(r.path, fmt.Sprintf("%03d_%s.%s.sql", next, name, direction))
		body := fmt.Sprintf("-- %s (%s)\n", name, direction)
		if err := os.WriteFile(file, []byte(body), 0644); err != nil {
			return fmt.Errorf("failed to create %s migration: %w", direction, err)
		}
		r.log.Info("created migration file", "file", file)
	}
	return nil
}

// nextMigrationNumber returns one past the highest NNN_ prefix in dir
func nextMigrationNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}

	highest := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &n); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func optionalInt(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", args[0])
	}
	return n, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
