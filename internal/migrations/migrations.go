// Package migrations carries the versioned schema for every SQL backend and
// applies it with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Up applies all pending migrations for the database behind url. Supported
// schemes are postgres://, postgresql:// and sqlite://.
func Up(url string) error {
	m, err := open(url)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Down rolls back every migration. Intended for local resets.
func Down(url string) error {
	m, err := open(url)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version and whether it is dirty.
func Version(url string) (uint, bool, error) {
	m, err := open(url)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(m)

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func open(url string) (*migrate.Migrate, error) {
	dir, target, err := resolve(url)
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(files, dir)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, target)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}

// resolve maps an application database URL onto the migration set and the
// driver URL golang-migrate expects.
func resolve(url string) (dir, target string, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"):
		return "postgres", "pgx5://" + strings.TrimPrefix(url, "postgres://"), nil
	case strings.HasPrefix(url, "postgresql://"):
		return "postgres", "pgx5://" + strings.TrimPrefix(url, "postgresql://"), nil
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", url, nil
	default:
		return "", "", fmt.Errorf("unsupported migration url scheme: %q", url)
	}
}

func closeMigrator(m *migrate.Migrate) {
	_, _ = m.Close()
}
