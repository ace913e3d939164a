// Package db provides migration loading from a directory or an embedded filesystem.
package db

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/morezero/capability-bridge/migrations"
)

const migrationsLogPrefix = "db:migrations"

// LoadMigrations returns the migrations in dir, or the embedded set when dir is empty.
func LoadMigrations(dir string) ([]string, error) {
	if dir == "" {
		return LoadMigrationFS(migrations.FS, ".")
	}
	return LoadMigrationFiles(dir)
}

// LoadMigrationFiles reads all .sql files from dir, sorted by name, and returns their contents.
func LoadMigrationFiles(dir string) ([]string, error) {
	out, err := LoadMigrationFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	return out, nil
}

// LoadMigrationFS reads all up migrations (.sql, excluding .down.sql) under
// dir in fsys, sorted by name.
func LoadMigrationFS(fsys fs.FS, dir string) ([]string, error) {
	return loadSQL(fsys, dir, false)
}

// LoadDownMigrations returns the down migrations in dir, or the embedded set
// when dir is empty, newest first.
func LoadDownMigrations(dir string) ([]string, error) {
	if dir == "" {
		return LoadDownMigrationFS(migrations.FS, ".")
	}
	out, err := LoadDownMigrationFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	return out, nil
}

// LoadDownMigrationFS reads all .down.sql files under dir in fsys, newest
// first.
func LoadDownMigrationFS(fsys fs.FS, dir string) ([]string, error) {
	return loadSQL(fsys, dir, true)
}

func loadSQL(fsys fs.FS, dir string, down bool) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("%s - read dir: %w", migrationsLogPrefix, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		if strings.HasSuffix(e.Name(), ".down.sql") != down {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if down {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	var out []string
	for _, name := range names {
		p := path.Join(dir, name)
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, p, err)
		}
		out = append(out, string(data))
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files (down=%t)", migrationsLogPrefix, len(out), down))
	return out, nil
}
