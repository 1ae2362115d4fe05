// Package databasetest opens migrated throwaway databases for package tests.
package databasetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/homelink-core/internal/infrastructure/database"
	_ "github.com/nerrad567/homelink-core/migrations" // registers the schema
)

// Open returns a fresh database in t.TempDir with every migration applied.
// It is closed when the test ends.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "homelink-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}
