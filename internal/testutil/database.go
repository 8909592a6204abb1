package testutil

import (
	"testing"

	"cardshelf/internal/database"
	"cardshelf/internal/shelf"
)

// NewTestDatabase creates a new in-memory index with migrations applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()
	return NewTestDatabaseWith(t, nil, nil)
}

// NewTestDatabaseWith is NewTestDatabase with an explicit clock and id generator.
func NewTestDatabaseWith(t *testing.T, clock shelf.Clock, idgen shelf.IDGenerator) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", clock, idgen)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}
