package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	tables := []string{"snapshots", "manifest_entries", "snapshot_pushes", "operations", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus(t *testing.T) {
	t.Run("fresh database needs migration", func(t *testing.T) {
		db := openTestDB(t)
		err := CheckDBMigrationStatus(db)
		if !errors.Is(err, ErrNoSchema) {
			t.Errorf("CheckDBMigrationStatus() error = %v, want ErrNoSchema", err)
		}
	})

	t.Run("up to date after migration", func(t *testing.T) {
		db := openTestDB(t)
		if err := MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() error = %v", err)
		}
		if err := CheckDBMigrationStatus(db); err != nil {
			t.Errorf("CheckDBMigrationStatus() error = %v", err)
		}
	})

	t.Run("migrating twice is a no-op", func(t *testing.T) {
		db := openTestDB(t)
		if err := MigrateUp(db); err != nil {
			t.Fatalf("first MigrateUp() error = %v", err)
		}
		if err := MigrateUp(db); err != nil {
			t.Fatalf("second MigrateUp() error = %v", err)
		}
		if err := CheckDBMigrationStatus(db); err != nil {
			t.Errorf("CheckDBMigrationStatus() error = %v", err)
		}
	})
}

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if v != 2 {
		t.Errorf("LatestVersion() = %d, want 2", v)
	}
}

func TestSchema_ManifestEntriesCascade(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	_, err := db.Exec(`INSERT INTO manifest_entries (snapshot_id, path, hash, size, mode)
		VALUES ('missing', 'index.php', 'abc', 3, 420)`)
	if err == nil {
		t.Fatal("expected foreign key violation for unknown snapshot")
	}

	mustExec(t, db, `INSERT INTO snapshots (id, project, description, created_at, scrubbed, small, size, content_hash)
		VALUES ('id-1', 'myblog', 'test', datetime('now'), 1, 0, 3, 'h')`)
	mustExec(t, db, `INSERT INTO manifest_entries (snapshot_id, path, hash, size, mode)
		VALUES ('id-1', 'index.php', 'abc', 3, 420)`)
	mustExec(t, db, `DELETE FROM snapshots WHERE id = 'id-1'`)

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM manifest_entries").Scan(&n); err != nil {
		t.Fatalf("counting entries: %v", err)
	}
	if n != 0 {
		t.Errorf("manifest entries after delete = %d, want 0", n)
	}
}

func TestSchema_ManifestPathUnique(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	mustExec(t, db, `INSERT INTO snapshots (id, project, description, created_at, scrubbed, small, size, content_hash)
		VALUES ('id-1', 'myblog', 'test', datetime('now'), 1, 0, 3, 'h')`)
	mustExec(t, db, `INSERT INTO manifest_entries (snapshot_id, path, size, mode) VALUES ('id-1', 'a', 0, 420)`)

	_, err := db.Exec(`INSERT INTO manifest_entries (snapshot_id, path, size, mode) VALUES ('id-1', 'a', 0, 420)`)
	if err == nil {
		t.Error("expected unique constraint violation for duplicate path")
	}
}

func mustExec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// openTestDB opens an in-memory SQLite database with foreign keys enabled.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enabling foreign keys: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
