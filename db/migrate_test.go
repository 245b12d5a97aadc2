package db

import (
	"context"
	"database/sql"
	"testing"
)

func tableExists(t *testing.T, d *sql.DB, name string) bool {
	t.Helper()
	var exists bool
	err := d.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables WHERE table_name = $1
	)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}

func TestRunMigrations(t *testing.T) {
	d := openTestDB(t)

	if err := RunMigrations(d); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	for _, table := range []string{"sessions", "kv"} {
		if !tableExists(t, d, table) {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := MigrationVersion(d)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if dirty {
		t.Error("migration version is dirty")
	}
	if version < 1 {
		t.Errorf("migration version = %d, want >= 1", version)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	d := openTestDB(t)

	if err := RunMigrations(d); err != nil {
		t.Fatalf("first RunMigrations: %v", err)
	}
	v1, dirty1, err := MigrationVersion(d)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if err := RunMigrations(d); err != nil {
		t.Fatalf("second RunMigrations: %v", err)
	}
	v2, dirty2, err := MigrationVersion(d)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v1 != v2 || dirty1 != dirty2 {
		t.Errorf("migration state drifted: %d/%v -> %d/%v", v1, dirty1, v2, dirty2)
	}
}

// The embedded-SQL fallback and the versioned migrations must agree on the
// schema: applying one after the other is a no-op either way.
func TestMigrateFallbackAgrees(t *testing.T) {
	d := openTestDB(t)

	if err := RunMigrations(d); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if err := Migrate(context.Background(), d); err != nil {
		t.Fatalf("fallback Migrate over versioned schema: %v", err)
	}
	for _, table := range []string{"sessions", "kv"} {
		if !tableExists(t, d, table) {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestMigrateUpDown(t *testing.T) {
	d := openTestDB(t)

	if err := RunMigrations(d); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if !tableExists(t, d, "sessions") {
		t.Fatal("sessions table missing after up migration")
	}

	if err := MigrateDown(d); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if tableExists(t, d, "sessions") {
		t.Error("sessions table still present after down migration")
	}
	if tableExists(t, d, "kv") {
		t.Error("kv table still present after down migration")
	}
}
