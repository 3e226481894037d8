package database

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

// testMigrations is a two-step schema; only the first step has a down file.
var testMigrations = fstest.MapFS{
	"20261001_120000_create_widgets.up.sql": {
		Data: []byte("CREATE TABLE test_widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);"),
	},
	"20261001_120000_create_widgets.down.sql": {
		Data: []byte("DROP TABLE test_widgets;"),
	},
	"20261002_090000_add_colour.up.sql": {
		Data: []byte("ALTER TABLE test_widgets ADD COLUMN colour TEXT;"),
	},
	"README.md": {Data: []byte("ignored")},
}

// useMigrations registers fsys for the duration of a test.
func useMigrations(t *testing.T, fsys fstest.MapFS) {
	t.Helper()
	orig := migrationSource()
	t.Cleanup(func() { RegisterMigrations(orig) })
	if fsys == nil {
		RegisterMigrations(nil)
		return
	}
	RegisterMigrations(fsys)
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations)
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // test cleanup
	ctx := context.Background()

	before, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(before.Applied) != 0 || len(before.Pending) != 2 {
		t.Fatalf("before = %+v", before)
	}
	if before.Pending[0].Version != "20261001_120000" || before.Pending[1].Name != "add_colour" {
		t.Errorf("pending not ordered by version: %+v", before.Pending)
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// The second step depends on the first.
	if _, err := db.ExecContext(ctx, "INSERT INTO test_widgets (name, colour) VALUES ('a', 'red')"); err != nil {
		t.Fatalf("insert after migrate: %v", err)
	}

	after, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Applied) != 2 || len(after.Pending) != 0 {
		t.Errorf("after = %+v", after)
	}
	if after.Applied[0].AppliedAt.IsZero() || after.Applied[0].Name != "create_widgets" {
		t.Errorf("applied[0] = %+v", after.Applied[0])
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailureResumes(t *testing.T) {
	broken := fstest.MapFS{
		"20261001_120000_create_widgets.up.sql": testMigrations["20261001_120000_create_widgets.up.sql"],
		"20261002_090000_broken.up.sql":         {Data: []byte("ALTER TABLE nope ADD COLUMN x TEXT;")},
	}
	useMigrations(t, broken)
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // test cleanup
	ctx := context.Background()

	err := db.Migrate(ctx)
	if err == nil || !strings.Contains(err.Error(), "20261002_090000") {
		t.Fatalf("Migrate() error = %v, want failure naming the broken step", err)
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Applied) != 1 || len(status.Pending) != 1 {
		t.Errorf("status = %+v, want first step committed", status)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations)
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // test cleanup
	ctx := context.Background()

	if m, err := db.MigrateDown(ctx); err != nil || m.Version != "" {
		t.Fatalf("MigrateDown() on empty = %+v, %v", m, err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := db.MigrateDown(ctx); err == nil || !strings.Contains(err.Error(), "no down SQL") {
		t.Fatalf("MigrateDown() error = %v, want missing down SQL", err)
	}

	// Drop the step without a down file and roll back the first one.
	useMigrations(t, fstest.MapFS{
		"20261001_120000_create_widgets.up.sql":   testMigrations["20261001_120000_create_widgets.up.sql"],
		"20261001_120000_create_widgets.down.sql": testMigrations["20261001_120000_create_widgets.down.sql"],
	})
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = '20261002_090000'"); err != nil {
		t.Fatal(err)
	}

	m, err := db.MigrateDown(ctx)
	if err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if m.Name != "create_widgets" {
		t.Errorf("rolled back %+v", m)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='test_widgets'",
	).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("test_widgets should have been dropped")
	}
}

func TestMigrate_NoSource(t *testing.T) {
	useMigrations(t, nil)
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no migrations error = %v", err)
	}
}

func TestLoadMigrations_OrphanDown(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{
		"20261001_120000_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
	})
	if err == nil {
		t.Fatal("loadMigrations() should reject a down file without an up file")
	}
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		file        string
		wantVersion string
		wantName    string
		wantUp      bool
		wantOk      bool
	}{
		{"20261001_120000_sessions.up.sql", "20261001_120000", "sessions", true, true},
		{"20261001_130000_device_cache.down.sql", "20261001_130000", "device_cache", false, true},
		{"readme.txt", "", "", false, false},
		{"20261001_120000_sessions.sql", "", "", false, false},
		{"invalid.up.sql", "", "", false, false},
		{"20261001_120000.up.sql", "", "", false, false},
		{"2026x001_120000_bad.up.sql", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, up, ok := parseMigrationName(tt.file)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || name != tt.wantName || up != tt.wantUp {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)", version, name, up, tt.wantVersion, tt.wantName, tt.wantUp)
			}
		})
	}
}
