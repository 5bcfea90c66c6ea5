package db

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"003_audit.sql":   {Data: []byte("CREATE TABLE audit_event (id TEXT);")},
		"001_patient.sql": {Data: []byte("CREATE TABLE patient (id TEXT);")},
		"002_index.sql":   {Data: []byte("CREATE INDEX idx ON patient (id);")},
		"README.md":       {Data: []byte("not a migration")},
		"notes.sql":       {Data: []byte("-- no version prefix")},
		"abc_bad.sql":     {Data: []byte("-- non-numeric prefix")},
		"004_dir/x.sql":   {Data: []byte("-- nested")},
	}

	migrations, err := NewSQLiteMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []string{"001_patient.sql", "002_index.sql", "003_audit.sql"} {
		if migrations[i].Name != want {
			t.Errorf("migration %d: expected %s, got %s", i, want, migrations[i].Name)
		}
		if migrations[i].Version != i+1 {
			t.Errorf("migration %d: expected version %d, got %d", i, i+1, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "CREATE TABLE patient (id TEXT);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := NewSQLiteMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewSQLiteMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func openTestSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteMigrator_UpAndStatus(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)
	fsys := fstest.MapFS{
		"001_patient.sql": {Data: []byte("CREATE TABLE patient (id TEXT PRIMARY KEY);")},
		"002_audit.sql":   {Data: []byte("CREATE TABLE audit_event (id TEXT PRIMARY KEY); CREATE INDEX idx_audit ON audit_event (id);")},
	}
	m := NewSQLiteMigrator(db, fsys)

	n, err := m.UpTo(ctx, 1)
	if err != nil {
		t.Fatalf("UpTo(1) error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied migration, got %d", n)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) != 2 || !statuses[0].Applied || statuses[1].Applied {
		t.Fatalf("unexpected status after UpTo(1): %+v", statuses)
	}
	if statuses[0].AppliedAt == nil {
		t.Error("expected AppliedAt for an applied migration")
	}

	n, err = m.Up(ctx)
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 more applied migration, got %d", n)
	}

	n, err = m.Up(ctx)
	if err != nil {
		t.Fatalf("second Up() error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected Up to be idempotent, applied %d", n)
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO audit_event (id) VALUES ('a')`); err != nil {
		t.Errorf("migrated table not usable: %v", err)
	}
}

func TestSQLiteMigrator_FailedMigrationNotRecorded(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)
	m := NewSQLiteMigrator(db, fstest.MapFS{
		"001_ok.sql":     {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"002_broken.sql": {Data: []byte("CREATE TABLE broken (")},
	})

	n, err := m.Up(ctx)
	if err == nil {
		t.Fatal("expected error from broken migration")
	}
	if n != 1 {
		t.Errorf("expected 1 applied migration before the failure, got %d", n)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if statuses[1].Applied {
		t.Error("broken migration must not be recorded")
	}
}
