package migrate

import (
	"path/filepath"
	"testing"

	"daylog/internal/db"
)

func TestMigrateFreshWorkspace(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatal(err)
	}

	v, err := Current(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("current version = %d, want 1", v)
	}

	var name, appliedAt string
	if err := conn.QueryRow(`SELECT name, applied_at FROM schema_migrations WHERE version=1`).Scan(&name, &appliedAt); err != nil {
		t.Fatal(err)
	}
	if name != "0001_init.sql" {
		t.Fatalf("ledger name = %q", name)
	}
	if appliedAt == "" {
		t.Fatal("ledger row has no applied_at")
	}

	for _, table := range []string{"repositories", "activity_logs", "activity_details", "analysis_rules", "user_preferences", "workflow_events"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("table %s missing after migrate", table)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatal(err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("ledger rows = %d, want one per migration file", rows)
	}
}

func TestCurrentOnFreshDatabase(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	v, err := Current(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("fresh database version = %d, want 0", v)
	}
}

func TestParseVersion(t *testing.T) {
	if v, err := parseVersion("0002_add_rules.sql"); err != nil || v != 2 {
		t.Fatalf("parseVersion = %d, %v", v, err)
	}
	if _, err := parseVersion("init.sql"); err == nil {
		t.Fatal("filename without version prefix accepted")
	}
	if _, err := parseVersion("x_init.sql"); err == nil {
		t.Fatal("non-numeric version prefix accepted")
	}
}

func TestWorkspacePath(t *testing.T) {
	ws := t.TempDir()
	want := filepath.Join(ws, ".daylog", "daylog.db")
	if got := db.Path(ws); got != want {
		t.Fatalf("db.Path = %q, want %q", got, want)
	}
}
