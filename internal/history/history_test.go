package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "termhost-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "terminal_sessions")
	assertTableExists(t, database.SQL(), "terminal_titles")
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") should fail")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)
	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
}

func TestSessionRepoLifecycleRoundTrip(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	rec := &SessionRecord{
		Command:   "/bin/bash",
		Args:      []string{"--login"},
		Cwd:       "/home/dev",
		TermLabel: "xterm-256color",
		Cols:      120,
		Rows:      30,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Create() did not assign an id")
	}

	if err := repo.RecordPid(ctx, rec.ID, 12345); err != nil {
		t.Fatalf("RecordPid() error = %v", err)
	}
	if err := repo.RecordTitle(ctx, rec.ID, "vim", time.Time{}); err != nil {
		t.Fatalf("RecordTitle() error = %v", err)
	}
	if err := repo.RecordExit(ctx, rec.ID, 0, time.Time{}); err != nil {
		t.Fatalf("RecordExit() error = %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for an existing session")
	}
	if got.Command != "/bin/bash" || len(got.Args) != 1 || got.Args[0] != "--login" {
		t.Errorf("command round trip = %q %q", got.Command, got.Args)
	}
	if got.Pid == nil || *got.Pid != 12345 {
		t.Errorf("Pid = %v, want 12345", got.Pid)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.ExitCode)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set after RecordExit")
	}

	titles, err := repo.Titles(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Titles() error = %v", err)
	}
	if len(titles) != 1 || titles[0].Title != "vim" {
		t.Errorf("Titles() = %+v, want one entry \"vim\"", titles)
	}
}

func TestSessionRepoGetMissing(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())

	got, err := repo.Get(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

func TestSessionRepoListNewestFirst(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	older := &SessionRecord{Command: "/bin/sh", Cols: 80, Rows: 24, StartedAt: time.Now().Add(-time.Hour)}
	newer := &SessionRecord{Command: "/bin/bash", Cols: 80, Rows: 24, StartedAt: time.Now()}
	for _, rec := range []*SessionRecord{older, newer} {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(got))
	}
	if got[0].ID != newer.ID {
		t.Errorf("List() order: first = %s, want newest %s", got[0].ID, newer.ID)
	}

	limited, err := repo.List(ctx, 1)
	if err != nil {
		t.Fatalf("List(1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(List(1)) = %d, want 1", len(limited))
	}
}
