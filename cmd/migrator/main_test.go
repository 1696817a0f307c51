package main

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/lalithlochan/tandem/internal/db"
)

func TestMigrationNames(t *testing.T) {
	fsys := fstest.MapFS{
		"002_indexes.up.sql": {Data: []byte("CREATE INDEX ...")},
		"001_init.up.sql":    {Data: []byte("CREATE TABLE ...")},
		"001_init.down.sql":  {Data: []byte("DROP TABLE ...")},
		"README.md":          {Data: []byte("notes")},
		"archive/000.up.sql": {Data: []byte("ignored")},
	}

	names, err := migrationNames(fsys)
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if got := strings.Join(names, ","); got != "001_init.up.sql,002_indexes.up.sql" {
		t.Errorf("unexpected order/filter: %s", got)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	sub, err := fs.Sub(db.Migrations, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	names, err := migrationNames(sub)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 || names[0] != "001_init.up.sql" {
		t.Fatalf("expected embedded 001_init.up.sql, got %v", names)
	}

	sql, err := fs.ReadFile(sub, names[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"reminders", "users", "couples"} {
		if !strings.Contains(string(sql), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("expected %s table in initial migration", table)
		}
	}
}
