package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/rideon/internal/config"
)

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, config.Store{Driver: config.DriverMemory})
	if err != nil {
		t.Fatalf("Open(memory) failed: %v", err)
	}
	if _, ok := mem.(*Memory); !ok {
		t.Errorf("Open(memory) = %T", mem)
	}

	lite, err := Open(ctx, config.Store{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "v.db")})
	if err != nil {
		t.Fatalf("Open(sqlite) failed: %v", err)
	}
	defer lite.Close()
	if _, ok := lite.(*SQLite); !ok {
		t.Errorf("Open(sqlite) = %T", lite)
	}

	if _, err := Open(ctx, config.Store{Driver: "mongo"}); err == nil {
		t.Error("Open(mongo) should fail")
	}
}
