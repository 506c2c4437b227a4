package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/agent-relay/internal/database"
	"github.com/multi-agent/agent-relay/internal/runner"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	connStr := os.Getenv("TEST_POSTGRES_CONNECTION_STRING")
	if connStr == "" {
		t.Skip("TEST_POSTGRES_CONNECTION_STRING not set")
	}
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		t.Fatalf("connect to db: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(context.Background(), pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// exerciseTokenStore 三种实现共用的行为检查。
func exerciseTokenStore(t *testing.T, s runner.TokenStore) {
	t.Helper()
	ctx := context.Background()

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, err := s.Load(ctx); err != nil || got != "" {
		t.Fatalf("Load after Clear = %q, %v", got, err)
	}
	if err := s.Save(ctx, "sess-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "sess-2"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, err := s.Load(ctx); err != nil || got != "sess-2" {
		t.Fatalf("Load = %q, %v; want sess-2", got, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := s.Load(ctx); got != "" {
		t.Fatalf("Load after Clear = %q", got)
	}
}

func TestMemoryTokenStore(t *testing.T) {
	exerciseTokenStore(t, NewMemoryTokenStore())
}

func TestFileTokenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewFileTokenStore(path)

	t.Run("missing_file_is_empty", func(t *testing.T) {
		got, err := s.Load(context.Background())
		if err != nil || got != "" {
			t.Fatalf("Load = %q, %v", got, err)
		}
	})

	t.Run("round_trip", func(t *testing.T) {
		exerciseTokenStore(t, s)
	})

	t.Run("survives_new_instance", func(t *testing.T) {
		if err := s.Save(context.Background(), "persisted"); err != nil {
			t.Fatal(err)
		}
		got, err := NewFileTokenStore(path).Load(context.Background())
		if err != nil || got != "persisted" {
			t.Fatalf("Load = %q, %v", got, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("perm = %o, want 600", perm)
		}
	})

	t.Run("corrupt_file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "state.json")
		if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewFileTokenStore(bad).Load(context.Background()); err == nil {
			t.Fatal("expected decode error")
		}
	})

	t.Run("empty_path", func(t *testing.T) {
		if err := NewFileTokenStore("").Save(context.Background(), "x"); err == nil {
			t.Fatal("expected error for empty path")
		}
	})
}

func TestPGTokenStore(t *testing.T) {
	pool := getTestPool(t)
	exerciseTokenStore(t, NewPGTokenStore(pool))
}
