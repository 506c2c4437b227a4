package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/agent-relay/internal/runner"
)

func TestRunStore(t *testing.T) {
	pool := getTestPool(t)
	s := NewRunStore(pool)
	ctx := context.Background()

	marker := "runstore-" + uuid.NewString()[:8]
	start := time.Now().UTC().Truncate(time.Millisecond)
	recs := []runner.RunRecord{
		{ID: uuid.NewString(), Prompt: marker + " list files", Status: "exited", Summary: "a.txt", StartedAt: start, FinishedAt: start.Add(time.Second)},
		{ID: uuid.NewString(), Prompt: marker + " build 100%", Status: "errored", ExitCode: 2, Error: "boom", Summary: "Error: boom", Retried: true, FromChat: true, StartedAt: start.Add(time.Minute), FinishedAt: start.Add(2 * time.Minute)},
	}
	for _, r := range recs {
		if err := s.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM agent_runs WHERE prompt LIKE $1`, marker+"%")
	})

	t.Run("keyword_newest_first", func(t *testing.T) {
		runs, err := s.List(ctx, RunFilter{Keyword: marker})
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 2 {
			t.Fatalf("len = %d, want 2", len(runs))
		}
		if runs[0].ID != recs[1].ID {
			t.Errorf("first = %s, want newest", runs[0].ID)
		}
		if !runs[0].Retried || !runs[0].FromChat || runs[0].ExitCode != 2 {
			t.Errorf("fields not persisted: %+v", runs[0])
		}
	})

	t.Run("status_filter", func(t *testing.T) {
		runs, err := s.List(ctx, RunFilter{Keyword: marker, Status: "exited"})
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 || runs[0].Summary != "a.txt" {
			t.Fatalf("runs = %+v", runs)
		}
	})

	t.Run("literal_percent", func(t *testing.T) {
		runs, err := s.List(ctx, RunFilter{Keyword: marker + " build 100%"})
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 {
			t.Fatalf("len = %d, want 1", len(runs))
		}
	})

	t.Run("statuses", func(t *testing.T) {
		vals, err := s.Statuses(ctx)
		if err != nil {
			t.Fatal(err)
		}
		found := map[string]bool{}
		for _, v := range vals {
			found[v] = true
		}
		if !found["exited"] || !found["errored"] {
			t.Errorf("statuses = %v", vals)
		}
	})
}
