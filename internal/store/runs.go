package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/agent-relay/internal/runner"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
)

// AgentRun agent_runs 表的一行。
type AgentRun struct {
	ID         string    `db:"id" json:"id"`
	Prompt     string    `db:"prompt" json:"prompt"`
	Cwd        string    `db:"cwd" json:"cwd"`
	Status     string    `db:"status" json:"status"`
	ExitCode   int       `db:"exit_code" json:"exit_code"`
	Signal     string    `db:"signal" json:"signal,omitempty"`
	Summary    string    `db:"summary" json:"summary"`
	Error      string    `db:"error" json:"error,omitempty"`
	Retried    bool      `db:"retried" json:"retried"`
	FromChat   bool      `db:"from_chat" json:"from_chat"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
}

// RunFilter 查询条件。
type RunFilter struct {
	Status  string
	Keyword string // 匹配 prompt / summary
	Limit   int
}

// RunStore 运行历史 (实现 runner.Recorder)。
type RunStore struct{ BaseStore }

// NewRunStore 创建 RunStore。
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{NewBaseStore(pool)}
}

// RecordRun 写入一次结束的运行。同 id 重复写入时覆盖。
func (s *RunStore) RecordRun(ctx context.Context, rec runner.RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_runs
			(id, prompt, cwd, status, exit_code, signal, summary, error, retried, from_chat, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			exit_code = EXCLUDED.exit_code,
			signal = EXCLUDED.signal,
			summary = EXCLUDED.summary,
			error = EXCLUDED.error,
			retried = EXCLUDED.retried,
			finished_at = EXCLUDED.finished_at
	`, rec.ID, rec.Prompt, rec.Cwd, rec.Status, rec.ExitCode, rec.Signal,
		rec.Summary, rec.Error, rec.Retried, rec.FromChat, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return apperrors.Wrap(err, "RunStore.RecordRun", "insert run")
	}
	return nil
}

// List 按开始时间倒序列出运行记录。
func (s *RunStore) List(ctx context.Context, f RunFilter) ([]AgentRun, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	sql, params := NewQueryBuilder().
		Eq("status", f.Status).
		KeywordLike(f.Keyword, "prompt", "summary").
		Build(`SELECT id, prompt, cwd, status, exit_code, signal, summary, error, retried, from_chat, started_at, finished_at FROM agent_runs`,
			"started_at DESC", f.Limit)

	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.Wrap(err, "RunStore.List", "query runs")
	}
	runs, err := collectRows[AgentRun](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, "RunStore.List", "scan runs")
	}
	return runs, nil
}

// Statuses 已出现过的状态值 (UI 筛选用)。
func (s *RunStore) Statuses(ctx context.Context) ([]string, error) {
	vals, err := DistinctValues(ctx, s.pool, "agent_runs", "status")
	if err != nil {
		return nil, apperrors.Wrap(err, "RunStore.Statuses", "query statuses")
	}
	return vals, nil
}

var _ runner.Recorder = (*RunStore)(nil)
