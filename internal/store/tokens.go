package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/agent-relay/internal/runner"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
)

// 续接 token 在 relay_state 表中的 key。
const sessionTokenKey = "session_token"

// ========================================
// MemoryTokenStore — 进程内
// ========================================

// MemoryTokenStore 仅保存在内存中, 进程退出即丢失。
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryTokenStore 创建内存 token 存储。
func NewMemoryTokenStore() *MemoryTokenStore { return &MemoryTokenStore{} }

func (m *MemoryTokenStore) Load(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryTokenStore) Save(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryTokenStore) Clear(context.Context) error {
	return m.Save(context.Background(), "")
}

// ========================================
// FileTokenStore — JSON 状态文件
// ========================================

// fileState 状态文件内容。
type fileState struct {
	SessionToken string    `json:"session_token,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FileTokenStore 把 token 写入 JSON 状态文件 (临时文件 + rename, 权限 0600)。
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

// NewFileTokenStore 创建文件 token 存储。父目录在首次写入时创建。
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Path 状态文件路径。
func (f *FileTokenStore) Path() string { return f.path }

// Load 读取 token。文件不存在返回空串。
func (f *FileTokenStore) Load(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", apperrors.Wrap(err, "FileTokenStore.Load", "read state file")
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return "", apperrors.Wrap(err, "FileTokenStore.Load", "decode state file")
	}
	return st.SessionToken, nil
}

func (f *FileTokenStore) Save(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(fileState{SessionToken: token, UpdatedAt: time.Now().UTC()})
}

// Clear 清空 token (保留文件)。
func (f *FileTokenStore) Clear(ctx context.Context) error {
	return f.Save(ctx, "")
}

func (f *FileTokenStore) write(st fileState) error {
	if f.path == "" {
		return apperrors.New("FileTokenStore.Save", "state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return apperrors.Wrap(err, "FileTokenStore.Save", "create state dir")
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, "FileTokenStore.Save", "encode state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*.json")
	if err != nil {
		return apperrors.Wrap(err, "FileTokenStore.Save", "create temp file")
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmpName, 0o600)
	}
	if werr == nil {
		werr = os.Rename(tmpName, f.path)
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		return apperrors.Wrap(werr, "FileTokenStore.Save", "write state file")
	}
	return nil
}

// ========================================
// PGTokenStore — relay_state 表
// ========================================

// PGTokenStore 把 token 保存在 relay_state 表。
type PGTokenStore struct{ BaseStore }

// NewPGTokenStore 创建 PG token 存储。
func NewPGTokenStore(pool *pgxpool.Pool) *PGTokenStore {
	return &PGTokenStore{NewBaseStore(pool)}
}

func (s *PGTokenStore) Load(ctx context.Context) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `SELECT value FROM relay_state WHERE key = $1`, sessionTokenKey).Scan(&token)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", apperrors.Wrap(err, "PGTokenStore.Load", "query token")
	}
	return token, nil
}

func (s *PGTokenStore) Save(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, sessionTokenKey, token)
	if err != nil {
		return apperrors.Wrap(err, "PGTokenStore.Save", "upsert token")
	}
	return nil
}

func (s *PGTokenStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM relay_state WHERE key = $1`, sessionTokenKey); err != nil {
		return apperrors.Wrap(err, "PGTokenStore.Clear", "delete token")
	}
	return nil
}

var (
	_ runner.TokenStore = (*MemoryTokenStore)(nil)
	_ runner.TokenStore = (*FileTokenStore)(nil)
	_ runner.TokenStore = (*PGTokenStore)(nil)
)
