// Package apiserver 宿主 UI 接口: gin HTTP API + /ws 事件流。
//
// 仅面向本机 UI: 默认监听 127.0.0.1, WebSocket 只接受 localhost 来源。
package apiserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/agent-relay/internal/runner"
	"github.com/multi-agent/agent-relay/internal/store"
	"github.com/multi-agent/agent-relay/internal/telegram"
	"github.com/multi-agent/agent-relay/pkg/logger"
)

// Agent UI 用到的 supervisor 操作。
type Agent interface {
	Start(ctx context.Context, prompt string, opts runner.Options) (<-chan runner.Result, error)
	Abort() (int, error)
	Status() runner.StatusInfo
	Token() string
	ClearToken(ctx context.Context) error
	SetDefaultCwd(dir string) error
}

// Bridge UI 用到的聊天桥接操作。
type Bridge interface {
	Info() telegram.Info
	History() *telegram.History
	Connect(ctx context.Context, token string, chatID int64) error
	Stop(ctx context.Context)
}

// RunLister 运行历史查询。
type RunLister interface {
	List(ctx context.Context, f store.RunFilter) ([]store.AgentRun, error)
}

// Deps 服务依赖。Bridge / Runs / OnSessionReset 可为 nil。
type Deps struct {
	Agent          Agent
	Bridge         Bridge
	Runs           RunLister
	Hub            *Hub
	OnSessionReset func() // 清除续接 token 后调用 (如清空编排历史)
}

// Server HTTP 服务。
type Server struct {
	ctx    context.Context // 长生命周期操作 (桥接轮询) 使用
	router *gin.Engine
	deps   Deps
}

// NewServer 创建服务。ctx 取消时桥接轮询随之停止。
func NewServer(ctx context.Context, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s := &Server{ctx: ctx, router: r, deps: deps}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Hub 返回事件广播器。
func (s *Server) Hub() *Hub { return s.deps.Hub }

// ListenAndServe 监听 addr 直到 ctx 取消, 然后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("apiserver: listening", logger.FieldListen, addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.deps.Hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("apiserver: stopped")
	return nil
}

// requestLogger 以 slog 记录请求 (替代 gin 默认 logger), 并把带请求字段的日志器放入请求 ctx。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := logger.With(
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldRemote, c.ClientIP())
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), log))
		c.Next()
		log.Debug("apiserver: request",
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds())
	}
}
