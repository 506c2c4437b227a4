package apiserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/agent-relay/internal/runner"
	"github.com/multi-agent/agent-relay/internal/store"
	"github.com/multi-agent/agent-relay/pkg/logger"
)

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/status", s.getStatus)
	api.POST("/execute", s.execute)
	api.POST("/abort", s.abort)

	api.GET("/session", s.getSession)
	api.DELETE("/session", s.clearSession)
	api.POST("/workdir", s.setWorkDir)

	api.GET("/bridge", s.getBridge)
	api.POST("/bridge/connect", s.connectBridge)
	api.POST("/bridge/disconnect", s.disconnectBridge)
	api.GET("/history", s.getHistory)

	api.GET("/runs", s.listRuns)

	s.router.GET("/ws", func(c *gin.Context) { s.deps.Hub.ServeWS(c.Writer, c.Request) })
}

func queryLimit(c *gin.Context, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// ========================================
// Agent
// ========================================

type statusResponse struct {
	Agent  runner.StatusInfo `json:"agent"`
	Bridge any               `json:"bridge,omitempty"`
}

func (s *Server) getStatus(c *gin.Context) {
	resp := statusResponse{Agent: s.deps.Agent.Status()}
	if s.deps.Bridge != nil {
		resp.Bridge = s.deps.Bridge.Info()
	}
	success(c, resp)
}

type executeRequest struct {
	Prompt     string `json:"prompt"`
	Cwd        string `json:"cwd"`
	MaxTurns   int    `json:"max_turns"`
	NewSession bool   `json:"new_session"` // 不续接上一会话
}

func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		badRequest(c, "prompt is required")
		return
	}
	done, err := s.deps.Agent.Start(s.ctx, req.Prompt, runner.Options{
		Cwd:              req.Cwd,
		MaxTurns:         req.MaxTurns,
		SkipContinuation: req.NewSession,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	st := s.deps.Agent.Status()
	id := st.InvocationID
	if !st.Running && st.Last != nil {
		id = st.Last.InvocationID
	}
	logger.Info("apiserver: execute accepted", logger.FieldInvocationID, id)
	go func() { <-done }()
	accepted(c, gin.H{"invocation_id": id})
}

func (s *Server) abort(c *gin.Context) {
	pid, err := s.deps.Agent.Abort()
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, gin.H{"pid": pid})
}

// ========================================
// Session / workdir
// ========================================

func (s *Server) getSession(c *gin.Context) {
	token := s.deps.Agent.Token()
	success(c, gin.H{"token": token, "has_token": token != ""})
}

func (s *Server) clearSession(c *gin.Context) {
	if err := s.deps.Agent.ClearToken(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	if s.deps.OnSessionReset != nil {
		s.deps.OnSessionReset()
	}
	success(c, gin.H{"has_token": false})
}

type workDirRequest struct {
	Path string `json:"path"`
}

func (s *Server) setWorkDir(c *gin.Context) {
	var req workDirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.deps.Agent.SetDefaultCwd(req.Path); err != nil {
		failErr(c, err)
		return
	}
	success(c, gin.H{"cwd": s.deps.Agent.Status().DefaultCwd})
}

// ========================================
// Bridge
// ========================================

func (s *Server) requireBridge(c *gin.Context) bool {
	if s.deps.Bridge == nil {
		fail(c, http.StatusNotFound, "not_configured", "chat bridge not configured")
		return false
	}
	return true
}

func (s *Server) getBridge(c *gin.Context) {
	if !s.requireBridge(c) {
		return
	}
	success(c, s.deps.Bridge.Info())
}

type connectRequest struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

func (s *Server) connectBridge(c *gin.Context) {
	if !s.requireBridge(c) {
		return
	}
	// 空 body 表示使用配置中的 token / chat id
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.deps.Bridge.Connect(s.ctx, req.Token, req.ChatID); err != nil {
		failErr(c, err)
		return
	}
	success(c, s.deps.Bridge.Info())
}

func (s *Server) disconnectBridge(c *gin.Context) {
	if !s.requireBridge(c) {
		return
	}
	s.deps.Bridge.Stop(c.Request.Context())
	success(c, s.deps.Bridge.Info())
}

func (s *Server) getHistory(c *gin.Context) {
	if !s.requireBridge(c) {
		return
	}
	success(c, s.deps.Bridge.History().Get(queryLimit(c, 50)))
}

// ========================================
// Runs
// ========================================

func (s *Server) listRuns(c *gin.Context) {
	if s.deps.Runs == nil {
		fail(c, http.StatusNotFound, "not_configured", "run history requires PostgreSQL")
		return
	}
	runs, err := s.deps.Runs.List(c.Request.Context(), store.RunFilter{
		Status:  c.Query("status"),
		Keyword: c.Query("keyword"),
		Limit:   queryLimit(c, 50),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, runs)
}
