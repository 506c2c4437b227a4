package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
)

// 统一响应信封: {"success": bool, "data" | "error": {...}}。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, "invalid_input", message)
}

// failErr 按哨兵错误映射 HTTP 状态码; 错误链上带错误码 (apperrors.WithCode) 时以其为 code。
func failErr(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case apperrors.Is(err, apperrors.ErrInvalidWorkDir):
		status, code = http.StatusBadRequest, "invalid_workdir"
	case apperrors.Is(err, apperrors.ErrBusy):
		status, code = http.StatusConflict, "busy"
	case apperrors.Is(err, apperrors.ErrNoActiveProcess):
		status, code = http.StatusConflict, "no_active_process"
	case apperrors.Is(err, apperrors.ErrBridgeDisabled):
		status, code = http.StatusConflict, "bridge_disabled"
	case apperrors.Is(err, apperrors.ErrSpawnFailed):
		status, code = http.StatusBadGateway, "spawn_failed"
	case apperrors.Is(err, apperrors.ErrTransportAuth):
		status, code = http.StatusBadGateway, "transport_auth"
	case apperrors.Is(err, apperrors.ErrTransportRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	default:
		logger.FromContext(c.Request.Context()).Error("apiserver: internal error", logger.FieldError, err)
		fail(c, status, code, "internal server error")
		return
	}
	if ec := apperrors.CodeOf(err); ec != "" {
		code = ec
	}
	fail(c, status, code, err.Error())
}
