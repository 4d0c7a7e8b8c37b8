package handler

import (
	"net/http"

	"pai-smart-chat/internal/middleware"
	"pai-smart-chat/internal/service"
	"pai-smart-chat/pkg/log"

	"github.com/gin-gonic/gin"
)

// UsageHandler 提供当日用量查询。
type UsageHandler struct {
	service service.UsageService
}

// NewUsageHandler 创建一个新的 UsageHandler。
func NewUsageHandler(service service.UsageService) *UsageHandler {
	return &UsageHandler{service: service}
}

// GetUsage 处理 GET /usage?channel=。
func (h *UsageHandler) GetUsage(c *gin.Context) {
	channel := c.DefaultQuery("channel", DefaultChannel)
	summary, err := h.service.Summary(c.Request.Context(), middleware.UserID(c), channel)
	if err != nil {
		log.Error("GetUsage: failed to read usage", err)
		respond(c, http.StatusInternalServerError, "服务器内部错误", nil)
		return
	}
	respond(c, http.StatusOK, "success", summary)
}
