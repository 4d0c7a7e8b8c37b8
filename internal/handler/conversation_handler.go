package handler

import (
	"errors"
	"net/http"

	"pai-smart-chat/internal/middleware"
	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/internal/service"
	"pai-smart-chat/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// ListConversations 返回当前用户的会话摘要列表。
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	list, err := h.service.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		log.Error("ListConversations: failed to list conversations", err)
		respond(c, http.StatusInternalServerError, "Failed to retrieve conversations", nil)
		return
	}
	respond(c, http.StatusOK, "success", list)
}

// GetConversation 返回一条完整的会话。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, err := h.service.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "success", conv)
}

// SaveConversation 以 upsert 语义保存整条会话。
func (h *ConversationHandler) SaveConversation(c *gin.Context) {
	var conv model.Conversation
	if err := c.ShouldBindJSON(&conv); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	id := c.Param("id")
	if conv.ID == "" {
		conv.ID = id
	}
	if conv.ID != id {
		respond(c, http.StatusBadRequest, "会话 ID 与路径不一致", nil)
		return
	}
	if err := h.service.Save(c.Request.Context(), middleware.UserID(c), &conv); err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "success", nil)
}

func (h *ConversationHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		respond(c, http.StatusNotFound, "conversation not found", nil)
	case errors.Is(err, service.ErrForbidden):
		respond(c, http.StatusForbidden, "无权访问该会话", nil)
	case errors.Is(err, service.ErrBadConversation):
		respond(c, http.StatusBadRequest, "无效的会话", nil)
	default:
		log.Error("conversation request failed", err)
		respond(c, http.StatusInternalServerError, "服务器内部错误", nil)
	}
}

// respond 输出统一的 {code, message, data} 响应。
func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}
