package handler

import (
	"errors"
	"net/http"

	"pai-smart-chat/internal/middleware"
	"pai-smart-chat/internal/service"
	"pai-smart-chat/pkg/log"

	"github.com/gin-gonic/gin"
)

// AttachmentHandler 处理消息附件上传。
type AttachmentHandler struct {
	service service.AttachmentService
}

// NewAttachmentHandler 创建一个新的 AttachmentHandler。
func NewAttachmentHandler(service service.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{service: service}
}

// Upload 处理 multipart 表单中的 file 字段。
func (h *AttachmentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond(c, http.StatusBadRequest, "缺少文件", nil)
		return
	}
	if fileHeader.Size > service.MaxAttachmentSize {
		respond(c, http.StatusRequestEntityTooLarge, "文件过大", nil)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respond(c, http.StatusBadRequest, "无法读取文件", nil)
		return
	}
	defer file.Close()

	att, err := h.service.Upload(c.Request.Context(), middleware.UserID(c), fileHeader.Filename,
		file, fileHeader.Size, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, service.ErrAttachmentTooLarge) {
			respond(c, http.StatusRequestEntityTooLarge, "文件过大", nil)
			return
		}
		log.Error("Upload: failed to store attachment", err)
		respond(c, http.StatusInternalServerError, "服务器内部错误", nil)
		return
	}
	respond(c, http.StatusOK, "success", att)
}
