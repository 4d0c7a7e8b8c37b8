package handler

import (
	"pai-smart-chat/internal/middleware"
	"pai-smart-chat/internal/service"
	"pai-smart-chat/pkg/metrics"
	"pai-smart-chat/pkg/token"

	"github.com/gin-gonic/gin"
)

// Services 是路由需要的全部业务服务。
type Services struct {
	Chat          service.ChatService
	Conversations service.ConversationService
	Usage         service.UsageService
	// Attachments 为 nil 时不注册上传接口（未配置对象存储）。
	Attachments service.AttachmentService
}

// NewRouter 创建 Gin 引擎并注册所有路由。
func NewRouter(mode string, jwtManager *token.JWTManager, svc Services, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	chat := NewChatHandler(svc.Chat, jwtManager, m)
	r.GET("/chat", chat.Handle)
	r.GET("/chat/:token", chat.Handle)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		conversations := NewConversationHandler(svc.Conversations)
		apiV1.GET("/conversations", conversations.ListConversations)
		apiV1.GET("/conversations/:id", conversations.GetConversation)
		apiV1.PUT("/conversations/:id", conversations.SaveConversation)

		apiV1.GET("/usage", NewUsageHandler(svc.Usage).GetUsage)

		if svc.Attachments != nil {
			apiV1.POST("/attachments", NewAttachmentHandler(svc.Attachments).Upload)
		}
	}
	return r
}
