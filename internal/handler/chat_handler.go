// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/service"
	"pai-smart-chat/pkg/log"
	"pai-smart-chat/pkg/metrics"
	"pai-smart-chat/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 拒绝连接时使用的关闭码，与客户端约定。
const (
	CloseNoToken      = 4401
	CloseInvalidToken = 4403
)

// DefaultChannel 是未指定渠道时使用的渠道标签。
const DefaultChannel = "default"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService service.ChatService
	jwtManager  *token.JWTManager
	metrics     *metrics.Metrics
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, jwtManager *token.JWTManager, m *metrics.Metrics) *ChatHandler {
	return &ChatHandler{chatService: chatService, jwtManager: jwtManager, metrics: m}
}

// Handle 处理 /chat/:token?channel= 上的 WebSocket 连接。
// 先完成升级再校验 token，这样拒绝原因能以关闭码的形式送达客户端。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	tokenString := strings.TrimSpace(c.Param("token"))
	if tokenString == "" {
		reject(conn, CloseNoToken, "missing token")
		return
	}
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		log.Warnf("WebSocket token 校验失败: %v", err)
		reject(conn, CloseInvalidToken, "invalid token")
		return
	}

	channel := c.DefaultQuery("channel", DefaultChannel)
	var writeMu sync.Mutex
	write := func(ev model.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(ev)
	}
	if err := write(model.Event{Type: model.EventConnected, Timestamp: time.Now().UnixMilli()}); err != nil {
		return
	}

	h.metrics.ConnOpened()
	defer h.metrics.ConnClosed()
	log.Infow("WebSocket 连接已建立", "userId", claims.UserID, "channel", channel)

	ctx := c.Request.Context()
	for {
		var req model.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		reqChannel := channel
		if req.ChannelTag != "" {
			reqChannel = req.ChannelTag
		}
		log.Infow("收到聊天请求", "userId", claims.UserID, "conversationId", req.ConversationID, "channel", reqChannel)

		// 同一连接上的请求按顺序处理，客户端同一时刻最多有一个进行中的回复
		err := h.chatService.StreamResponse(ctx, claims.UserID, reqChannel, req, write)
		if err != nil && !errors.Is(err, service.ErrDuplicateRequest) {
			log.Errorf("处理流式响应失败: %v", err)
		}
	}
}

func reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
