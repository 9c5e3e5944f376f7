package chatserver

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"carechat-go/internal/auth"
	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"
	"carechat-go/internal/services"
	ws "carechat-go/internal/websocket"
)

// WebSocketHandler 负责处理推送通道的 WebSocket 连接请求。
type WebSocketHandler struct {
	hub            *ws.Hub
	messageService services.MessageService
	userService    services.UserService
	blacklist      auth.TokenBlacklist
	cfg            config.Config
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *ws.Hub, msgService services.MessageService, userService services.UserService, blacklist auth.TokenBlacklist, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		hub:            hub,
		messageService: msgService,
		userService:    userService,
		blacklist:      blacklist,
		cfg:            cfg,
	}
}

// ServeWS 处理传入的 WebSocket 请求。
// 连接必须携带有效令牌；匿名连接一律拒绝，因为推送通道上的
// 每一帧都以认证身份为发送者。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ValidateToken(r.Context(), token, h.cfg.Auth.JWTSecretKey, h.blacklist)
	if err != nil {
		log.Printf("WebSocket 连接尝试失败：令牌无效: %v", err)
		http.Error(w, fmt.Sprintf("令牌无效: %v", err), http.StatusUnauthorized)
		return
	}
	userID := claims.UserID
	log.Printf("用户 %s (ID: %d) 尝试连接 WebSocket", claims.Username, userID)

	eventHandler := func(ctx context.Context, senderID uint, event *chattypes.Event) error {
		if h.messageService == nil {
			log.Println("错误: WebSocketHandler 中的 messageService 未初始化")
			return fmt.Errorf("messageService not available")
		}
		return h.messageService.HandleClientEvent(ctx, senderID, event)
	}

	ws.ServeWsPerConnection(h.hub, eventHandler, userID, w, r, h.cfg.WebSocket)

	// 升级完成后请求上下文随 HTTP 生命周期结束，这里用独立上下文。
	if h.userService != nil {
		if err := h.userService.TouchLastSeen(context.Background(), userID); err != nil {
			log.Printf("警告: 更新用户 %d 最后在线时间失败: %v", userID, err)
		}
	}
}
