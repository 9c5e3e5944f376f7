package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/middleware"
	"carechat-go/internal/services"
	"carechat-go/internal/storage"

	"github.com/gorilla/mux"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// MessageHandler 封装了消息收发相关的 HTTP 处理器方法。
type MessageHandler struct {
	MessageService services.MessageService
}

// NewMessageHandler 创建一个新的 MessageHandler 实例。
func NewMessageHandler(messageService services.MessageService) *MessageHandler {
	return &MessageHandler{MessageService: messageService}
}

// SendMessage 处理 POST /api/messages。
// 请求体是 chattypes.SendRequest；响应是服务端确认后的消息，
// clientRef 原样回显，供客户端把乐观占位符与确认记录对上。
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	senderID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	var req chattypes.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	confirmed, err := h.MessageService.SendMessage(r.Context(), senderID, &req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidMessage):
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, services.ErrRecipientGone):
			writeJSONError(w, "接收者不存在", http.StatusNotFound)
		case errors.Is(err, services.ErrClientRefTaken):
			writeJSONError(w, "clientRef 已被占用", http.StatusConflict)
		case errors.Is(err, storage.ErrInsufficientCredit):
			writeJSONError(w, "加急额度不足", http.StatusPaymentRequired)
		default:
			writeJSONError(w, "发送消息失败", http.StatusInternalServerError)
		}
		return
	}

	writeJSONResponse(w, http.StatusCreated, confirmed)
}

// GetConversation 处理 GET /api/conversations/{partnerID}/messages。
func (h *MessageHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	partnerID, err := parsePartnerID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit, offset := parsePagination(r)
	messages, err := h.MessageService.GetConversation(r.Context(), userID, partnerID, limit, offset)
	if err != nil {
		writeJSONError(w, "读取会话消息失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, messages)
}

// MarkConversationRead 处理 POST /api/conversations/{partnerID}/read。
// 幂等：重复调用返回翻转行数 0。
func (h *MessageHandler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	partnerID, err := parsePartnerID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	flipped, err := h.MessageService.MarkConversationRead(r.Context(), userID, partnerID)
	if err != nil {
		writeJSONError(w, "标记会话已读失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int64{"marked": flipped})
}

// ListConversations 处理 GET /api/conversations。
func (h *MessageHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	summaries, err := h.MessageService.ListConversations(r.Context(), userID)
	if err != nil {
		writeJSONError(w, "读取会话列表失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, summaries)
}

// Typing 处理 POST /api/conversations/{partnerID}/typing。
// 打字信号从不落库，仅转发到对端的推送通道。
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	partnerID, err := parsePartnerID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var body struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.MessageService.RelayTyping(r.Context(), userID, body.IsTyping, partnerID); err != nil {
		writeJSONError(w, "转发打字信号失败", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parsePartnerID 从路径变量中解析对端用户ID。
func parsePartnerID(r *http.Request) (uint, error) {
	vars := mux.Vars(r)
	partnerID, err := storage.StrToUint(vars["partnerID"])
	if err != nil {
		return 0, errors.New("无效的对端用户ID")
	}
	return partnerID, nil
}

// parsePagination 解析 limit/offset 查询参数并套用上限。
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultConversationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
