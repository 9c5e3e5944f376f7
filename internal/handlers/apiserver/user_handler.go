package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"carechat-go/internal/middleware"
	"carechat-go/internal/services"
	"carechat-go/internal/storage"

	"github.com/gorilla/mux"
)

// UserHandler 封装了用户资料相关的 HTTP 处理器方法。
type UserHandler struct {
	UserService services.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService services.UserService) *UserHandler {
	return &UserHandler{UserService: userService}
}

// GetProfile 处理 GET /api/users/me。
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	user, err := h.UserService.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			writeJSONError(w, "用户未找到", http.StatusNotFound)
		} else {
			writeJSONError(w, "读取用户资料失败", http.StatusInternalServerError)
		}
		return
	}
	user.PasswordHash = ""
	writeJSONResponse(w, http.StatusOK, user)
}

// UpdateProfile 处理 PUT /api/users/me。
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	var req struct {
		DisplayName string `json:"displayName,omitempty"`
		AvatarURL   string `json:"avatarUrl,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	user, err := h.UserService.UpdateProfile(r.Context(), userID, req.DisplayName, req.AvatarURL)
	if err != nil {
		writeJSONError(w, "更新用户资料失败", http.StatusInternalServerError)
		return
	}
	user.PasswordHash = ""
	writeJSONResponse(w, http.StatusOK, user)
}

// GetUserInfo 处理 GET /api/users/{userID}。返回对端的公开信息，
// 会话列表用它渲染名称和头像。
func (h *UserHandler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	targetID, err := storage.StrToUint(vars["userID"])
	if err != nil {
		writeJSONError(w, "无效的用户ID", http.StatusBadRequest)
		return
	}

	info, err := h.UserService.GetBasicInfo(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			writeJSONError(w, "用户未找到", http.StatusNotFound)
		} else {
			writeJSONError(w, "读取用户信息失败", http.StatusInternalServerError)
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

// SearchUsers 处理 GET /api/users/search?q=。
func (h *UserHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSONError(w, "缺少查询参数 q", http.StatusBadRequest)
		return
	}

	users, err := h.UserService.SearchUsers(r.Context(), query, userID)
	if err != nil {
		writeJSONError(w, "搜索用户失败", http.StatusInternalServerError)
		return
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	writeJSONResponse(w, http.StatusOK, users)
}
