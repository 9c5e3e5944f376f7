package apiserver

import (
	"encoding/json"
	"net/http"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/middleware"
	"carechat-go/internal/models"
	"carechat-go/internal/services"
)

// CreditHandler 封装了加急额度相关的 HTTP 处理器方法。
type CreditHandler struct {
	CreditService services.CreditService
}

// NewCreditHandler 创建一个新的 CreditHandler 实例。
func NewCreditHandler(creditService services.CreditService) *CreditHandler {
	return &CreditHandler{CreditService: creditService}
}

// GetBalance 处理 GET /api/credits。返回当前患者的权威余额，
// 客户端用它校正本地的乐观镜像。
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	balance, err := h.CreditService.GetBalance(r.Context(), userID)
	if err != nil {
		writeJSONError(w, "读取加急额度失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, chattypes.CreditBalance{Balance: balance})
}

// GrantCredits 处理 POST /api/credits/grant。只允许医生侧（或计费协作方的
// 服务账号）调用，为患者增加额度。
func (h *CreditHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	if claims.Role != models.ClinicianRole {
		writeJSONError(w, "没有权限执行此操作", http.StatusForbidden)
		return
	}

	var req struct {
		PatientID uint `json:"patientId"`
		Amount    int  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.PatientID == 0 || req.Amount <= 0 {
		writeJSONError(w, "patientId 与 amount 必须为正数", http.StatusBadRequest)
		return
	}

	balance, err := h.CreditService.GrantCredits(r.Context(), req.PatientID, req.Amount)
	if err != nil {
		writeJSONError(w, "增加额度失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, chattypes.CreditBalance{Balance: balance})
}
