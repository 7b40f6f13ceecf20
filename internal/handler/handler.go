package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"creditsystem/internal/auth"
	"creditsystem/internal/infrastructure/logger"
	"creditsystem/internal/model"
	"creditsystem/internal/service"
	"creditsystem/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger   *service.LedgerService
	rules    *service.RuleService
	sessions *service.SessionService
	log      *logger.Logger
}

func NewHandler(ledger *service.LedgerService, rules *service.RuleService, sessions *service.SessionService, log *logger.Logger) *Handler {
	return &Handler{
		ledger:   ledger,
		rules:    rules,
		sessions: sessions,
		log:      log.With("component", "http"),
	}
}

// renderError 把服务层错误映射为 HTTP 状态码和业务码
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientCredits), errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, http.StatusPaymentRequired, response.CodeInsufficientCredits, "积分不足")
	case errors.Is(err, service.ErrInvalidArgument):
		response.ParamError(c, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		response.Unauthorized(c, "未认证")
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(c, "记录不存在")
	case errors.Is(err, service.ErrInvalidState):
		response.BusinessError(c, http.StatusConflict, response.CodeInvalidState, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, http.StatusUnprocessableEntity, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		h.log.Warn("存储暂不可用", "path", c.FullPath(), "error", err)
		response.Unavailable(c, "服务繁忙，请稍后重试")
	default:
		h.log.Error("请求处理失败", "path", c.FullPath(), "error", err)
		response.ServerError(c, "服务器内部错误")
	}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

// ============================================================
// 会话相关接口
// ============================================================

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	SessionType     string                 `json:"session_type" binding:"required,oneof=trial full"`
	Company         string                 `json:"company" binding:"required"`
	Position        string                 `json:"position" binding:"required"`
	ResumeReference string                 `json:"resume_reference"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// SessionIDRequest 按会话 ID 操作的请求
type SessionIDRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// CreateSession 创建会话
// POST /api/v1/session/create
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	session, err := h.sessions.Create(c.Request.Context(), service.CreateSessionRequest{
		AccountID:       accountID(c),
		SessionType:     model.SessionType(req.SessionType),
		Company:         req.Company,
		Position:        req.Position,
		ResumeReference: req.ResumeReference,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"session": session})
}

// StartSession 开始会话，full 会话在此扣费
// POST /api/v1/session/start
func (h *Handler) StartSession(c *gin.Context) {
	var req SessionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	session, err := h.sessions.Start(c.Request.Context(), accountID(c), req.SessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"session": session})
}

// RecordUsage 记录一次 AI 调用
// POST /api/v1/session/record-usage
func (h *Handler) RecordUsage(c *gin.Context) {
	var req SessionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	session, err := h.sessions.RecordUsage(c.Request.Context(), accountID(c), req.SessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"ai_usage_count": session.AIUsageCount})
}

// CompleteSession 结束会话
// POST /api/v1/session/complete
func (h *Handler) CompleteSession(c *gin.Context) {
	var req SessionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	session, err := h.sessions.Complete(c.Request.Context(), accountID(c), req.SessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"session":          session,
		"duration_minutes": session.DurationMinutes,
	})
}

// CancelSession 取消会话，已扣积分不退
// POST /api/v1/session/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	var req SessionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	session, err := h.sessions.Cancel(c.Request.Context(), accountID(c), req.SessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"session": session})
}

// GetSession 查询会话详情
// GET /api/v1/session/detail?session_id=xxx
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.ParamError(c, "session_id 不能为空")
		return
	}

	session, err := h.sessions.Get(c.Request.Context(), accountID(c), sessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"session": session})
}

// ListSessions 查询会话列表
// GET /api/v1/session/list?status=active&page=1&page_size=20
func (h *Handler) ListSessions(c *gin.Context) {
	page, pageSize := pageParams(c)
	status := model.SessionStatus(c.Query("status"))

	sessions, total, err := h.sessions.List(c.Request.Context(), accountID(c), status, page, pageSize)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      sessions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 积分相关接口
// ============================================================

// GetBalance 查询当前账户余额
// GET /api/v1/credit/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), accountID(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"total":     balance.Total,
		"used":      balance.Used,
		"available": balance.Available,
	})
}

// ListTransactions 查询积分流水
// GET /api/v1/credit/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, pageSize := pageParams(c)

	list, total, err := h.ledger.ListTransactions(c.Request.Context(), accountID(c), page, pageSize)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetTransaction 查询单笔流水
// GET /api/v1/credit/transaction?transaction_no=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	no := c.Query("transaction_no")
	if no == "" {
		response.ParamError(c, "transaction_no 不能为空")
		return
	}

	trans, err := h.ledger.GetTransaction(c.Request.Context(), accountID(c), no)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"transaction": trans})
}

// EvaluateRulesRequest 规则评估请求
type EvaluateRulesRequest struct {
	Trigger  string                 `json:"trigger" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

// EvaluateRules 对触发事件评估积分规则
// POST /api/v1/credit/evaluate-rules
func (h *Handler) EvaluateRules(c *gin.Context) {
	var req EvaluateRulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	results, err := h.rules.Evaluate(c.Request.Context(), accountID(c), req.Trigger, req.Metadata)
	if err != nil {
		h.renderError(c, err)
		return
	}

	allocated := make([]service.AllocationResult, 0, len(results))
	failed := make([]service.AllocationResult, 0)
	for _, r := range results {
		if r.Allocated() {
			allocated = append(allocated, r)
		} else {
			failed = append(failed, r)
		}
	}
	response.Success(c, gin.H{
		"allocated": allocated,
		"failed":    failed,
	})
}

// ============================================================
// 管理端接口
// ============================================================

// AdminCreditRequest 管理端入账请求
type AdminCreditRequest struct {
	AccountID   string `json:"account_id" binding:"required"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	ReferenceID string `json:"reference_id"` // 重复提交同一 reference_id 不会重复入账
}

type creditOp func(c *gin.Context, req AdminCreditRequest) (*model.CreditTransaction, error)

func (h *Handler) adminCredit(op creditOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdminCreditRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}

		trans, err := op(c, req)
		if err != nil {
			h.renderError(c, err)
			return
		}
		balance, err := h.ledger.GetBalance(c.Request.Context(), req.AccountID)
		if err != nil {
			h.renderError(c, err)
			return
		}
		response.Success(c, gin.H{
			"transaction": trans,
			"balance":     balance,
		})
	}
}

// Grant 发放积分
// POST /api/v1/admin/credit/grant
func (h *Handler) Grant(c *gin.Context) {
	h.adminCredit(func(c *gin.Context, req AdminCreditRequest) (*model.CreditTransaction, error) {
		return h.ledger.Grant(c.Request.Context(), req.AccountID, req.Amount, req.Description, req.ReferenceID)
	})(c)
}

// Refund 退还积分
// POST /api/v1/admin/credit/refund
func (h *Handler) Refund(c *gin.Context) {
	h.adminCredit(func(c *gin.Context, req AdminCreditRequest) (*model.CreditTransaction, error) {
		return h.ledger.Refund(c.Request.Context(), req.AccountID, req.Amount, req.Description, req.ReferenceID)
	})(c)
}

// Adjust 人工调整，正负皆可
// POST /api/v1/admin/credit/adjust
func (h *Handler) Adjust(c *gin.Context) {
	h.adminCredit(func(c *gin.Context, req AdminCreditRequest) (*model.CreditTransaction, error) {
		return h.ledger.Adjust(c.Request.Context(), req.AccountID, req.Amount, req.Description, req.ReferenceID)
	})(c)
}

// Replay 按流水重放余额并与物化余额比对
// GET /api/v1/admin/credit/replay?account_id=xxx
func (h *Handler) Replay(c *gin.Context) {
	account := c.Query("account_id")
	if account == "" {
		response.ParamError(c, "account_id 不能为空")
		return
	}

	report, err := h.ledger.Replay(c.Request.Context(), account)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, report)
}

// UpsertRuleRequest 规则写入请求
type UpsertRuleRequest struct {
	RuleName          string     `json:"rule_name" binding:"required"`
	RuleType          string     `json:"rule_type" binding:"required,oneof=one_time recurring"`
	CreditAmount      int64      `json:"credit_amount" binding:"required,gt=0"`
	Trigger           string     `json:"trigger" binding:"required"`
	MinIntervalHours  *int       `json:"min_interval_hours"`
	MaxUsesPerAccount *int       `json:"max_uses_per_account"`
	ValidFrom         *time.Time `json:"valid_from"`
	ValidUntil        *time.Time `json:"valid_until"`
	IsActive          *bool      `json:"is_active"` // 不传默认启用
	Description       string     `json:"description"`
}

// UpsertRule 新建或覆盖规则
// POST /api/v1/admin/rule/upsert
func (h *Handler) UpsertRule(c *gin.Context) {
	var req UpsertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rule := &model.CreditRule{
		RuleName:     req.RuleName,
		RuleType:     req.RuleType,
		CreditAmount: req.CreditAmount,
		Conditions: model.RuleConditions{
			Trigger:          req.Trigger,
			MinIntervalHours: req.MinIntervalHours,
		},
		MaxUsesPerAccount: req.MaxUsesPerAccount,
		ValidUntil:        req.ValidUntil,
		IsActive:          req.IsActive == nil || *req.IsActive,
		Description:       req.Description,
	}
	if req.ValidFrom != nil {
		rule.ValidFrom = *req.ValidFrom
	}

	if err := h.rules.UpsertRule(c.Request.Context(), rule); err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"rule": rule})
}

// GetRule 规则详情
// GET /api/v1/admin/rule/detail?rule_name=xxx
func (h *Handler) GetRule(c *gin.Context) {
	name := c.Query("rule_name")
	if name == "" {
		response.ParamError(c, "rule_name 不能为空")
		return
	}

	rule, err := h.rules.GetRule(c.Request.Context(), name)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"rule": rule})
}

// ListRules 规则目录
// GET /api/v1/admin/rule/list
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"list": rules})
}
