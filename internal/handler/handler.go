package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"genledger/internal/model"
	"genledger/internal/repository"
	"genledger/internal/service"
	"genledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Services 处理器依赖的服务
type Services struct {
	Ledger    *service.LedgerService
	Gateway   *service.GatewayService
	Webhook   *service.WebhookService
	Reconcile *service.ReconcileService
	Audit     *service.AuditService
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger    *service.LedgerService
	gateway   *service.GatewayService
	webhook   *service.WebhookService
	reconcile *service.ReconcileService
	audit     *service.AuditService
	limiter   *UserLimiter
	log       zerolog.Logger
}

// NewHandler 创建处理器实例
func NewHandler(s Services, limiter *UserLimiter, log zerolog.Logger) *Handler {
	return &Handler{
		ledger:    s.Ledger,
		gateway:   s.Gateway,
		webhook:   s.Webhook,
		reconcile: s.Reconcile,
		audit:     s.Audit,
		limiter:   limiter,
		log:       log.With().Str("component", "http").Logger(),
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	account, err := h.ledger.GetAccount(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":      account.UserID,
		"balance":      account.Balance,
		"total_earned": account.TotalEarned,
		"total_spent":  account.TotalSpent,
	})
}

// ListTransactions 查询用户流水，最新的在前
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}
	page, pageSize := pagination(c)

	list, total, err := h.ledger.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type OpenAccountRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// OpenAccount 开户，重复调用返回已有账户
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, created, err := h.ledger.OpenAccount(c.Request.Context(), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": account.UserID,
		"balance": account.Balance,
		"created": created,
	})
}

// ============================================================
// 生成任务相关接口
// ============================================================

// SubmitGenerationRequest 提交生成任务
type SubmitGenerationRequest struct {
	UserID    string   `json:"user_id" binding:"required"`
	Mode      string   `json:"mode" binding:"required"`
	Provider  string   `json:"provider"`
	Prompt    string   `json:"prompt"`
	ImageURLs []string `json:"image_urls"`
	AddOns    []string `json:"add_ons"`
}

// SubmitGeneration 扣款并提交任务
// POST /api/v1/generation/submit
//
// 失败时 data 里带上 generation_id 和退还的积分，调用方据此告知用户
func (h *Handler) SubmitGeneration(c *gin.Context) {
	var req SubmitGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if !h.limiter.Allow(req.UserID) {
		response.Abort(c, http.StatusTooManyRequests, response.CodeTooMany, errRateLimited.Error())
		return
	}

	spec := &model.JobSpec{
		Mode:      req.Mode,
		Provider:  req.Provider,
		Prompt:    req.Prompt,
		ImageURLs: req.ImageURLs,
		AddOns:    req.AddOns,
	}
	result, err := h.gateway.Submit(c.Request.Context(), req.UserID, spec)
	if err != nil {
		var submitErr *service.SubmitError
		if errors.As(err, &submitErr) {
			response.ErrorWithData(c, response.CodeProviderError, "供应商提交失败", gin.H{
				"generation_id": submitErr.GenerationID,
				"refunded":      submitErr.Refunded,
				"error":         submitErr.Err.Error(),
			})
			return
		}
		h.fail(c, err)
		return
	}

	response.Success(c, result)
}

// GetGeneration 查询任务详情
// GET /api/v1/generation/detail?id=xxx
func (h *Handler) GetGeneration(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		response.ParamError(c, "id 参数不能为空")
		return
	}

	gen, err := h.gateway.GetGeneration(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gen)
}

// ListGenerations 查询用户的任务列表
// GET /api/v1/generation/list?user_id=xxx&page=1&page_size=20
func (h *Handler) ListGenerations(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}
	page, pageSize := pagination(c)

	list, total, err := h.gateway.ListGenerations(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// Quote 报价
// GET /api/v1/pricing/quote?mode=image_to_model&add_ons=pbr,high_poly
func (h *Handler) Quote(c *gin.Context) {
	spec := &model.JobSpec{Mode: c.Query("mode")}
	if addOns := c.Query("add_ons"); addOns != "" {
		for _, a := range strings.Split(addOns, ",") {
			if a = strings.TrimSpace(a); a != "" {
				spec.AddOns = append(spec.AddOns, a)
			}
		}
	}

	quote, err := h.gateway.Quote(spec)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, quote)
}

// ============================================================
// 供应商回调
// ============================================================

// Webhook 供应商回调入口
// POST /webhook/:provider
//
// 除签名错误返回 401 外一律 200，内部失败只记录不外抛
func (h *Handler) Webhook(c *gin.Context) {
	providerName := c.Param("provider")
	body, err := c.GetRawData()
	if err != nil {
		h.log.Warn().Err(err).Str("provider", providerName).Msg("读取回调报文失败")
		response.Success(c, gin.H{"disposition": model.DispositionInvalid})
		return
	}

	result, err := h.webhook.HandleRaw(c.Request.Context(), providerName, body, c.GetHeader("X-Signature"))
	if err != nil {
		response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, err.Error())
		return
	}

	response.Success(c, result)
}

// ============================================================
// 错误映射
// ============================================================

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeInsufficientCredits, "积分不足")
	case errors.Is(err, service.ErrInvalidJobSpec),
		errors.Is(err, service.ErrUnknownProvider),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidType),
		errors.Is(err, service.ErrInvalidUser):
		response.ParamError(c, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, "账户不存在")
	case errors.Is(err, repository.ErrGenerationNotFound):
		response.BusinessError(c, response.CodeGenerationNotFound, "生成任务不存在")
	case errors.Is(err, service.ErrAlreadyTerminal):
		response.BusinessError(c, response.CodeAlreadyTerminal, "生成任务已是终态")
	case errors.Is(err, service.ErrAccountExists):
		response.BusinessError(c, response.CodeAccountExists, "账户已存在")
	case errors.Is(err, service.ErrLedgerUnavailable):
		response.BusinessError(c, response.CodeLedgerUnavailable, "账本繁忙，请稍后重试")
	case errors.Is(err, service.ErrSweepInProgress):
		response.BusinessError(c, response.CodeSweepInProgress, "巡检正在进行")
	case errors.Is(err, service.ErrIntegrityViolation):
		response.BusinessError(c, response.CodeIntegrityViolation, err.Error())
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("请求处理失败")
		response.ServerError(c, "服务器内部错误")
	}
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
