package handler

import (
	"time"

	"genledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// ============================================================
// 运维接口，挂在 AdminAuth 之后
// ============================================================

type SweepRequest struct {
	StaleMinutes int `json:"stale_minutes" binding:"required,gt=0"`
}

// Sweep 立即巡检一次
// POST /admin/reconcile/sweep
func (h *Handler) Sweep(c *gin.Context) {
	var req SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	h.log.Info().Str("operator", operatorOf(c)).Int("stale_minutes", req.StaleMinutes).Msg("运维触发巡检")
	report, err := h.reconcile.Sweep(c.Request.Context(), time.Duration(req.StaleMinutes)*time.Minute)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, report)
}

// Audit 执行一次对账，只读
// GET /admin/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.audit.Run(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"violations": report.Violations(),
		"report":     report,
	})
}

type ForceFailRequest struct {
	GenerationID string `json:"generation_id" binding:"required"`
	Note         string `json:"note"`
}

// ForceFailGeneration 强制失败一个卡住的任务并退款
// POST /admin/repair/generation/fail
func (h *Handler) ForceFailGeneration(c *gin.Context) {
	var req ForceFailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	tr, err := h.audit.ForceFailGeneration(c.Request.Context(), req.GenerationID, operatorOf(c), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, tr)
}

type RefundOrphanRequest struct {
	ReferenceID string `json:"reference_id" binding:"required"`
	Note        string `json:"note"`
}

// RefundOrphanedDebit 退还找不到生成任务的扣款，reference_id 取自对账报告的 orphaned_debits
// POST /admin/repair/debit/refund
func (h *Handler) RefundOrphanedDebit(c *gin.Context) {
	var req RefundOrphanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	tr, err := h.audit.RefundOrphanedDebit(c.Request.Context(), req.ReferenceID, operatorOf(c), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, tr)
}

type RepairAccountRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// RepairAccount 补建缺失的账户
// POST /admin/repair/account
func (h *Handler) RepairAccount(c *gin.Context) {
	var req RepairAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.audit.CreateMissingAccount(c.Request.Context(), req.UserID, operatorOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, account)
}

type GrantCreditsRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Type        string `json:"type" binding:"required"` // PURCHASE / SUBSCRIPTION / REFERRAL / SOCIAL_SHARE ...
	Description string `json:"description"`
	ReferenceID string `json:"reference_id"`
}

// GrantCredits 入账，购买、订阅、邀请奖励等由外部系统确认后经此入账
// POST /admin/credits/grant
func (h *Handler) GrantCredits(c *gin.Context) {
	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	description := req.Description
	if description == "" {
		description = "granted by " + operatorOf(c)
	}
	result, err := h.ledger.Credit(c.Request.Context(), req.UserID, req.Amount, req.Type, description, req.ReferenceID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, result)
}
