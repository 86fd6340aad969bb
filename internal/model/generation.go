package model

import (
	"time"

	"gorm.io/datatypes"
)

// ============================================================================
// 生成任务状态机
// ============================================================================
//
//   PENDING ──> PROCESSING ──> COMPLETED
//      │             │
//      └─────────────┴───────> FAILED
//
// COMPLETED / FAILED 是终态，任何迟到或重复的回调都不能再改变它们。
// 真正的并发保护靠条件更新（WHERE status IN 非终态），这张表只用于校验意图。
//
// ============================================================================

const (
	GenerationStatusPending    = "PENDING"
	GenerationStatusProcessing = "PROCESSING"
	GenerationStatusCompleted  = "COMPLETED"
	GenerationStatusFailed     = "FAILED"
)

var ValidStatusTransitions = map[string][]string{
	GenerationStatusPending:    {GenerationStatusProcessing, GenerationStatusFailed},
	GenerationStatusProcessing: {GenerationStatusCompleted, GenerationStatusFailed},
}

// NonTerminalStatuses 可以被推进到终态的状态
var NonTerminalStatuses = []string{GenerationStatusPending, GenerationStatusProcessing}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return status == GenerationStatusCompleted || status == GenerationStatusFailed
}

// 失败原因，写入 Generation.FailureReason 以及退款流水的描述
const (
	FailureProviderRejected = "PROVIDER_REJECTED" // 提交给供应商失败
	FailureProviderFailed   = "PROVIDER_FAILED"   // 供应商报告任务失败
	FailureMalformedResult  = "MALFORMED_RESULT"  // 供应商报告成功但取不到模型地址
	FailureTimeout          = "TIMEOUT"           // 超过硬上限仍无结果
	FailureAdminRepair      = "ADMIN_REPAIR"      // 运维手动修复
	FailureSubmissionLost   = "SUBMISSION_LOST"   // 供应商受理了但任务号没能落库
)

// ErrorMessageMaxLen error_message 列宽，按字符计
const ErrorMessageMaxLen = 1024

// TruncateText 截断到最多 max 个字符，不会切开多字节字符
func TruncateText(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// Generation 生成任务表
type Generation struct {
	ID            string                      `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID        string                      `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Provider      string                      `gorm:"type:varchar(32);not null;uniqueIndex:idx_generation_provider_job,priority:1" json:"provider"`
	ProviderJobID *string                     `gorm:"type:varchar(128);uniqueIndex:idx_generation_provider_job,priority:2" json:"provider_job_id"` // 提交成功前为空
	Status        string                      `gorm:"type:varchar(20);not null;index:idx_generation_status_created,priority:1" json:"status"`
	CreditsUsed   int64                       `gorm:"not null;default:0" json:"credits_used"` // 实际扣除的积分，提交失败时为0
	Spec          datatypes.JSONType[JobSpec] `json:"spec"`
	ModelURL      *string                     `gorm:"type:text" json:"model_url"`              // 仅 COMPLETED 时有值，签名 URL 长度不定
	ErrorMessage  *string                     `gorm:"type:varchar(1024)" json:"error_message"` // 仅 FAILED 时有值
	FailureReason string                      `gorm:"type:varchar(32)" json:"failure_reason,omitempty"`
	CreatedAt     time.Time                   `gorm:"autoCreateTime;index:idx_generation_status_created,priority:2" json:"created_at"`
	UpdatedAt     time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt   *time.Time                  `json:"completed_at"`
}

func (Generation) TableName() string {
	return "generation"
}
