package model

import (
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypePurchase     = "PURCHASE"     // 购买积分
	TransactionTypeSubscription = "SUBSCRIPTION" // 订阅赠送
	TransactionTypeGeneration   = "GENERATION"   // 生成任务扣款
	TransactionTypeRefund       = "REFUND"       // 任务失败退款
	TransactionTypeReferral     = "REFERRAL"     // 邀请奖励
	TransactionTypeSocialShare  = "SOCIAL_SHARE" // 分享奖励
	TransactionTypeWelcome      = "WELCOME"      // 注册赠送
)

// IsCreditType 判断是否是入账类型（GENERATION 是唯一的出账类型）
func IsCreditType(t string) bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeSubscription, TransactionTypeRefund,
		TransactionTypeReferral, TransactionTypeSocialShare, TransactionTypeWelcome:
		return true
	}
	return false
}

// ============================================================================
// 积分流水实体
// ============================================================================

// Transaction 积分流水表
// 记录账户的每一笔积分变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. 每笔流水通过 reference_id 关联生成任务或外部支付事件
// 3. 记录交易后余额，同一用户所有 amount 之和必须等于当前余额
type Transaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        string    `gorm:"type:varchar(64);index;not null" json:"user_id"`              // 用户ID
	Type          string    `gorm:"type:varchar(20);index;not null" json:"type"`                 // 交易类型
	Amount        int64     `gorm:"not null" json:"amount"`                                      // 金额（正数入账，负数出账）
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                               // 交易后余额
	Description   string    `gorm:"type:varchar(256)" json:"description"`                        // 描述
	ReferenceID   string    `gorm:"type:varchar(64);index" json:"reference_id"`                  // 关联生成任务ID或外部事件ID
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "credit_transaction"
}
