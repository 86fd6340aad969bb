package model

import (
	"time"
)

// Account 用户积分账户表
// 记录用户的积分余额，是整个账本的核心数据，只能由账本服务修改
type Account struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"` // 用户ID，业务方传入
	Balance     int64     `gorm:"not null;default:0" json:"balance"`                    // 可用积分，不变量：>=0
	TotalEarned int64     `gorm:"not null;default:0" json:"total_earned"`               // 累计入账，只增不减
	TotalSpent  int64     `gorm:"not null;default:0" json:"total_spent"`                // 累计消费，只增不减
	Version     int       `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account_balance"
}
