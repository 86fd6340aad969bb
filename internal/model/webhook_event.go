package model

import (
	"time"

	"gorm.io/datatypes"
)

// 回调处理结果
const (
	DispositionApplied    = "APPLIED"     // 推进了状态
	DispositionDuplicate  = "DUPLICATE"   // 任务已是终态，重复投递
	DispositionUnknownJob = "UNKNOWN_JOB" // 找不到对应任务
	DispositionIgnored    = "IGNORED"     // 非终态进度通知
	DispositionInvalid    = "INVALID"     // 签名或报文无法解析
	DispositionError      = "ERROR"       // 内部处理失败，已 ack 给供应商
)

// WebhookErrorMaxLen error 列宽，按字符计
const WebhookErrorMaxLen = 512

// WebhookEvent 回调日志表，每次投递追加一行，用于排查供应商报文问题
type WebhookEvent struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider      string         `gorm:"type:varchar(32);not null" json:"provider"`
	ProviderJobID string         `gorm:"type:varchar(128);index" json:"provider_job_id"`
	GenerationID  string         `gorm:"type:varchar(36)" json:"generation_id"`
	Outcome       string         `gorm:"type:varchar(20)" json:"outcome"`
	Disposition   string         `gorm:"type:varchar(20);index;not null" json:"disposition"`
	Payload       datatypes.JSON `json:"payload"`
	Error         string         `gorm:"type:varchar(512)" json:"error"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
