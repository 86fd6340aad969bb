package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号要求全局唯一、趋势递增（便于索引），多实例部署时通过 workerID 区分节点。
// 结构：41位毫秒时间戳 - 10位节点ID - 12位序列号，由 bwmarrin/snowflake 实现。
//
// ============================================================================

var (
	defaultNode *snowflake.Node
	once        sync.Once
)

// Init 初始化默认ID生成器，workerID 必须在 0-1023 之间
func Init(workerID int64) {
	once.Do(func() {
		// 2024-01-01 00:00:00 UTC
		snowflake.Epoch = 1704067200000
		node, err := snowflake.NewNode(workerID)
		if err != nil {
			log.Fatal().Err(err).Int64("worker_id", workerID).Msg("初始化雪花节点失败")
		}
		defaultNode = node
	})
}

// NextID 生成下一个ID
func NextID() int64 {
	if defaultNode == nil {
		Init(1)
	}
	return defaultNode.Generate().Int64()
}

// GenerateTransactionNo 生成流水号
// 格式：TXN + 年月日时分秒 + 雪花ID，例如 TXN20240115143052_1745329451122036736
func GenerateTransactionNo() string {
	return generate("TXN")
}

// GenerateEventKey 生成事件消息的 key
func GenerateEventKey() string {
	return generate("EVT")
}

func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s_%d", prefix, timestamp, id)
}
