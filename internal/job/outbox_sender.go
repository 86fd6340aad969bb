package job

import (
	"context"
	"time"

	"genledger/internal/config"
	"genledger/internal/model"
	"genledger/internal/repository"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Publisher 投递一条消息，mq.Producer 实现了它
type Publisher interface {
	Send(topic, key, value string) error
}

// OutboxSender 把 outbox_message 中的生成任务事件投递到 Kafka。
// 投递是至少一次：发送成功但标记 SENT 失败时，下一轮会重发。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetries int
	log        zerolog.Logger
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, cfg config.OutboxConfig, log zerolog.Logger) *OutboxSender {
	s := &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		stopCh:     make(chan struct{}),
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		log:        log.With().Str("job", "outbox").Logger(),
	}
	if s.interval <= 0 {
		s.interval = 500 * time.Millisecond
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 5
	}
	return s
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info().Msg("任务停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// RunOnce 投递一批待发送的消息，返回成功条数
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.outboxRepo.ListDeliverable(ctx, s.maxRetries, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("查询消息失败")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	log := s.log.With().Int64("id", msg.ID).Str("topic", msg.Topic).Str("key", msg.MessageKey).
		Str("event_type", msg.EventType).Logger()

	if err := s.publisher.Send(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
		if updateErr := s.outboxRepo.MarkAsFailed(ctx, msg.ID); updateErr != nil {
			log.Error().Err(updateErr).Msg("标记消息失败状态失败")
		}
		if msg.RetryCount+1 >= s.maxRetries {
			log.Error().Err(err).Int("retry_count", msg.RetryCount+1).Msg("消息超过最大重试次数，不再投递")
		} else {
			log.Warn().Err(err).Int("retry_count", msg.RetryCount+1).Msg("消息发送失败，等待重试")
		}
		return false
	}

	if err := s.outboxRepo.MarkAsSent(ctx, msg.ID); err != nil {
		log.Error().Err(err).Msg("更新消息状态失败")
		return false
	}
	log.Debug().Msg("消息发送成功")
	return true
}
