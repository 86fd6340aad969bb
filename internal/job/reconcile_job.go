package job

import (
	"context"
	"errors"
	"time"

	"genledger/internal/config"
	"genledger/internal/service"

	"github.com/rs/zerolog"
)

// SweepJob 定时巡检卡住的生成任务
type SweepJob struct {
	reconcile      *service.ReconcileService
	stopCh         chan struct{}
	interval       time.Duration
	staleThreshold time.Duration
	log            zerolog.Logger
}

func NewSweepJob(reconcile *service.ReconcileService, cfg config.ReconcileConfig, log zerolog.Logger) *SweepJob {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &SweepJob{
		reconcile:      reconcile,
		stopCh:         make(chan struct{}),
		interval:       interval,
		staleThreshold: cfg.StaleThreshold,
		log:            log.With().Str("job", "sweep").Logger(),
	}
}

func (j *SweepJob) Start(ctx context.Context) {
	j.log.Info().Dur("interval", j.interval).Dur("stale_threshold", j.staleThreshold).Msg("巡检任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info().Msg("任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *SweepJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮巡检；其他实例正在巡检时跳过
func (j *SweepJob) RunOnce(ctx context.Context) *service.SweepReport {
	report, err := j.reconcile.Sweep(ctx, j.staleThreshold)
	if err != nil {
		if errors.Is(err, service.ErrSweepInProgress) {
			j.log.Debug().Msg("其他实例正在巡检，本轮跳过")
			return nil
		}
		j.log.Error().Err(err).Msg("巡检失败")
	}
	return report
}

// AuditJob 定时对账，只报告不修复
type AuditJob struct {
	audit    *service.AuditService
	stopCh   chan struct{}
	interval time.Duration
	log      zerolog.Logger
}

func NewAuditJob(audit *service.AuditService, cfg config.AuditConfig, log zerolog.Logger) *AuditJob {
	return &AuditJob{
		audit:    audit,
		stopCh:   make(chan struct{}),
		interval: cfg.Interval,
		log:      log.With().Str("job", "audit").Logger(),
	}
}

// Start interval 为0时直接返回，对账只能由运维接口触发
func (j *AuditJob) Start(ctx context.Context) {
	if j.interval <= 0 {
		j.log.Info().Msg("未配置对账周期，定时对账关闭")
		return
	}
	j.log.Info().Dur("interval", j.interval).Msg("对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info().Msg("任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *AuditJob) Stop() {
	close(j.stopCh)
}

func (j *AuditJob) RunOnce(ctx context.Context) *service.AuditReport {
	report, err := j.audit.Run(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("对账失败")
		return nil
	}
	return report
}
