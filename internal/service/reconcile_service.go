package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genledger/internal/config"
	"genledger/internal/infrastructure/lock"
	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/provider"
	"genledger/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ReconcileService 巡检卡在 PROCESSING 的任务，弥补丢失的回调
//
// 超过 stale 阈值的任务向供应商查询一次：
//   - 供应商给出终态：走和回调相同的 Finalizer，写入失败且超过硬上限时按超时处理
//   - 查询失败或仍在进行：超过硬上限才强制 FAILED(TIMEOUT) 并退款，否则留到下一轮
//   - 仍是 PENDING：提交时任务号没能落库，直接 FAILED(SUBMISSION_LOST) 并退款
//
// 和回调并发安全：两边都依赖 Finalizer 的终态条件更新，输的一方得到 ErrAlreadyTerminal。
type ReconcileService struct {
	generationRepo *repository.GenerationRepository
	registry       *provider.Registry
	finalizer      *Finalizer
	redis          redis.Cmdable
	cfg            config.ReconcileConfig
	owner          string
	log            zerolog.Logger
	now            func() time.Time
}

// NewReconcileService redisClient 为 nil 时不加全局锁（单实例或测试）
func NewReconcileService(db *gorm.DB, registry *provider.Registry, finalizer *Finalizer, redisClient redis.Cmdable,
	cfg config.ReconcileConfig, owner string, log zerolog.Logger) *ReconcileService {
	return &ReconcileService{
		generationRepo: repository.NewGenerationRepository(db),
		registry:       registry,
		finalizer:      finalizer,
		redis:          redisClient,
		cfg:            cfg,
		owner:          owner,
		log:            log.With().Str("component", "reconcile").Logger(),
		now:            time.Now,
	}
}

// SweepReport 一轮巡检的统计
type SweepReport struct {
	Checked      int           `json:"checked"`
	Fixed        int           `json:"fixed"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	TimedOut     int           `json:"timed_out"`
	StillRunning int           `json:"still_running"`
	LostRace     int           `json:"lost_race"` // 巡检期间被回调抢先推进
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
}

// Sweep 巡检创建时间早于 staleThreshold 的 PENDING / PROCESSING 任务，可重复执行
func (s *ReconcileService) Sweep(ctx context.Context, staleThreshold time.Duration) (*SweepReport, error) {
	var sweepLock *lock.DistributedLock
	if s.redis != nil {
		ttl := s.cfg.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		sweepLock = lock.NewSweepLock(s.redis, s.owner, ttl)
		ok, err := sweepLock.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取巡检锁失败: %w", err)
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer sweepLock.Unlock(context.WithoutCancel(ctx))
	}

	start := s.now()
	report := &SweepReport{}
	before := start.Add(-staleThreshold)
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}

	var cursor *model.Generation
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		generations, err := s.generationRepo.ListStale(ctx, before, cursor, batch)
		if err != nil {
			return report, fmt.Errorf("查询待巡检任务失败: %w", err)
		}
		for _, gen := range generations {
			s.check(ctx, gen, report)
		}
		if len(generations) < batch {
			break
		}
		cursor = generations[len(generations)-1]
		if sweepLock != nil {
			// 翻页前续期，供应商很慢时一次巡检可能超过 TTL
			if err := sweepLock.Refresh(ctx); err != nil {
				s.log.Warn().Err(err).Msg("巡检锁续期失败")
			}
		}
	}

	report.Fixed = report.Completed + report.Failed + report.TimedOut
	report.Duration = time.Since(start)
	s.log.Info().
		Int("checked", report.Checked).
		Int("fixed", report.Fixed).
		Int("timed_out", report.TimedOut).
		Int("still_running", report.StillRunning).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("巡检完成")
	return report, nil
}

func (s *ReconcileService) check(ctx context.Context, gen *model.Generation, report *SweepReport) {
	report.Checked++
	age := s.now().Sub(gen.CreatedAt)
	log := s.log.With().Str("generation_id", gen.ID).Str("provider", gen.Provider).Dur("age", age).Logger()

	if gen.Status == model.GenerationStatusPending {
		// 提交调用早已超时返回仍是 PENDING：供应商任务号没有落库，只能失败退款
		tr, err := s.finalizer.Fail(ctx, gen, model.FailureSubmissionLost,
			fmt.Sprintf("submission not confirmed after %s", age.Truncate(time.Minute)))
		s.count(report, tr, err, log)
		return
	}

	client, ok := s.registry.Get(gen.Provider)
	if ok && gen.ProviderJobID != nil {
		res, err := client.GetStatus(ctx, *gen.ProviderJobID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("查询供应商任务状态失败")
		case res.Status.Terminal():
			tr, err := s.finalizer.Apply(ctx, gen, res)
			if err == nil || errors.Is(err, ErrAlreadyTerminal) || age <= s.cfg.HardCeiling {
				s.count(report, tr, err, log)
				return
			}
			// 供应商结果反复写不进去时不能让任务一直挂着，超过硬上限按超时失败
			log.Error().Err(err).Msg("应用供应商结果失败，已超过硬上限")
			report.Errors++
		}
	} else {
		log.Warn().Msg("任务没有可用的供应商客户端，只能等待硬上限")
	}

	if age <= s.cfg.HardCeiling {
		report.StillRunning++
		metrics.RecordSweep("still_running")
		return
	}

	msg := fmt.Sprintf("no result from provider after %s", age.Truncate(time.Minute))
	tr, err := s.finalizer.Fail(ctx, gen, model.FailureTimeout, msg)
	s.count(report, tr, err, log)
}

func (s *ReconcileService) count(report *SweepReport, tr *Transition, err error, log zerolog.Logger) {
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			report.LostRace++
			metrics.RecordSweep("lost_race")
			return
		}
		report.Errors++
		metrics.RecordSweep("error")
		log.Error().Err(err).Msg("巡检推进任务失败")
		return
	}
	switch {
	case tr.Status == model.GenerationStatusCompleted:
		report.Completed++
		metrics.RecordSweep("completed")
	case tr.Reason == model.FailureTimeout:
		report.TimedOut++
		metrics.RecordSweep("timed_out")
	default:
		report.Failed++
		metrics.RecordSweep("failed")
	}
}
