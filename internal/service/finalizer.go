package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/provider"
	"genledger/internal/repository"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ============================================================================
// Finalizer：生成任务唯一的终态推进路径
// ============================================================================
//
// 提交、回调、巡检、运维修复都从这里把任务推进到终态。一个数据库事务里完成：
//
//   1. UPDATE generation SET status=终态 ... WHERE id=? AND status IN (PENDING, PROCESSING)
//   2. 失败且扣过款时，写 REFUND 流水并增加余额
//   3. 写一条 outbox 事件
//
// 第1步影响0行时整个事务什么也不做，返回 ErrAlreadyTerminal。
// 重复回调、回调与巡检并发到达时，只有一方能走到第2步，因此每个任务最多退款一次。
//
// ============================================================================

type Finalizer struct {
	db             *gorm.DB
	generationRepo *repository.GenerationRepository
	outboxRepo     *repository.OutboxRepository
	ledger         *LedgerService
	topic          string
	log            zerolog.Logger
	now            func() time.Time
}

func NewFinalizer(db *gorm.DB, ledger *LedgerService, topic string, log zerolog.Logger) *Finalizer {
	return &Finalizer{
		db:             db,
		generationRepo: repository.NewGenerationRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		ledger:         ledger,
		topic:          topic,
		log:            log.With().Str("component", "finalizer").Logger(),
		now:            time.Now,
	}
}

// Transition 一次终态推进的结果
type Transition struct {
	GenerationID string `json:"generation_id"`
	Applied      bool   `json:"applied"` // false 表示供应商结果不是终态，什么也没做
	Status       string `json:"status,omitempty"`
	Reason       string `json:"failure_reason,omitempty"`
	Refunded     int64  `json:"refunded"`
}

// Apply 按供应商结果推进：
// 成功且有模型地址 -> COMPLETED；成功但没有地址 -> FAILED(MALFORMED_RESULT) + 退款；
// 失败 -> FAILED(PROVIDER_FAILED) + 退款；非终态 -> 不处理。
func (f *Finalizer) Apply(ctx context.Context, gen *model.Generation, result *provider.Result) (*Transition, error) {
	switch result.Status {
	case provider.StatusSucceeded:
		if result.ResultURL == "" {
			f.log.Warn().Str("generation_id", gen.ID).Str("provider", gen.Provider).
				Msg("供应商报告成功但报文中没有模型地址")
			return f.Fail(ctx, gen, model.FailureMalformedResult, "provider reported success without a usable model url")
		}
		return f.Complete(ctx, gen, result.ResultURL)
	case provider.StatusFailed:
		return f.Fail(ctx, gen, model.FailureProviderFailed, result.ErrorMessage)
	default:
		return &Transition{GenerationID: gen.ID}, nil
	}
}

func (f *Finalizer) Complete(ctx context.Context, gen *model.Generation, modelURL string) (*Transition, error) {
	return f.finalize(ctx, gen, repository.Terminal{
		Status:   model.GenerationStatusCompleted,
		ModelURL: modelURL,
	})
}

func (f *Finalizer) Fail(ctx context.Context, gen *model.Generation, reason, message string) (*Transition, error) {
	return f.finalize(ctx, gen, repository.Terminal{
		Status:        model.GenerationStatusFailed,
		ErrorMessage:  failureMessage(reason, message),
		FailureReason: reason,
	})
}

// RejectSubmission 供应商没有受理提交：PENDING 任务直接落成 FAILED 并退还扣款，
// credits_used 记为0，退款流水和扣款流水共用同一个 generation id。
func (f *Finalizer) RejectSubmission(ctx context.Context, gen *model.Generation, message string) (*Transition, error) {
	return f.finalize(ctx, gen, repository.Terminal{
		Status:         model.GenerationStatusFailed,
		ErrorMessage:   failureMessage(model.FailureProviderRejected, message),
		FailureReason:  model.FailureProviderRejected,
		ReleaseCredits: true,
	})
}

func failureMessage(reason, message string) string {
	if message == "" {
		message = reason
	}
	return model.TruncateText(message, model.ErrorMessageMaxLen)
}

func (f *Finalizer) finalize(ctx context.Context, gen *model.Generation, t repository.Terminal) (*Transition, error) {
	t.At = f.now()
	tr := &Transition{
		GenerationID: gen.ID,
		Applied:      true,
		Status:       t.Status,
		Reason:       t.FailureReason,
	}

	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := f.generationRepo.Finalize(ctx, tx, gen.ID, t); err != nil {
			if errors.Is(err, repository.ErrTransitionRejected) {
				return ErrAlreadyTerminal
			}
			return fmt.Errorf("更新生成任务状态失败: %w", err)
		}

		if t.Status == model.GenerationStatusFailed && gen.CreditsUsed > 0 {
			if _, err := f.ledger.RefundTx(ctx, tx, gen.UserID, gen.CreditsUsed, gen.ID, t.FailureReason); err != nil {
				return fmt.Errorf("退款失败: %w", err)
			}
			tr.Refunded = gen.CreditsUsed
		}

		return f.writeEvent(ctx, tx, gen, t, tr.Refunded)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(t.Status, t.FailureReason)
	f.log.Info().
		Str("generation_id", gen.ID).
		Str("user_id", gen.UserID).
		Str("status", t.Status).
		Str("failure_reason", t.FailureReason).
		Int64("refunded", tr.Refunded).
		Msg("生成任务进入终态")
	return tr, nil
}

// RecoverOrphan 扣款找不到生成任务时补一条 FAILED 任务并退款，两者同一个事务。
// gen.ID 即扣款的 reference_id，主键冲突说明已经补过，不会重复退款。
func (f *Finalizer) RecoverOrphan(ctx context.Context, gen *model.Generation, message string) (*Transition, error) {
	now := f.now()
	message = failureMessage(model.FailureAdminRepair, message)
	gen.Status = model.GenerationStatusFailed
	gen.ErrorMessage = &message
	gen.FailureReason = model.FailureAdminRepair
	gen.CompletedAt = &now

	tr := &Transition{
		GenerationID: gen.ID,
		Applied:      true,
		Status:       gen.Status,
		Reason:       gen.FailureReason,
	}

	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := f.generationRepo.GetByID(ctx, tx, gen.ID); err == nil {
			return ErrAlreadyTerminal
		} else if !errors.Is(err, repository.ErrGenerationNotFound) {
			return err
		}
		if err := f.generationRepo.Create(ctx, tx, gen); err != nil {
			return fmt.Errorf("补建生成任务失败: %w", err)
		}
		if gen.CreditsUsed > 0 {
			if _, err := f.ledger.RefundTx(ctx, tx, gen.UserID, gen.CreditsUsed, gen.ID, model.FailureAdminRepair); err != nil {
				return fmt.Errorf("退款失败: %w", err)
			}
			tr.Refunded = gen.CreditsUsed
		}
		return f.writeEvent(ctx, tx, gen, repository.Terminal{
			Status:        gen.Status,
			ErrorMessage:  message,
			FailureReason: gen.FailureReason,
			At:            now,
		}, tr.Refunded)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(gen.Status, gen.FailureReason)
	f.log.Warn().Str("generation_id", gen.ID).Str("user_id", gen.UserID).Int64("refunded", tr.Refunded).
		Msg("孤儿扣款已补建任务并退款")
	return tr, nil
}

// GenerationEvent 投递到 Kafka 的生成任务事件
type GenerationEvent struct {
	GenerationID  string    `json:"generation_id"`
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ModelURL      string    `json:"model_url,omitempty"`
	Refunded      int64     `json:"refunded"`
	At            time.Time `json:"at"`
}

func (f *Finalizer) writeEvent(ctx context.Context, tx *gorm.DB, gen *model.Generation, t repository.Terminal, refunded int64) error {
	event := GenerationEvent{
		GenerationID:  gen.ID,
		UserID:        gen.UserID,
		Provider:      gen.Provider,
		Status:        t.Status,
		FailureReason: t.FailureReason,
		ErrorMessage:  t.ErrorMessage,
		ModelURL:      t.ModelURL,
		Refunded:      refunded,
		At:            t.At,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	eventType := model.EventGenerationCompleted
	if t.Status == model.GenerationStatusFailed {
		eventType = model.EventGenerationFailed
	}

	msg := &model.OutboxMessage{
		MessageKey:  gen.ID,
		Topic:       f.topic,
		EventType:   eventType,
		AggregateID: gen.ID,
		Payload:     string(payload),
		Status:      model.OutboxStatusPending,
	}
	if err := f.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
