package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genledger/internal/model"
	"genledger/internal/pricing"
	"genledger/internal/provider"
	"genledger/internal/repository"
	"genledger/pkg/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GatewayService 提交生成任务：报价 -> 扣款并落 PENDING 任务 -> 提交供应商 -> 推进到 PROCESSING
//
// 调用返回前，扣下的积分要么对应一个 PROCESSING 任务，要么已经退回。
// 数据库在退款时也不可用的极端情况下，任务停在 PENDING，由巡检过了 stale 阈值后失败退款。
type GatewayService struct {
	generationRepo *repository.GenerationRepository
	ledger         *LedgerService
	finalizer      *Finalizer
	pricing        *pricing.Table
	registry       *provider.Registry
	submitTimeout  time.Duration
	persistPolicy  retry.Policy
	log            zerolog.Logger
}

func NewGatewayService(db *gorm.DB, ledger *LedgerService, finalizer *Finalizer, table *pricing.Table,
	registry *provider.Registry, submitTimeout time.Duration, log zerolog.Logger) *GatewayService {
	return &GatewayService{
		generationRepo: repository.NewGenerationRepository(db),
		ledger:         ledger,
		finalizer:      finalizer,
		pricing:        table,
		registry:       registry,
		submitTimeout:  submitTimeout,
		persistPolicy: retry.Policy{
			MaxAttempts:     5,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			Retryable: func(err error) bool {
				return !errors.Is(err, repository.ErrTransitionRejected) && !errors.Is(err, ErrAlreadyTerminal)
			},
		},
		log: log.With().Str("component", "gateway").Logger(),
	}
}

type SubmitResult struct {
	GenerationID   string `json:"generation_id"`
	CreditsCharged int64  `json:"credits_charged"`
	Status         string `json:"status"`
	ProviderJobID  string `json:"provider_job_id"`
	Balance        int64  `json:"balance"`
}

func (s *GatewayService) Submit(ctx context.Context, userID string, spec *model.JobSpec) (*SubmitResult, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	if spec.Provider == "" {
		spec.Provider = s.registry.Default()
	}
	client, ok := s.registry.Get(spec.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, spec.Provider)
	}

	quote, err := s.pricing.Quote(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJobSpec, err)
	}
	cost := quote.Total

	// 先分配 ID，扣款、退款、任务行共用同一个 reference
	generationID := uuid.NewString()
	log := s.log.With().Str("generation_id", generationID).Str("user_id", userID).
		Str("provider", spec.Provider).Int64("amount", cost).Logger()

	gen := &model.Generation{
		ID:          generationID,
		UserID:      userID,
		Provider:    spec.Provider,
		Status:      model.GenerationStatusPending,
		CreditsUsed: cost,
		Spec:        datatypes.NewJSONType(*spec),
	}

	// 扣款和 PENDING 任务同一个事务落库，之后无论哪一步失败都有任务行可以退款
	debit, err := s.ledger.DebitWith(ctx, userID, cost, "generation:"+spec.Mode, generationID, func(tx *gorm.DB) error {
		return s.generationRepo.Create(ctx, tx, gen)
	})
	if err != nil {
		return nil, err
	}

	providerJobID, submitErr := s.submit(ctx, client, spec)
	if submitErr != nil {
		log.Warn().Err(submitErr).Msg("供应商拒绝提交，退还积分")
		return nil, s.compensate(ctx, gen, submitErr, log)
	}

	// 调用方断开也要把任务号落库
	persistCtx := context.WithoutCancel(ctx)
	err = retry.Run(persistCtx, s.persistPolicy, func(ctx context.Context) error {
		return s.generationRepo.MarkProcessing(ctx, nil, gen.ID, providerJobID)
	})
	if err != nil {
		log.Error().Err(err).Str("provider_job_id", providerJobID).
			Msg("任务已提交供应商但任务号未能落库，退还积分")
		return nil, s.abandon(ctx, gen, providerJobID, err, log)
	}

	log.Info().Str("provider_job_id", providerJobID).Msg("生成任务已提交")
	return &SubmitResult{
		GenerationID:   generationID,
		CreditsCharged: cost,
		Status:         model.GenerationStatusProcessing,
		ProviderJobID:  providerJobID,
		Balance:        debit.NewBalance,
	}, nil
}

// submit 给供应商调用加上超时，超时按提交失败处理
func (s *GatewayService) submit(ctx context.Context, client provider.Client, spec *model.JobSpec) (string, error) {
	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()
	}
	return client.Submit(ctx, spec)
}

// compensate 供应商提交失败后把 PENDING 任务落成 FAILED 并退款，失败时按策略重试
func (s *GatewayService) compensate(ctx context.Context, gen *model.Generation, cause error, log zerolog.Logger) error {
	return s.refundPending(ctx, gen, fmt.Errorf("%w: %w", ErrProviderError, cause), log,
		func(ctx context.Context) (*Transition, error) {
			return s.finalizer.RejectSubmission(ctx, gen, cause.Error())
		})
}

// abandon 供应商已受理但任务号没能落库：没有任务号就等不到回调也查不了状态，按失败退款，
// 供应商任务号记进 error_message 以便人工追查
func (s *GatewayService) abandon(ctx context.Context, gen *model.Generation, providerJobID string, cause error, log zerolog.Logger) error {
	msg := fmt.Sprintf("provider job %s accepted but not recorded: %v", providerJobID, cause)
	return s.refundPending(ctx, gen, fmt.Errorf("%w: %w", ErrSubmissionLost, cause), log,
		func(ctx context.Context) (*Transition, error) {
			return s.finalizer.Fail(ctx, gen, model.FailureSubmissionLost, msg)
		})
}

// refundPending 执行一次终态推进并把结果包装成 SubmitError。
// PENDING 任务只会被失败推进（没有任务号，回调匹配不到），所以 ErrAlreadyTerminal 说明巡检已经退过款。
func (s *GatewayService) refundPending(ctx context.Context, gen *model.Generation, cause error, log zerolog.Logger,
	fail func(ctx context.Context) (*Transition, error)) error {
	persistCtx := context.WithoutCancel(ctx)
	tr, err := retry.Do(persistCtx, s.persistPolicy, fail)
	switch {
	case err == nil:
		return &SubmitError{GenerationID: gen.ID, Refunded: tr.Refunded, Err: cause}
	case errors.Is(err, ErrAlreadyTerminal):
		log.Warn().Msg("任务已被巡检判为失败并退款")
		return &SubmitError{GenerationID: gen.ID, Refunded: gen.CreditsUsed, Err: cause}
	default:
		log.Error().Err(err).Msg("退款未能完成，任务保持 PENDING 等待巡检处理")
		return &SubmitError{GenerationID: gen.ID, Refunded: 0, Err: errors.Join(cause, err)}
	}
}

func (s *GatewayService) GetGeneration(ctx context.Context, id string) (*model.Generation, error) {
	return s.generationRepo.GetByID(ctx, nil, id)
}

func (s *GatewayService) ListGenerations(ctx context.Context, userID string, page, pageSize int) ([]*model.Generation, int64, error) {
	return s.generationRepo.ListByUserID(ctx, userID, page, pageSize)
}

// Quote 只报价不扣款，价格只取决于模式和附加项，不检查提示词和图片
func (s *GatewayService) Quote(spec *model.JobSpec) (*pricing.Breakdown, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: missing spec", ErrInvalidJobSpec)
	}
	quote, err := s.pricing.Quote(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJobSpec, err)
	}
	return quote, nil
}

func validateSpec(spec *model.JobSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: missing spec", ErrInvalidJobSpec)
	}
	switch spec.Mode {
	case model.ModeTextToModel:
		if spec.Prompt == "" {
			return fmt.Errorf("%w: text_to_model requires a prompt", ErrInvalidJobSpec)
		}
	case model.ModeImageToModel:
		if len(spec.ImageURLs) != 1 {
			return fmt.Errorf("%w: image_to_model requires exactly one image", ErrInvalidJobSpec)
		}
	case model.ModeMultiviewToModel:
		if len(spec.ImageURLs) < 2 {
			return fmt.Errorf("%w: multiview_to_model requires at least two images", ErrInvalidJobSpec)
		}
	}
	return nil
}
