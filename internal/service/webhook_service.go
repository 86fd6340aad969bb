package service

import (
	"context"
	"encoding/json"
	"errors"

	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/provider"
	"genledger/internal/repository"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookService 处理供应商回调
//
// 除了签名错误，任何情况都 ack 给供应商，避免对方重试风暴；
// 内部失败只记日志、回调日志表和指标。
type WebhookService struct {
	registry       *provider.Registry
	generationRepo *repository.GenerationRepository
	eventRepo      *repository.WebhookEventRepository
	finalizer      *Finalizer
	log            zerolog.Logger
}

func NewWebhookService(db *gorm.DB, registry *provider.Registry, finalizer *Finalizer, log zerolog.Logger) *WebhookService {
	return &WebhookService{
		registry:       registry,
		generationRepo: repository.NewGenerationRepository(db),
		eventRepo:      repository.NewWebhookEventRepository(db),
		finalizer:      finalizer,
		log:            log.With().Str("component", "webhook").Logger(),
	}
}

// CallbackResult 一次回调的处理结果
type CallbackResult struct {
	Disposition  string      `json:"disposition"`
	GenerationID string      `json:"generation_id,omitempty"`
	Transition   *Transition `json:"transition,omitempty"`
}

// HandleRaw 校验签名、解析报文、推进状态，并把这次投递写入回调日志。
// 只有签名不匹配时返回 ErrInvalidSignature，其余情况 error 恒为 nil。
func (s *WebhookService) HandleRaw(ctx context.Context, providerName string, body []byte, signature string) (*CallbackResult, error) {
	event := &model.WebhookEvent{Provider: providerName, Payload: journalPayload(body)}
	defer s.journal(ctx, event)

	client, ok := s.registry.Get(providerName)
	if !ok || providerName == "" {
		event.Disposition = model.DispositionInvalid
		event.Error = "unknown provider"
		s.record(providerName, event.Disposition)
		return &CallbackResult{Disposition: event.Disposition}, nil
	}

	if secret := s.registry.WebhookSecret(providerName); secret != "" {
		if !provider.VerifySignature(secret, body, signature) {
			event.Disposition = model.DispositionInvalid
			event.Error = ErrInvalidSignature.Error()
			s.record(providerName, event.Disposition)
			s.log.Warn().Str("provider", providerName).Msg("回调签名校验失败")
			return nil, ErrInvalidSignature
		}
	}

	cb, err := client.ParseCallback(body)
	if err != nil {
		event.Disposition = model.DispositionInvalid
		event.Error = err.Error()
		s.record(providerName, event.Disposition)
		s.log.Warn().Err(err).Str("provider", providerName).Msg("回调报文无法解析")
		return &CallbackResult{Disposition: event.Disposition}, nil
	}

	event.ProviderJobID = cb.ProviderJobID
	event.Outcome = string(cb.Status)

	res, err := s.HandleCallback(ctx, providerName, cb)
	event.Disposition = res.Disposition
	event.GenerationID = res.GenerationID
	if err != nil {
		event.Error = err.Error()
	}
	return res, nil
}

// HandleCallback 按任务ID找到生成任务并推进状态。
// 返回的 error 只用于记录，调用方仍然要 ack。
func (s *WebhookService) HandleCallback(ctx context.Context, providerName string, cb *provider.Callback) (*CallbackResult, error) {
	log := s.log.With().Str("provider", providerName).Str("provider_job_id", cb.ProviderJobID).
		Str("outcome", string(cb.Status)).Logger()

	gen, err := s.generationRepo.GetByProviderJobID(ctx, providerName, cb.ProviderJobID)
	if err != nil {
		if errors.Is(err, repository.ErrGenerationNotFound) {
			log.Info().Msg("回调对应的任务不存在，忽略")
			return s.done(providerName, model.DispositionUnknownJob, "", nil), nil
		}
		log.Error().Err(err).Msg("查询生成任务失败")
		return s.done(providerName, model.DispositionError, "", nil), err
	}

	log = log.With().Str("generation_id", gen.ID).Logger()

	if model.IsTerminal(gen.Status) {
		log.Info().Str("status", gen.Status).Msg("任务已是终态，重复回调")
		return s.done(providerName, model.DispositionDuplicate, gen.ID, nil), nil
	}

	if !cb.Status.Terminal() {
		return s.done(providerName, model.DispositionIgnored, gen.ID, nil), nil
	}

	tr, err := s.finalizer.Apply(ctx, gen, &cb.Result)
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			log.Info().Msg("并发回调已推进该任务")
			return s.done(providerName, model.DispositionDuplicate, gen.ID, nil), nil
		}
		log.Error().Err(err).Msg("回调处理失败，已 ack 给供应商，等待巡检兜底")
		return s.done(providerName, model.DispositionError, gen.ID, nil), err
	}

	return s.done(providerName, model.DispositionApplied, gen.ID, tr), nil
}

func (s *WebhookService) done(providerName, disposition, generationID string, tr *Transition) *CallbackResult {
	s.record(providerName, disposition)
	return &CallbackResult{Disposition: disposition, GenerationID: generationID, Transition: tr}
}

func (s *WebhookService) record(providerName, disposition string) {
	metrics.RecordWebhook(providerName, disposition)
}

func (s *WebhookService) journal(ctx context.Context, event *model.WebhookEvent) {
	event.Error = model.TruncateText(event.Error, model.WebhookErrorMaxLen)
	if err := s.eventRepo.Create(context.WithoutCancel(ctx), event); err != nil {
		s.log.Error().Err(err).Str("provider", event.Provider).Str("provider_job_id", event.ProviderJobID).
			Msg("写入回调日志失败")
	}
}

// journalPayload 非 JSON 报文以 JSON 字符串的形式保存
func journalPayload(body []byte) datatypes.JSON {
	if gjson.ValidBytes(body) {
		return datatypes.JSON(body)
	}
	quoted, _ := json.Marshal(string(body))
	return datatypes.JSON(quoted)
}
