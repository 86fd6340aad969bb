package repository

import (
	"context"

	"genledger/internal/model"

	"gorm.io/gorm"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) Create(ctx context.Context, event *model.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *WebhookEventRepository) ListByProviderJobID(ctx context.Context, provider, providerJobID string) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_job_id = ?", provider, providerJobID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (r *WebhookEventRepository) CountByDisposition(ctx context.Context, disposition string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("disposition = ?", disposition).
		Count(&n).Error
	return n, err
}
