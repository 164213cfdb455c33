package repository

import (
	"context"

	"taskpulse/internal/model"

	"gorm.io/gorm"
)

type MessageInterface interface {
	CreateChannelMessage(ctx context.Context, msg *model.ChannelMessage) error
	CreateDirectMessage(ctx context.Context, msg *model.DirectMessage) error
	RecentChannelMessages(ctx context.Context, channelID string, limit int) ([]model.ChannelMessage, error)
	RecentDirectMessages(ctx context.Context, conversationID string, limit int) ([]model.DirectMessage, error)
	WithTx(tx *gorm.DB) MessageInterface
}

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) CreateChannelMessage(ctx context.Context, msg *model.ChannelMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *MessageRepository) CreateDirectMessage(ctx context.Context, msg *model.DirectMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *MessageRepository) RecentChannelMessages(ctx context.Context, channelID string, limit int) ([]model.ChannelMessage, error) {
	var msgs []model.ChannelMessage
	if err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).
		Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *MessageRepository) RecentDirectMessages(ctx context.Context, conversationID string, limit int) ([]model.DirectMessage, error) {
	var msgs []model.DirectMessage
	if err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *MessageRepository) WithTx(tx *gorm.DB) MessageInterface {
	return &MessageRepository{db: tx}
}

// Ping verifies the data store is reachable; the health endpoint reports its
// result to clients probing store availability.
func (r *MessageRepository) Ping(ctx context.Context) error {
	db, err := r.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}
