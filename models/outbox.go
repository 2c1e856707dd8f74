package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutboxMessage implements the transactional outbox for movement events:
// the row is written inside the apply transaction but NOT published.
// Publishing happens asynchronously in the outbox dispatcher after commit.
type OutboxMessage struct {
	ID         int    `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	MovementId int    `gorm:"index;not null" json:"movement_id"`
	EntryId    int    `gorm:"index;not null" json:"entry_id"`
	FormId     int    `gorm:"not null" json:"form_id"`
	ItemCode   string `gorm:"size:100;not null" json:"item_code"`
	Payload    []byte `gorm:"type:blob" json:"payload"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueMovementEvent writes the outbox row for a committed-to-be movement.
// Must be called with the same tx that inserts the movement.
func EnqueueMovementEvent(ctx context.Context, tx *gorm.DB, movement *LedgerMovement) error {
	body, err := json.Marshal(movement)
	if err != nil {
		return err
	}
	// The movement row was inserted in this same transaction, so its item must
	// be readable here; a lookup failure is a real error, not a missing code.
	var item LedgerItem
	if err := tx.Select("code").Where("id = ?", movement.ItemId).First(&item).Error; err != nil {
		return err
	}
	record := OutboxMessage{
		MovementId:    movement.ID,
		EntryId:       movement.EntryId,
		FormId:        movement.FormId,
		ItemCode:      item.Code,
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func ConvertToMovementEvent(record OutboxMessage) config.MovementEvent {
	return config.MovementEvent{
		ID:            record.ID,
		MovementId:    record.MovementId,
		EntryId:       record.EntryId,
		FormId:        record.FormId,
		ItemCode:      record.ItemCode,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
		CreatedAt:     record.CreatedAt,
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
