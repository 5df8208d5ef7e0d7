package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meetmemo/pipeline/internal/db/models"
)

// reserveAttempts bounds how often Reserve retries after losing a race for the same row
const reserveAttempts = 3

// QueueRepository stores broker messages in the job store database
type QueueRepository struct {
	db *gorm.DB
}

// NewQueueRepository creates a new queue repository instance
func NewQueueRepository(db *gorm.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue inserts a message that becomes deliverable at msg.AvailableAt
func (r *QueueRepository) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	if msg.AvailableAt.IsZero() {
		msg.AvailableAt = now()
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Reserve hides the oldest deliverable message of lane from other consumers for visibility.
// The returned message carries the receipt needed to settle it. It returns nil when nothing is deliverable.
func (r *QueueRepository) Reserve(ctx context.Context, lane models.Lane, consumer string, visibility time.Duration) (*models.QueueMessage, error) {
	for i := 0; i < reserveAttempts; i++ {
		ts := now()
		var msg models.QueueMessage
		err := r.db.WithContext(ctx).
			Where(models.QueueLaneField+" = ? AND dead_at IS NULL AND "+models.QueueAvailableAtField+" <= ?", lane, ts).
			Where("(" + models.QueueReservedUntilField + " IS NULL OR " + models.QueueReservedUntilField + " < ?)", ts).
			Order("id ASC").
			First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find message: %w", err)
		}

		until := ts.Add(visibility)
		receipt := uuid.NewString()
		res := r.db.WithContext(ctx).Model(&models.QueueMessage{}).
			Where("id = ?", msg.ID).
			Where("("+models.QueueReservedUntilField+" IS NULL OR "+models.QueueReservedUntilField+" < ?)", ts).
			UpdateColumns(map[string]interface{}{
				"reserved_by":                  consumer,
				models.QueueReceiptField:       receipt,
				models.QueueReservedUntilField: until,
				"attempts":                     gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to reserve message: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			msg.ReservedBy = consumer
			msg.Receipt = receipt
			msg.ReservedUntil = &until
			msg.Attempts++
			return &msg, nil
		}
	}
	return nil, nil
}

// Ack removes a message still held under receipt
func (r *QueueRepository) Ack(ctx context.Context, id uint, receipt string) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND "+models.QueueReceiptField+" = ? AND "+models.QueueReceiptField+" <> ''", id, receipt).
		Delete(&models.QueueMessage{})
	if res.Error != nil {
		return fmt.Errorf("failed to ack message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrMessageNotFound, id)
	}
	return nil
}

// Requeue makes a reserved message deliverable again after delay
func (r *QueueRepository) Requeue(ctx context.Context, id uint, receipt string, delay time.Duration) error {
	return r.settle(ctx, id, receipt, map[string]interface{}{
		"reserved_by":                  "",
		models.QueueReceiptField:       "",
		models.QueueReservedUntilField: nil,
		models.QueueAvailableAtField:   now().Add(delay),
	})
}

// Bury parks a reserved message so it is never delivered again
func (r *QueueRepository) Bury(ctx context.Context, id uint, receipt string) error {
	return r.settle(ctx, id, receipt, map[string]interface{}{
		"reserved_by":                  "",
		models.QueueReceiptField:       "",
		models.QueueReservedUntilField: nil,
		"dead_at":                      now(),
	})
}

func (r *QueueRepository) settle(ctx context.Context, id uint, receipt string, cols map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.QueueMessage{}).
		Where("id = ? AND "+models.QueueReceiptField+" = ? AND "+models.QueueReceiptField+" <> ''", id, receipt).
		UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrMessageNotFound, id)
	}
	return nil
}

// CountReady returns the number of live messages waiting on lane
func (r *QueueRepository) CountReady(ctx context.Context, lane models.Lane) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.QueueMessage{}).
		Where(models.QueueLaneField+" = ? AND dead_at IS NULL", lane).
		Count(&count).Error
	return count, err
}
