package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meetmemo/pipeline/internal/db"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/db/repos"
)

// DatabaseBroker keeps messages in the queue_messages table of the job store
type DatabaseBroker struct {
	gdb      *gorm.DB
	repo     *repos.QueueRepository
	consumer string
	opts     Options
}

// NewDatabaseBroker creates a broker on top of the job store database
func NewDatabaseBroker(gdb *gorm.DB, opts Options) *DatabaseBroker {
	return &DatabaseBroker{
		gdb:      gdb,
		repo:     repos.NewQueueRepository(gdb),
		consumer: uuid.NewString(),
		opts:     opts.withDefaults(),
	}
}

// Enqueue implements Broker
func (b *DatabaseBroker) Enqueue(ctx context.Context, lane models.Lane, jobID string) error {
	if err := b.repo.Enqueue(ctx, &models.QueueMessage{Lane: lane, JobID: jobID}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Dequeue implements Broker by polling the table a few times within the poll window
func (b *DatabaseBroker) Dequeue(ctx context.Context, lane models.Lane) (*Delivery, error) {
	deadline := time.Now().Add(b.opts.PollInterval)
	step := b.opts.PollInterval / 4
	for {
		msg, err := b.repo.Reserve(ctx, lane, b.consumer, b.opts.VisibilityTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if msg != nil {
			return &Delivery{
				ID:      strconv.FormatUint(uint64(msg.ID), 10),
				Lane:    msg.Lane,
				JobID:   msg.JobID,
				Attempt: msg.Attempts,
				msgID:   msg.ID,
				receipt: msg.Receipt,
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
	}
}

// Ack implements Broker
func (b *DatabaseBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.repo.Ack(ctx, d.msgID, d.receipt)
}

// Nack implements Broker
func (b *DatabaseBroker) Nack(ctx context.Context, d *Delivery, requeue bool, delay time.Duration) error {
	if !requeue {
		return b.repo.Bury(ctx, d.msgID, d.receipt)
	}
	return b.repo.Requeue(ctx, d.msgID, d.receipt, delay)
}

// Ping implements Broker
func (b *DatabaseBroker) Ping(ctx context.Context) error {
	if err := db.Ping(ctx, b.gdb); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Broker. The database handle is owned by the caller.
func (b *DatabaseBroker) Close() error {
	return nil
}
