package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meetmemo/pipeline/internal/broker"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/logger"
)

// Processor handles a single delivery and settles it with the broker
type Processor interface {
	Process(ctx context.Context, d *broker.Delivery) error
}

// WorkerLanes returns the lanes that need workers. An inline chain runs
// every stage on the worker that took the submission, so only the default lane is served.
func WorkerLanes(chain bool) []models.Lane {
	if chain {
		return []models.Lane{models.LaneDefault}
	}
	return models.Lanes()
}

// LaunchWorkers starts perLane workers on every lane
func LaunchWorkers(ctx context.Context, wg *sync.WaitGroup, b broker.Broker, p Processor, lanes []models.Lane, perLane int) {
	if perLane <= 0 {
		perLane = 1
	}
	for _, lane := range lanes {
		for i := 0; i < perLane; i++ {
			wg.Add(1)
			go LaunchWorker(ctx, wg, b, lane, p)
		}
	}
}

// LaunchWorker runs a pull-process-ack loop on lane until ctx is cancelled
func LaunchWorker(ctx context.Context, wg *sync.WaitGroup, b broker.Broker, lane models.Lane, p Processor) {
	defer wg.Done()
	const backoff = time.Second

	logger.Infof("Worker started on lane %s", lane)

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Worker on lane %s received shutdown signal, stopping...", lane)
			return
		default:
		}

		d, err := b.Dequeue(ctx, lane)
		switch {
		case errors.Is(err, broker.ErrEmpty):
			continue
		case ctx.Err() != nil:
			continue
		case err != nil:
			logger.Errorf("Worker on lane %s failed to dequeue: %v", lane, err)
			// Wait before retrying to avoid spamming logs while the broker is down
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}

		if err := p.Process(ctx, d); err != nil {
			logger.WarnWithFields("delivery not completed", logger.Fields{
				"lane":    lane,
				"job_id":  d.JobID,
				"attempt": d.Attempt,
				"error":   err.Error(),
			})
		}
	}
}
