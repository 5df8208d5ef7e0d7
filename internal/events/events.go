// Package events fans job lifecycle events out to subscribers
package events

import (
	"context"
	"sync"
	"time"

	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/logger"
)

// EventType represents the type of job event
type EventType string

const (
	// EventJobSucceeded is emitted when the last stage of a job completed
	EventJobSucceeded EventType = "job_succeeded"
	// EventJobFailed is emitted when a job failed terminally
	EventJobFailed EventType = "job_failed"
	// EventJobCancelled is emitted when a cancellation was honored
	EventJobCancelled EventType = "job_cancelled"
	// EventChannelSize is the buffer size for the event channel
	EventChannelSize = 100
)

// Event represents a job lifecycle event
type Event struct {
	Type  EventType
	JobID string
	Title string
	// Stage is the stage the job stopped at, empty on success
	Stage      string
	Error      *models.FailureRecord
	CreatedAt  time.Time
	OccurredAt time.Time
}

// ForJob builds the terminal event of job
func ForJob(job *models.Job) (Event, bool) {
	e := Event{
		JobID:      job.ID,
		Title:      job.Input.Title,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		OccurredAt: time.Now().UTC(),
	}
	switch job.State {
	case models.JobStateSucceeded:
		e.Type = EventJobSucceeded
	case models.JobStateFailed:
		e.Type = EventJobFailed
		if job.Error != nil {
			e.Stage = job.Error.Stage
		}
	case models.JobStateCancelled:
		e.Type = EventJobCancelled
		if stage := models.Stage(job.StageIndex); stage.Valid() {
			e.Stage = stage.String()
		}
	default:
		return Event{}, false
	}
	return e, true
}

// Handler is a function that handles an event
type Handler func(context.Context, Event) error

// Bus dispatches published events to the handlers subscribed to their type
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	ch       chan Event
}

// NewBus creates a bus; nothing is dispatched until Start
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		ch:       make(chan Event, EventChannelSize),
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	logger.Debugf("registered handler for event type: %s", eventType)
}

// Publish queues an event. It never blocks: when the buffer is full the event is dropped.
func (b *Bus) Publish(event Event) {
	select {
	case b.ch <- event:
		logger.Debugf("published event: %s (job: %s)", event.Type, event.JobID)
	default:
		logger.Warnf("event buffer full, dropping %s for job %s", event.Type, event.JobID)
	}
}

// Start runs the dispatch loop until ctx is cancelled
func (b *Bus) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.process(ctx)
	}()
}

func (b *Bus) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug("stopping event loop")
			return
		case event := <-b.ch:
			b.mu.RLock()
			handlers := b.handlers[event.Type]
			b.mu.RUnlock()

			for _, h := range handlers {
				if err := h(ctx, event); err != nil {
					logger.Errorf("failed to handle event %s for job %s: %v", event.Type, event.JobID, err)
				}
			}
		}
	}
}

// LogOutcome records the end of a job with its total runtime
func LogOutcome(_ context.Context, e Event) error {
	fields := logger.Fields{
		"job_id": e.JobID,
		"event":  string(e.Type),
		"title":  e.Title,
	}
	if !e.CreatedAt.IsZero() {
		fields["elapsed"] = e.OccurredAt.Sub(e.CreatedAt).Round(time.Millisecond).String()
	}
	if e.Stage != "" {
		fields["stage"] = e.Stage
	}
	if e.Error != nil {
		fields["kind"] = e.Error.Kind
		logger.WarnWithFields("job finished unsuccessfully", fields)
		return nil
	}
	logger.InfoWithFields("job finished", fields)
	return nil
}
