// Package broker moves job ids between workers over named lanes with at-least-once delivery.
// A delivery that is neither acked nor nacked before its visibility timeout is delivered again.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/meetmemo/pipeline/internal/db/models"
)

var (
	// ErrEmpty is returned by Dequeue when nothing arrived within the poll window
	ErrEmpty = errors.New("no message available")
	// ErrUnavailable wraps failures to reach the broker backend
	ErrUnavailable = errors.New("broker unavailable")
)

// Delivery is one received message. It must be settled with Ack or Nack.
type Delivery struct {
	ID      string
	Lane    models.Lane
	JobID   string
	Attempt int

	msgID   uint
	receipt string
	payload string
}

// Broker is the queue contract used by the job service and the workers
type Broker interface {
	// Enqueue publishes jobID on lane
	Enqueue(ctx context.Context, lane models.Lane, jobID string) error
	// Dequeue blocks until a message is available on lane, the poll window passes (ErrEmpty) or ctx ends
	Dequeue(ctx context.Context, lane models.Lane) (*Delivery, error)
	// Ack removes the delivery for good
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns the delivery to its lane after delay, or parks it when requeue is false
	Nack(ctx context.Context, d *Delivery, requeue bool, delay time.Duration) error
	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes delivery behaviour shared by every backend
type Options struct {
	// VisibilityTimeout is how long a delivery stays hidden before redelivery
	VisibilityTimeout time.Duration
	// PollInterval is the long-poll window of Dequeue
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// New builds the broker selected by endpoint: "database" stores messages next to the jobs,
// a redis:// URL uses redis lists
func New(endpoint string, gdb *gorm.DB, opts Options) (Broker, error) {
	switch {
	case endpoint == "database":
		if gdb == nil {
			return nil, errors.New("database broker requires a database handle")
		}
		return NewDatabaseBroker(gdb, opts), nil
	case strings.HasPrefix(endpoint, "redis://"):
		return NewRedisBroker(endpoint, opts)
	default:
		return nil, fmt.Errorf("unsupported broker endpoint %q", endpoint)
	}
}
