package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meetmemo/pipeline/internal/db/models"
)

// StageInput is everything an executor may look at
type StageInput struct {
	JobID     string
	Input     models.JobInput
	Previous  models.StageResults
	Attempt   int
	CreatedAt time.Time
}

// ProgressFunc reports progress within the running stage; percent is 0-100 of that stage
type ProgressFunc func(percent int, step string)

// Executor runs one stage. Executors never touch the job store; they return
// the stage output or a *Failure and leave persistence to the Coordinator.
type Executor interface {
	Stage() models.Stage
	Run(ctx context.Context, in StageInput, report ProgressFunc) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc struct {
	For models.Stage
	Fn  func(ctx context.Context, in StageInput, report ProgressFunc) (json.RawMessage, error)
}

// Stage implements Executor
func (f ExecutorFunc) Stage() models.Stage {
	return f.For
}

// Run implements Executor
func (f ExecutorFunc) Run(ctx context.Context, in StageInput, report ProgressFunc) (json.RawMessage, error) {
	return f.Fn(ctx, in, report)
}

// overallPercent maps progress within stage to progress of the whole job
func overallPercent(stage models.Stage, within int) int {
	if within < 0 {
		within = 0
	}
	if within > 100 {
		within = 100
	}
	return (int(stage)*100 + within) / models.NumStages
}
