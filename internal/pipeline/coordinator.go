package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meetmemo/pipeline/internal/broker"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/db/repos"
	"github.com/meetmemo/pipeline/internal/events"
	log "github.com/meetmemo/pipeline/internal/logger"
)

// JobStore is the part of the job repository the coordinator needs
type JobStore interface {
	Claim(ctx context.Context, id, token string, ttl time.Duration) (*models.Job, error)
	Renew(ctx context.Context, id, token string, ttl time.Duration) error
	Release(ctx context.Context, id, token string) error
	Update(ctx context.Context, id, token string, patch models.JobPatch) (*models.Job, error)
}

// StageSettings bounds one stage
type StageSettings struct {
	RetryCeiling int
	Timeout      time.Duration
}

// Publisher receives the terminal events of jobs
type Publisher interface {
	Publish(events.Event)
}

// Options configures the coordinator
type Options struct {
	Stages       map[models.Stage]StageSettings
	LeaseTTL     time.Duration
	RetryBackoff time.Duration
	// ChainStages runs every remaining stage inline instead of handing off through the lanes
	ChainStages bool
	// WorkerID prefixes every lease token taken by this coordinator
	WorkerID string
	// Events is optional
	Events Publisher
}

// Coordinator owns every state transition of a job.
// Each delivery is handled as claim, checkpoint, execute, persist, advance, hand off.
type Coordinator struct {
	store     JobStore
	broker    broker.Broker
	executors map[models.Stage]Executor
	opts      Options
}

// NewCoordinator wires the coordinator; every stage needs an executor
func NewCoordinator(store JobStore, b broker.Broker, executors []Executor, opts Options) (*Coordinator, error) {
	byStage := make(map[models.Stage]Executor, len(executors))
	for _, e := range executors {
		byStage[e.Stage()] = e
	}
	for _, stage := range models.Stages() {
		if _, ok := byStage[stage]; !ok {
			return nil, fmt.Errorf("no executor registered for stage %s", stage)
		}
		if _, ok := opts.Stages[stage]; !ok {
			return nil, fmt.Errorf("no settings for stage %s", stage)
		}
	}
	if opts.LeaseTTL <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	return &Coordinator{store: store, broker: b, executors: byStage, opts: opts}, nil
}

// run carries the state of one delivery through the coordinator
type run struct {
	delivery *broker.Delivery
	token    string
	job      *models.Job
	// lost is closed when the lease could not be renewed
	lost chan struct{}
}

// Process handles one delivery end to end and always settles it.
// The returned error is informational; the worker loop only logs it.
func (c *Coordinator) Process(ctx context.Context, d *broker.Delivery) error {
	r := &run{
		delivery: d,
		token:    c.opts.WorkerID + "/" + uuid.NewString(),
		lost:     make(chan struct{}),
	}
	// settling must survive a worker shutdown
	sctx := context.WithoutCancel(ctx)

	job, err := c.store.Claim(ctx, d.JobID, r.token, c.opts.LeaseTTL)
	switch {
	case errors.Is(err, repos.ErrAlreadyClaimed):
		// the lease holder may still need this message to retry, so it comes back once the lease could have expired
		log.DebugWithFields("job owned by another worker, deferring delivery", log.Fields{"job_id": d.JobID})
		c.nack(sctx, d, c.opts.LeaseTTL)
		return nil
	case errors.Is(err, repos.ErrJobNotFound):
		log.WarnWithFields("delivery for unknown job, dropping", log.Fields{"job_id": d.JobID})
		return c.ack(sctx, d)
	case err != nil:
		c.nack(sctx, d, c.opts.RetryBackoff)
		return fmt.Errorf("failed to claim job %s: %w", d.JobID, err)
	}
	r.job = job

	workCtx, cancel := context.WithCancel(ctx)
	stop := c.keepAlive(workCtx, r, cancel)
	defer func() {
		cancel()
		stop()
		if err := c.store.Release(sctx, r.job.ID, r.token); err != nil {
			log.Warnf("failed to release lease on job %s: %v", r.job.ID, err)
		}
	}()

	return c.drive(workCtx, sctx, r)
}

// drive loops over checkpoints until the delivery is settled
func (c *Coordinator) drive(ctx, sctx context.Context, r *run) error {
	d := r.delivery
	for {
		job := r.job
		if job.State.IsTerminal() {
			return c.ack(sctx, d)
		}
		if job.CancelRequested {
			return c.cancel(sctx, r)
		}

		stage, ok := job.NextStage()
		if !ok {
			return c.ack(sctx, d)
		}
		if !c.opts.ChainStages && stage.Lane() != d.Lane {
			// redelivered after a crash or enqueued on the wrong lane
			return c.handOff(sctx, r, stage)
		}

		if job.State == models.JobStatePending {
			running := models.JobStateRunning
			first := int(models.StageTranscription)
			updated, err := c.store.Update(sctx, job.ID, r.token, models.JobPatch{
				State:      &running,
				StageIndex: &first,
				Progress:   &models.Progress{Percent: 0, CurrentStep: stage.String(), TotalSteps: models.NumStages},
			})
			if err != nil {
				return c.storeFailure(sctx, r, err)
			}
			r.job = updated
			if updated.CancelRequested {
				continue
			}
		}

		output, runErr := c.execute(ctx, sctx, r, stage)
		if runErr != nil {
			if c.lostLease(r) || ctx.Err() != nil {
				// shutdown or lost lease: the result is discarded and someone else redoes the stage
				c.nack(sctx, d, 0)
				return fmt.Errorf("stage %s of job %s interrupted: %w", stage, job.ID, runErr)
			}
			return c.fail(sctx, r, stage, runErr)
		}

		if err := c.advance(sctx, r, stage, output); err != nil {
			return c.storeFailure(sctx, r, err)
		}
		if r.job.State == models.JobStateSucceeded {
			log.InfoWithFields("job succeeded", log.Fields{"job_id": r.job.ID})
			return c.ack(sctx, d)
		}
		if r.job.CancelRequested {
			return c.cancel(sctx, r)
		}
		if c.opts.ChainStages {
			continue
		}
		next, _ := r.job.NextStage()
		return c.handOff(sctx, r, next)
	}
}

// execute runs stage under its timeout with a progress reporter bound to the lease
func (c *Coordinator) execute(ctx, sctx context.Context, r *run, stage models.Stage) (json.RawMessage, error) {
	settings := c.opts.Stages[stage]
	execCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	jobID := r.job.ID
	report := func(percent int, step string) {
		progress := models.Progress{
			Percent:     overallPercent(stage, percent),
			CurrentStep: step,
			TotalSteps:  models.NumStages,
		}
		// advisory only, a failed write never affects the stage
		if _, err := c.store.Update(sctx, jobID, r.token, models.JobPatch{Progress: &progress}); err != nil {
			log.DebugWithFields("progress update skipped", log.Fields{"job_id": jobID, "error": err.Error()})
		}
	}

	log.InfoWithFields("stage started", log.Fields{"job_id": jobID, "stage": stage.String(), "attempt": r.job.RetryCounts.Get(stage) + 1})
	start := time.Now()
	out, err := c.executors[stage].Run(execCtx, StageInput{
		JobID:     jobID,
		Input:     r.job.Input,
		Previous:  r.job.StageResults,
		Attempt:   r.job.RetryCounts.Get(stage) + 1,
		CreatedAt: r.job.CreatedAt,
	}, report)
	if err != nil && IsTimeout(execCtx.Err()) && ctx.Err() == nil {
		err = Transient(fmt.Errorf("stage %s exceeded its %s timeout: %w", stage, settings.Timeout, err))
	}
	if err == nil {
		log.InfoWithFields("stage completed", log.Fields{"job_id": jobID, "stage": stage.String(), "duration": time.Since(start).String()})
	}
	return out, err
}

// advance persists the stage output and moves the job to the next stage in one atomic patch
func (c *Coordinator) advance(ctx context.Context, r *run, stage models.Stage, output json.RawMessage) error {
	patch := models.JobPatch{
		AppendResult: &models.StageResult{Stage: stage, Output: output, CompletedAt: time.Now().UTC()},
	}
	if stage.IsLast() {
		succeeded := models.JobStateSucceeded
		patch.State = &succeeded
		patch.Progress = &models.Progress{Percent: 100, CurrentStep: "completed", TotalSteps: models.NumStages}
	} else {
		next := int(stage) + 1
		patch.StageIndex = &next
		patch.Progress = &models.Progress{
			Percent:     overallPercent(models.Stage(next), 0),
			CurrentStep: models.Stage(next).String(),
			TotalSteps:  models.NumStages,
		}
	}
	updated, err := c.store.Update(ctx, r.job.ID, r.token, patch)
	if err != nil {
		return err
	}
	r.job = updated
	c.publish(updated)
	return nil
}

// fail applies the retry policy to a stage failure
func (c *Coordinator) fail(ctx context.Context, r *run, stage models.Stage, runErr error) error {
	failure := Describe(runErr, stage)
	retries := r.job.RetryCounts.Get(stage)
	ceiling := c.opts.Stages[stage].RetryCeiling
	fields := log.Fields{"job_id": r.job.ID, "stage": failure.Stage, "kind": failure.Kind.String(), "error": failure.Message}

	if failure.Retryable() && retries < ceiling {
		updated, err := c.store.Update(ctx, r.job.ID, r.token, models.JobPatch{IncrementRetry: &stage})
		if err != nil {
			return c.storeFailure(ctx, r, err)
		}
		r.job = updated
		delay := c.opts.RetryBackoff * time.Duration(retries+1)
		fields["retry"] = retries + 1
		fields["delay"] = delay.String()
		log.WarnWithFields("stage failed, retrying", fields)

		if err := c.store.Release(ctx, r.job.ID, r.token); err != nil {
			log.Warnf("failed to release lease on job %s: %v", r.job.ID, err)
		}
		c.nack(ctx, r.delivery, delay)
		return nil
	}

	failed := models.JobStateFailed
	updated, err := c.store.Update(ctx, r.job.ID, r.token, models.JobPatch{
		State: &failed,
		Error: failure.Record(time.Now().UTC()),
	})
	if err != nil {
		return c.storeFailure(ctx, r, err)
	}
	r.job = updated
	c.publish(updated)
	log.ErrorWithFields("job failed", fields)
	return c.ack(ctx, r.delivery)
}

// cancel moves the job to Cancelled at a checkpoint
func (c *Coordinator) cancel(ctx context.Context, r *run) error {
	cancelled := models.JobStateCancelled
	updated, err := c.store.Update(ctx, r.job.ID, r.token, models.JobPatch{State: &cancelled})
	if err != nil {
		return c.storeFailure(ctx, r, err)
	}
	r.job = updated
	c.publish(updated)
	log.InfoWithFields("job cancelled", log.Fields{"job_id": r.job.ID, "stage_index": r.job.StageIndex})
	return c.ack(ctx, r.delivery)
}

// publish emits the terminal event of job, if it is terminal
func (c *Coordinator) publish(job *models.Job) {
	if c.opts.Events == nil {
		return
	}
	if e, ok := events.ForJob(job); ok {
		c.opts.Events.Publish(e)
	}
}

// handOff releases the job and publishes it on the lane of stage.
// The delivery is acked only after the enqueue succeeded so a crash in between duplicates rather than loses work.
func (c *Coordinator) handOff(ctx context.Context, r *run, stage models.Stage) error {
	if err := c.store.Release(ctx, r.job.ID, r.token); err != nil {
		log.Warnf("failed to release lease on job %s: %v", r.job.ID, err)
	}
	if err := c.broker.Enqueue(ctx, stage.Lane(), r.job.ID); err != nil {
		c.nack(ctx, r.delivery, c.opts.RetryBackoff)
		return fmt.Errorf("failed to hand job %s to lane %s: %w", r.job.ID, stage.Lane(), err)
	}
	log.DebugWithFields("job handed off", log.Fields{"job_id": r.job.ID, "stage": stage.String(), "lane": stage.Lane().String()})
	return c.ack(ctx, r.delivery)
}

// storeFailure settles the delivery after a job store write failed
func (c *Coordinator) storeFailure(ctx context.Context, r *run, err error) error {
	if errors.Is(err, repos.ErrInvalidState) {
		// the job moved on underneath us; nothing left to do for this delivery
		_ = c.ack(ctx, r.delivery)
		return err
	}
	c.nack(ctx, r.delivery, c.opts.RetryBackoff)
	return err
}

func (c *Coordinator) lostLease(r *run) bool {
	select {
	case <-r.lost:
		return true
	default:
		return false
	}
}

// keepAlive renews the lease every third of its ttl until ctx ends.
// When the lease is lost, onLost aborts the running stage.
func (c *Coordinator) keepAlive(ctx context.Context, r *run, onLost context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	jobID := r.job.ID
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := c.store.Renew(ctx, jobID, r.token, c.opts.LeaseTTL)
				if errors.Is(err, repos.ErrLeaseLost) {
					log.WarnWithFields("lease lost", log.Fields{"job_id": jobID})
					close(r.lost)
					onLost()
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warnf("failed to renew lease on job %s: %v", jobID, err)
				}
			}
		}
	}()
	return func() { <-done }
}

func (c *Coordinator) ack(ctx context.Context, d *broker.Delivery) error {
	if err := c.broker.Ack(ctx, d); err != nil {
		log.Warnf("failed to ack delivery %s of job %s: %v", d.ID, d.JobID, err)
		return err
	}
	return nil
}

func (c *Coordinator) nack(ctx context.Context, d *broker.Delivery, delay time.Duration) {
	if err := c.broker.Nack(ctx, d, true, delay); err != nil {
		log.Warnf("failed to nack delivery %s of job %s: %v", d.ID, d.JobID, err)
	}
}
