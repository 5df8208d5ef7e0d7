package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meetmemo/pipeline/internal/db/models"
)

// JobRepository provides access to job-related database operations.
// Claim is the single enforcement point of the one-lease-per-job invariant.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository instance
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// now is the clock used for leases; UTC keeps stored timestamps comparable across drivers
func now() time.Time {
	return time.Now().UTC()
}

// Create creates a new job in the database and returns its id
func (r *JobRepository) Create(ctx context.Context, job *models.Job) (string, error) {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	return job.ID, nil
}

// GetByID retrieves a job by its ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns a page of jobs, newest first
func (r *JobRepository) List(ctx context.Context, opts *models.ListOptions) ([]models.Job, error) {
	if opts == nil {
		opts = &models.ListOptions{Limit: models.DefaultLimit}
	}
	var jobs []models.Job
	qry := r.withState(r.db.WithContext(ctx).Model(&models.Job{}), opts.State)
	if opts.Limit > 0 {
		qry = qry.Limit(opts.Limit)
	}
	err := qry.Offset(opts.Offset).
		Order(models.JobCreatedAtField + " DESC").
		Find(&jobs).Error
	return jobs, err
}

// Count returns the number of jobs in state, or of all jobs when state is nil
func (r *JobRepository) Count(ctx context.Context, state *models.JobState) (int64, error) {
	var count int64
	if err := r.withState(r.db.WithContext(ctx).Model(&models.Job{}), state).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func (r *JobRepository) withState(qry *gorm.DB, state *models.JobState) *gorm.DB {
	if state != nil && *state != models.JobStateUnknown {
		return qry.Where(models.JobStateField+" = ?", *state)
	}
	return qry
}

// CountByState returns the number of jobs in each state
func (r *JobRepository) CountByState(ctx context.Context) (map[models.JobState]int64, error) {
	var rows []struct {
		State models.JobState
		Count int64
	}
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select(models.JobStateField + ", count(*) as count").
		Group(models.JobStateField).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[models.JobState]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}

// Claim grants token an exclusive lease on the job for ttl.
// A lease that has expired can be taken over, which is how a crashed worker's job becomes claimable again.
func (r *JobRepository) Claim(ctx context.Context, id, token string, ttl time.Duration) (*models.Job, error) {
	ts := now()
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Where("("+models.JobLeaseOwnerField+" = '' OR "+models.JobLeaseOwnerField+" = ? OR "+
			models.JobLeaseExpiresAtField+" IS NULL OR "+models.JobLeaseExpiresAtField+" < ?)", token, ts).
		UpdateColumns(map[string]interface{}{
			models.JobLeaseOwnerField:     token,
			models.JobLeaseExpiresAtField: ts.Add(ttl),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
	}
	return r.GetByID(ctx, id)
}

// Renew extends a lease still held by token
func (r *JobRepository) Renew(ctx context.Context, id, token string, ttl time.Duration) error {
	ts := now()
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND "+models.JobLeaseOwnerField+" = ? AND "+models.JobLeaseExpiresAtField+" >= ?", id, token, ts).
		UpdateColumn(models.JobLeaseExpiresAtField, ts.Add(ttl))
	if res.Error != nil {
		return fmt.Errorf("failed to renew lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

// Release gives up the lease held by token. Releasing a lease that is not held is a no-op.
func (r *JobRepository) Release(ctx context.Context, id, token string) error {
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND "+models.JobLeaseOwnerField+" = ?", id, token).
		UpdateColumns(map[string]interface{}{
			models.JobLeaseOwnerField:     "",
			models.JobLeaseExpiresAtField: nil,
		}).Error
}

// Update atomically applies patch to the job on behalf of the lease holder and returns the updated job.
// The returned job reflects concurrent writes such as a cancellation request.
func (r *JobRepository) Update(ctx context.Context, id, token string, patch models.JobPatch) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if !job.HasLease(token, now()) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}
		if err := patch.Apply(&job); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return tx.Save(&job).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RequestCancel records a cancellation request.
// A pending job nobody holds a lease on is cancelled right away; otherwise the flag is set
// and the lease holder observes it at its next checkpoint.
func (r *JobRepository) RequestCancel(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if job.State.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.State)
		}

		job.CancelRequested = true
		leased := job.LeaseOwner != "" && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now())
		if job.State == models.JobStatePending && !leased {
			job.State = models.JobStateCancelled
		}
		return tx.Save(&job).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Delete removes a job. Only used to roll back a submission that could not be enqueued.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Job{}).Error
}
