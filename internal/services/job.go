package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meetmemo/pipeline/internal/asr"
	"github.com/meetmemo/pipeline/internal/broker"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/db/repos"
	"github.com/meetmemo/pipeline/internal/logger"
)

var (
	// ErrBackendUnavailable is returned when a job cannot be queued. The job is not kept.
	ErrBackendUnavailable = errors.New("job queue backend unavailable")
	// ErrInvalidInput is returned for a submission or upload that can never be processed
	ErrInvalidInput = errors.New("invalid job input")
)

// JobOptions configures submissions and uploads
type JobOptions struct {
	UploadDir      string
	MaxFileSize    int64
	AllowedFormats []string
}

// Job provides business logic for job operations
type Job struct {
	jobRepo *repos.JobRepository
	broker  broker.Broker
	opts    JobOptions
	now     func() time.Time
}

// NewJobService creates a new job service instance
func NewJobService(jobRepo *repos.JobRepository, b broker.Broker, opts JobOptions) *Job {
	return &Job{jobRepo: jobRepo, broker: b, opts: opts, now: time.Now}
}

// DefaultTitle is the title given to a job submitted without one
func DefaultTitle(t time.Time) string {
	return "Meeting recording " + t.Format("20060102_150405")
}

// Submit validates input, stores the job and queues it on the default lane.
// When the broker cannot take the job it is removed again and ErrBackendUnavailable is returned.
func (s *Job) Submit(ctx context.Context, input models.JobInput) (*models.Job, error) {
	input, err := s.normalize(input)
	if err != nil {
		return nil, err
	}

	if err := s.broker.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	job := &models.Job{Input: input}
	id, err := s.jobRepo.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.broker.Enqueue(ctx, models.LaneDefault, id); err != nil {
		if delErr := s.jobRepo.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			logger.Errorf("failed to remove unqueued job %s: %v", id, delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	logger.InfoWithFields("job submitted", logger.Fields{
		"job_id":   id,
		"title":    input.Title,
		"language": input.Language,
		"variant":  input.EngineVariant,
	})
	return job, nil
}

func (s *Job) normalize(input models.JobInput) (models.JobInput, error) {
	input.AudioReference = strings.TrimSpace(input.AudioReference)
	input.Title = strings.TrimSpace(input.Title)
	input.Language = strings.ToLower(strings.TrimSpace(input.Language))
	input.EngineVariant = strings.ToLower(strings.TrimSpace(input.EngineVariant))

	if input.AudioReference == "" {
		return input, fmt.Errorf("%w: audio reference is required", ErrInvalidInput)
	}
	if input.Language == "" {
		input.Language = models.LanguageAuto
	}
	if !asr.SupportsLanguage(input.Language) {
		return input, fmt.Errorf("%w: unsupported language %q", ErrInvalidInput, input.Language)
	}
	if input.EngineVariant == "" {
		input.EngineVariant = models.EngineVariantDefault
	}
	if input.EngineVariant != models.EngineVariantDefault && !contains(asr.Models(), input.EngineVariant) {
		return input, fmt.Errorf("%w: unknown engine variant %q", ErrInvalidInput, input.EngineVariant)
	}
	if input.Title == "" {
		input.Title = DefaultTitle(s.now())
	}
	return input, nil
}

// Get retrieves a job by id
func (s *Job) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.jobRepo.GetByID(ctx, id)
}

// Cancel requests cancellation; it is rejected with repos.ErrInvalidState once the job is terminal
func (s *Job) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.jobRepo.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.InfoWithFields("job cancellation requested", logger.Fields{"job_id": id, "state": job.State})
	return job, nil
}

// List retrieves a paginated list of jobs
func (s *Job) List(ctx context.Context, opts *models.ListOptions) ([]models.Job, error) {
	return s.jobRepo.List(ctx, opts)
}

// Count returns how many jobs match state across all pages
func (s *Job) Count(ctx context.Context, state *models.JobState) (int64, error) {
	return s.jobRepo.Count(ctx, state)
}

// Stats counts jobs per state; every state is present in the result
func (s *Job) Stats(ctx context.Context) (map[models.JobState]int64, error) {
	counts, err := s.jobRepo.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range []models.JobState{
		models.JobStatePending, models.JobStateRunning, models.JobStateSucceeded,
		models.JobStateFailed, models.JobStateCancelled,
	} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

// UploadFormats returns the accepted file extensions and the size limit
func (s *Job) UploadFormats() ([]string, int64) {
	return s.opts.AllowedFormats, s.opts.MaxFileSize
}

// SaveUpload stores an uploaded recording under a fresh name and submits it.
// The stored file is removed again when the submission fails.
func (s *Job) SaveUpload(ctx context.Context, filename string, size int64, r io.Reader, input models.JobInput) (*models.Job, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !contains(s.opts.AllowedFormats, ext) {
		return nil, fmt.Errorf("%w: unsupported file format %q, allowed: %s",
			ErrInvalidInput, ext, strings.Join(s.opts.AllowedFormats, ", "))
	}
	if size > s.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: file too large, max %d bytes", ErrInvalidInput, s.opts.MaxFileSize)
	}
	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	path := filepath.Join(s.opts.UploadDir, uuid.NewString()+"."+ext)
	written, err := writeUpload(path, r, s.opts.MaxFileSize)
	if err != nil {
		return nil, err
	}
	if written == 0 {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}

	input.AudioReference = path
	input.OriginalFilename = filepath.Base(filename)
	input.FileSize = written
	job, err := s.Submit(ctx, input)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return job, nil
}

func writeUpload(path string, r io.Reader, limit int64) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to store upload: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(r, limit+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("failed to store upload: %w", err)
	}
	if written > limit {
		_ = os.Remove(path)
		return 0, fmt.Errorf("%w: file too large, max %d bytes", ErrInvalidInput, limit)
	}
	return written, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SubmitFile submits a recording from the local filesystem with default options.
// The file is moved into the upload directory.
func (s *Job) SubmitFile(ctx context.Context, path string) (*models.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	job, err := s.SaveUpload(ctx, filepath.Base(path), info.Size(), f, models.JobInput{})
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		logger.Warnf("failed to remove submitted file %s: %v", path, err)
	}
	return job, nil
}
