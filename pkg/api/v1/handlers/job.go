package handlers

import (
	"context"
	"errors"
	"os"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/meetmemo/pipeline/internal/artifacts"
	"github.com/meetmemo/pipeline/internal/asr"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/services"
	"github.com/meetmemo/pipeline/pkg/types"
)

// ArtifactReader reads the stored results of finished jobs
type ArtifactReader interface {
	Load(ctx context.Context, jobID string) (*artifacts.Record, error)
	DocumentPath(jobID string) string
}

// JobHandler handles HTTP requests for job operations
type JobHandler struct {
	jobService *services.Job
	artifacts  ArtifactReader
}

// NewJobHandler creates a new job handler instance
func NewJobHandler(s *services.Job, a ArtifactReader) *JobHandler {
	return &JobHandler{jobService: s, artifacts: a}
}

// SubmitJob handles the request to submit a new job
func (h *JobHandler) SubmitJob(c *fiber.Ctx) error {
	var req types.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(types.ErrInvalidInput(ErrMsgInvalidReqBody))
	}

	job, err := h.jobService.Submit(c.UserContext(), req.Input())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(types.Success(types.NewJobStatus(job)))
}

// GetJob returns the current snapshot of a job. It only reads persisted state.
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(types.ErrInvalidInput(ErrMsgJobIDRequired))
	}

	job, err := h.jobService.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(types.Success(types.NewJobStatus(job)))
}

// CancelJob handles the request to cancel a job
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(types.ErrInvalidInput(ErrMsgJobIDRequired))
	}

	job, err := h.jobService.Cancel(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(types.Success(types.NewJobStatus(job)))
}

// ListJobs handles the request to list jobs, optionally filtered by state
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		return c.Status(fiber.StatusBadRequest).
			JSON(types.ErrInvalidInput(ErrMsgNegativePagination))
	}
	opts := getPaginationOptions(page)

	if stateStr := c.Query("state"); stateStr != "" {
		state, err := models.ParseJobState(stateStr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(types.ErrInvalidInput(ErrMsgInvalidJobState))
		}
		opts.State = &state
	}

	jobs, err := h.jobService.List(c.UserContext(), opts)
	if err != nil {
		return err
	}
	total, err := h.jobService.Count(c.UserContext(), opts.State)
	if err != nil {
		return err
	}

	rows := make([]types.JobStatus, 0, len(jobs))
	for i := range jobs {
		rows = append(rows, types.NewJobStatus(&jobs[i]))
	}
	return c.JSON(types.Success(types.ListResponse[types.JobStatus]{
		Rows: rows,
		Pagination: types.PaginationResponse{
			Total:  int(total),
			Page:   page,
			Limit:  opts.Limit,
			Offset: opts.Offset,
		},
	}))
}

// GetJobStats handles the request to count jobs per state
func (h *JobHandler) GetJobStats(c *fiber.Ctx) error {
	counts, err := h.jobService.Stats(c.UserContext())
	if err != nil {
		return err
	}

	resp := types.JobStatsResponse{ByState: make(map[string]int64, len(counts))}
	for state, n := range counts {
		resp.ByState[state.String()] = n
		resp.Total += n
	}
	return c.JSON(types.Success(resp))
}

// GetJobResult returns the durable result record written by the persistence stage
func (h *JobHandler) GetJobResult(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.jobService.Get(c.UserContext(), id); err != nil {
		return err
	}

	rec, err := h.artifacts.Load(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(types.Success(rec))
}

// GetJobDocument downloads the summary document of a job
func (h *JobHandler) GetJobDocument(c *fiber.Ctx) error {
	id := c.Params("id")
	job, err := h.jobService.Get(c.UserContext(), id)
	if err != nil {
		return err
	}

	path := h.artifacts.DocumentPath(job.ID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return artifacts.ErrNotFound
		}
		return err
	}
	return c.Download(path, job.Input.Title+".docx")
}

// UploadJob stores an uploaded recording and submits it as a job
func (h *JobHandler) UploadJob(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(types.ErrInvalidInput(ErrMsgFileRequired))
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	job, err := h.jobService.SaveUpload(c.UserContext(), fh.Filename, fh.Size, f, models.JobInput{
		Title:         c.FormValue("title"),
		Language:      c.FormValue("language"),
		EngineVariant: c.FormValue("engine_variant"),
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(types.Success(types.NewJobStatus(job)))
}

// GetUploadFormats lists what the upload endpoint accepts
func (h *JobHandler) GetUploadFormats(c *fiber.Ctx) error {
	formats, maxSize := h.jobService.UploadFormats()
	return c.JSON(types.Success(types.UploadFormatsResponse{
		Formats:        formats,
		MaxFileSize:    maxSize,
		Languages:      asr.Languages(),
		EngineVariants: append([]string{models.EngineVariantDefault}, asr.Models()...),
	}))
}
