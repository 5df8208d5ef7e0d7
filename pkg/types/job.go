package types

import (
	"encoding/json"
	"time"

	"github.com/meetmemo/pipeline/internal/db/models"
)

// SubmitJobRequest is the body of a job submission
// swagger:model
// Example: {"audio_reference":"uploads/3f0c.mp3","title":"Weekly sync","language":"auto","engine_variant":"default"}
type SubmitJobRequest struct {
	// Path or URI of the source recording
	AudioReference string `json:"audio_reference"`

	// Optional meeting title, defaults to "Meeting recording <timestamp>"
	Title string `json:"title,omitempty"`

	// Language hint or "auto"
	Language string `json:"language,omitempty"`

	// ASR model variant or "default"
	EngineVariant string `json:"engine_variant,omitempty"`
}

// Input converts the request into a job input
func (r SubmitJobRequest) Input() models.JobInput {
	return models.JobInput{
		AudioReference: r.AudioReference,
		Title:          r.Title,
		Language:       r.Language,
		EngineVariant:  r.EngineVariant,
	}
}

// JobStatus is the snapshot of a job returned by the status API
// swagger:model
type JobStatus struct {
	ID              string                     `json:"id"`
	State           models.JobState            `json:"state"`
	Stage           string                     `json:"stage,omitempty"`
	Progress        models.Progress            `json:"progress"`
	Input           models.JobInput            `json:"input"`
	Result          map[string]json.RawMessage `json:"result,omitempty"`
	Error           *models.FailureRecord      `json:"error,omitempty"`
	CancelRequested bool                       `json:"cancel_requested"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// NewJobStatus builds the status snapshot of job. Result holds the output of every completed stage.
func NewJobStatus(job *models.Job) JobStatus {
	status := JobStatus{
		ID:              job.ID,
		State:           job.State,
		Progress:        job.Progress,
		Input:           job.Input,
		Error:           job.Error,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if job.State == models.JobStateRunning {
		status.Stage = models.Stage(job.StageIndex).String()
	}
	if len(job.StageResults) > 0 {
		status.Result = make(map[string]json.RawMessage, len(job.StageResults))
		for _, res := range job.StageResults {
			status.Result[res.Stage.String()] = res.Output
		}
	}
	return status
}

// JobStatsResponse counts jobs per state
// swagger:model
// Example: {"total":3,"by_state":{"pending":1,"running":1,"succeeded":1,"failed":0,"cancelled":0}}
type JobStatsResponse struct {
	Total   int64            `json:"total"`
	ByState map[string]int64 `json:"by_state"`
}

// UploadFormatsResponse describes what the upload endpoint accepts
// swagger:model
type UploadFormatsResponse struct {
	Formats        []string `json:"formats"`
	MaxFileSize    int64    `json:"max_file_size"`
	Languages      []string `json:"languages"`
	EngineVariants []string `json:"engine_variants"`
}
