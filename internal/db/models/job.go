package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Field names for job model
const (
	// JobCreatedAtField is the database field name for the job creation timestamp
	JobCreatedAtField = "created_at"
	// JobStateField is the database field name for the job state
	JobStateField = "state"
	// JobLeaseOwnerField is the database field name for the current lease holder
	JobLeaseOwnerField = "lease_owner"
	// JobLeaseExpiresAtField is the database field name for the lease expiry
	JobLeaseExpiresAtField = "lease_expires_at"
	// JobCancelRequestedField is the database field name for the cancellation flag
	JobCancelRequestedField = "cancel_requested"
)

// Input defaults
const (
	// LanguageAuto asks the ASR engine to detect the spoken language
	LanguageAuto = "auto"
	// EngineVariantDefault selects the configured default ASR model
	EngineVariantDefault = "default"
)

// JobState represents the lifecycle state of a job
type JobState string

// Job state constants
const (
	// JobStateUnknown represents an unknown or invalid job state
	JobStateUnknown JobState = "unknown"
	// JobStatePending indicates the job is waiting for its first stage
	JobStatePending JobState = "pending"
	// JobStateRunning indicates the job is inside the stage given by StageIndex
	JobStateRunning JobState = "running"
	// JobStateSucceeded indicates every stage completed
	JobStateSucceeded JobState = "succeeded"
	// JobStateFailed indicates a stage failed terminally
	JobStateFailed JobState = "failed"
	// JobStateCancelled indicates the job was cancelled before completion
	JobStateCancelled JobState = "cancelled"
)

// String returns the string representation of the job state
func (s JobState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// ParseJobState converts a string to a JobState type
func ParseJobState(str string) (JobState, error) {
	switch JobState(strings.ToLower(str)) {
	case JobStateUnknown:
		return JobStateUnknown, nil
	case JobStatePending:
		return JobStatePending, nil
	case JobStateRunning:
		return JobStateRunning, nil
	case JobStateSucceeded:
		return JobStateSucceeded, nil
	case JobStateFailed:
		return JobStateFailed, nil
	case JobStateCancelled:
		return JobStateCancelled, nil
	default:
		return JobStateUnknown, fmt.Errorf("invalid job state: %s", str)
	}
}

// JobInput is the opaque reference to the source media plus processing options
type JobInput struct {
	AudioReference   string `json:"audio_reference"`
	Title            string `json:"title,omitempty"`
	Language         string `json:"language"`
	EngineVariant    string `json:"engine_variant"`
	OriginalFilename string `json:"original_filename,omitempty"`
	FileSize         int64  `json:"file_size,omitempty"`
}

// Progress is advisory only and is overwritten on every stage transition
type Progress struct {
	Percent     int    `json:"percent"`
	CurrentStep string `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
}

// StageResult is the persisted output of one successful stage
type StageResult struct {
	Stage       Stage           `json:"stage"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completed_at"`
}

// StageResults is the ordered, append-only list of stage outputs
type StageResults []StageResult

// Get returns the result recorded for stage, if any
func (r StageResults) Get(stage Stage) (StageResult, bool) {
	for _, res := range r {
		if res.Stage == stage {
			return res, true
		}
	}
	return StageResult{}, false
}

// FailureRecord is the typed failure stored on a failed job
type FailureRecord struct {
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RetryCounts holds the retry counter of each stage keyed by stage name
type RetryCounts map[string]int

// Get returns the retry counter of stage
func (r RetryCounts) Get(stage Stage) int {
	if r == nil {
		return 0
	}
	return r[stage.String()]
}

// Job is one end-to-end unit of work moving through the pipeline stages
type Job struct {
	ID              string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Input           JobInput       `json:"input" gorm:"serializer:json;type:jsonb;not null"`
	State           JobState       `json:"state" gorm:"not null;index"`
	StageIndex      int            `json:"stage_index" gorm:"not null;default:0"`
	Progress        Progress       `json:"progress" gorm:"embedded;embeddedPrefix:progress_"`
	StageResults    StageResults   `json:"stage_results" gorm:"serializer:json;type:jsonb"`
	Error           *FailureRecord `json:"error,omitempty" gorm:"serializer:json;type:jsonb"`
	RetryCounts     RetryCounts    `json:"retry_counts" gorm:"serializer:json;type:jsonb"`
	CancelRequested bool           `json:"cancel_requested" gorm:"not null;default:false"`
	LeaseOwner      string         `json:"-" gorm:"not null;default:'';index"`
	LeaseExpiresAt  *time.Time     `json:"-" gorm:"index"`
	CreatedAt       time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate ensures that the job data is valid
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Input.AudioReference) == "" {
		return errors.New("audio reference cannot be empty")
	}
	if len(j.StageResults) > j.StageIndex+1 {
		return fmt.Errorf("job has %d stage results at stage index %d", len(j.StageResults), j.StageIndex)
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new job
func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.State == "" {
		j.State = JobStatePending
	}
	if j.Input.Language == "" {
		j.Input.Language = LanguageAuto
	}
	if j.Input.EngineVariant == "" {
		j.Input.EngineVariant = EngineVariantDefault
	}
	if j.Progress.TotalSteps == 0 {
		j.Progress.TotalSteps = NumStages
	}
	return j.Validate()
}

// NextStage resolves the stage that has to run next, false when the job has nothing left to run
func (j *Job) NextStage() (Stage, bool) {
	switch j.State {
	case JobStatePending:
		return StageTranscription, true
	case JobStateRunning:
		stage := Stage(j.StageIndex)
		return stage, stage.Valid()
	default:
		return 0, false
	}
}

// HasLease reports whether token currently holds an unexpired lease on the job
func (j *Job) HasLease(token string, now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseOwner == token &&
		j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// ValidateTransition checks that moving from (from, fromIdx) to (to, toIdx) respects the state machine.
// Running may only move forward through stage indices and terminal states never change.
func ValidateTransition(from JobState, fromIdx int, to JobState, toIdx int) error {
	if from == to && fromIdx == toIdx {
		return nil
	}
	if from.IsTerminal() {
		return fmt.Errorf("invalid transition: %s is terminal", from)
	}
	switch to {
	case JobStatePending:
		return fmt.Errorf("invalid transition: %s -> %s", from, to)
	case JobStateRunning:
		if toIdx < 0 || toIdx >= NumStages {
			return fmt.Errorf("invalid transition: stage index %d out of range", toIdx)
		}
		if from == JobStateRunning && toIdx < fromIdx {
			return fmt.Errorf("invalid transition: running(%d) -> running(%d)", fromIdx, toIdx)
		}
		if from == JobStatePending && toIdx != 0 {
			return fmt.Errorf("invalid transition: pending -> running(%d)", toIdx)
		}
		return nil
	case JobStateSucceeded:
		if from != JobStateRunning || fromIdx != NumStages-1 {
			return fmt.Errorf("invalid transition: %s(%d) -> %s", from, fromIdx, to)
		}
		return nil
	case JobStateFailed:
		if from != JobStateRunning {
			return fmt.Errorf("invalid transition: %s -> %s", from, to)
		}
		return nil
	case JobStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transition: unknown target state %q", to)
	}
}

// JobPatch is an atomic partial update applied by the lease holder.
// Nil fields are left untouched.
type JobPatch struct {
	State        *JobState
	StageIndex   *int
	Progress     *Progress
	AppendResult *StageResult
	Error        *FailureRecord
	// IncrementRetry bumps the retry counter of the given stage
	IncrementRetry *Stage
}

// Apply validates the patch against j and mutates it in place
func (p JobPatch) Apply(j *Job) error {
	toState, toIdx := j.State, j.StageIndex
	if p.State != nil {
		toState = *p.State
	}
	if p.StageIndex != nil {
		toIdx = *p.StageIndex
	}
	if err := ValidateTransition(j.State, j.StageIndex, toState, toIdx); err != nil {
		return err
	}
	if j.State.IsTerminal() {
		return fmt.Errorf("job %s is %s", j.ID, j.State)
	}

	if p.AppendResult != nil {
		if int(p.AppendResult.Stage) != len(j.StageResults) {
			return fmt.Errorf("cannot append %s result: job already has %d results", p.AppendResult.Stage, len(j.StageResults))
		}
		j.StageResults = append(j.StageResults, *p.AppendResult)
	}
	if p.IncrementRetry != nil {
		if j.RetryCounts == nil {
			j.RetryCounts = RetryCounts{}
		}
		j.RetryCounts[p.IncrementRetry.String()]++
	}
	if p.Error != nil {
		j.Error = p.Error
	}
	// progress is frozen once the job leaves the running path
	if p.Progress != nil && toState != JobStateFailed && toState != JobStateCancelled {
		j.Progress = *p.Progress
	}

	j.State, j.StageIndex = toState, toIdx
	return j.Validate()
}
