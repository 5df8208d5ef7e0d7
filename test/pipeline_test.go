package test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/suite"

	"github.com/meetmemo/pipeline/config"
	"github.com/meetmemo/pipeline/internal/asr"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/executors"
	"github.com/meetmemo/pipeline/internal/pipeline"
	"github.com/meetmemo/pipeline/pkg/types"
)

// PipelineTestSuite drives jobs through the real API, coordinator and workers
type PipelineTestSuite struct {
	suite.Suite
}

func TestPipeline(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

// start wires a fresh pipeline for the current test and starts its workers
func (s *PipelineTestSuite) start(opts ...Option) *Suite {
	env := NewSuite(s.T(), opts...)
	s.T().Cleanup(env.Cleanup)
	env.StartWorkers()
	return env
}

func (s *PipelineTestSuite) submit(env *Suite, req types.SubmitJobRequest) types.JobStatus {
	if req.AudioReference == "" {
		req.AudioReference = env.AudioFile("meeting.wav")
	}
	job, err := env.APIClient.SubmitJob(env.Context(), req)
	s.Require().NoError(err)
	s.Require().NotEmpty(job.ID)
	return job
}

func (s *PipelineTestSuite) assertSucceeded(env *Suite, status types.JobStatus) {
	s.Require().Equal(models.JobStateSucceeded, status.State, "error: %+v", status.Error)
	s.Equal(100, status.Progress.Percent)
	s.Equal(models.NumStages, status.Progress.TotalSteps)
	for _, stage := range models.Stages() {
		s.Contains(status.Result, stage.String())
	}

	rec, err := env.APIClient.GetJobResult(env.Context(), status.ID)
	s.Require().NoError(err)
	s.Equal(status.ID, rec.JobID)

	var summary executors.SummaryOutput
	s.Require().NoError(json.Unmarshal(rec.Summary, &summary))
	s.Equal("deepseek-chat", summary.ModelID)
	s.FileExists(env.App.Artifacts.DocumentPath(status.ID))
}

func (s *PipelineTestSuite) TestSubmitRunsEveryStage() {
	env := s.start()

	job := s.submit(env, types.SubmitJobRequest{Title: "Release planning", Language: "en"})
	s.Equal(models.JobStatePending, job.State)

	status := env.WaitForTerminal(job.ID)
	s.assertSucceeded(env, status)
	s.Equal(1, env.ASR.Calls())

	reqs := env.LLM.Requests()
	s.Require().Len(reqs, 1)
	s.False(reqs[0].Stream)
	s.Contains(reqs[0].Messages[len(reqs[0].Messages)-1].Content, "Release planning")
}

func (s *PipelineTestSuite) TestChainedStages() {
	env := s.start(WithConfig(func(cfg *config.Config) { cfg.ChainStages = true }))

	job := s.submit(env, types.SubmitJobRequest{})
	s.assertSucceeded(env, env.WaitForTerminal(job.ID))
}

// A silent recording produces an empty transcript that is still summarized
func (s *PipelineTestSuite) TestEmptyTranscriptStillSummarized() {
	env := s.start()
	env.ASR.TranscribeFn = func(_ context.Context, req asr.Request) (*asr.Transcript, error) {
		s.Equal(models.LanguageAuto, req.Language)
		return &asr.Transcript{Text: "", Language: "en", Duration: 5}, nil
	}

	job := s.submit(env, types.SubmitJobRequest{Language: "auto"})
	status := env.WaitForTerminal(job.ID)

	s.assertSucceeded(env, status)
	var transcript executors.TranscriptionOutput
	s.Require().NoError(json.Unmarshal(status.Result[models.StageTranscription.String()], &transcript))
	s.Empty(transcript.Text)
	s.Len(env.LLM.Requests(), 1)
}

// Rate limiting is transient: the stage is retried up to its ceiling, then the job fails
func (s *PipelineTestSuite) TestRateLimitedSummaryFailsAfterRetries() {
	env := s.start()
	env.LLM.RespondFn = func(int, ChatRequest) (int, string) {
		return http.StatusTooManyRequests, ErrorBody("rate limit reached")
	}

	job := s.submit(env, types.SubmitJobRequest{})
	status := env.WaitForTerminal(job.ID)

	s.Require().Equal(models.JobStateFailed, status.State)
	s.Require().NotNil(status.Error)
	s.Equal(pipeline.KindTransient.String(), status.Error.Kind)
	s.Equal(models.StageSummarization.String(), status.Error.Stage)
	s.Contains(status.Error.Message, "rate limit")

	ceiling := env.Config.Stage(models.StageSummarization).RetryCeiling
	s.Len(env.LLM.Requests(), ceiling+1)

	// the transcription result survives the failure
	s.Contains(status.Result, models.StageTranscription.String())
	s.NotContains(status.Result, models.StageSummarization.String())

	// failed is final
	time.Sleep(50 * time.Millisecond)
	again, err := env.APIClient.GetJob(env.Context(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.JobStateFailed, again.State)
	s.Len(env.LLM.Requests(), ceiling+1)
}

func (s *PipelineTestSuite) TestMissingCredentialIsPrecondition() {
	env := s.start(WithConfig(func(cfg *config.Config) { cfg.LLMCredential = "" }))

	job := s.submit(env, types.SubmitJobRequest{})
	status := env.WaitForTerminal(job.ID)

	s.Require().Equal(models.JobStateFailed, status.State)
	s.Equal(pipeline.KindPrecondition.String(), status.Error.Kind)
	s.Empty(env.LLM.Requests())
}

// Cancelling while transcription runs lets the stage finish and persist, then stops the job
func (s *PipelineTestSuite) TestCancelWhileTranscribing() {
	env := s.start()
	started := make(chan struct{})
	release := make(chan struct{})
	env.ASR.TranscribeFn = func(ctx context.Context, _ asr.Request) (*asr.Transcript, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &asr.Transcript{Text: "status update", Language: "en"}, nil
	}

	job := s.submit(env, types.SubmitJobRequest{})
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		s.FailNow("transcription never started")
	}

	running := env.WaitForState(job.ID, models.JobStateRunning)
	s.Equal(models.StageTranscription.String(), running.Stage)

	accepted, err := env.APIClient.CancelJob(env.Context(), job.ID)
	s.Require().NoError(err)
	s.True(accepted.CancelRequested)
	s.Equal(models.JobStateRunning, accepted.State)

	close(release)
	status := env.WaitForTerminal(job.ID)

	s.Equal(models.JobStateCancelled, status.State)
	s.Contains(status.Result, models.StageTranscription.String())
	s.NotContains(status.Result, models.StageSummarization.String())
	s.Empty(env.LLM.Requests())
}

func (s *PipelineTestSuite) TestCancelPendingJobNeverRuns() {
	env := NewSuite(s.T())
	s.T().Cleanup(env.Cleanup)

	job := s.submit(env, types.SubmitJobRequest{})
	cancelled, err := env.APIClient.CancelJob(env.Context(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.JobStateCancelled, cancelled.State)

	env.StartWorkers()
	s.Never(func() bool { return env.ASR.Calls() > 0 }, 200*time.Millisecond, 10*time.Millisecond)

	status, err := env.APIClient.GetJob(env.Context(), job.ID)
	s.Require().NoError(err)
	s.Equal(models.JobStateCancelled, status.State)
	s.Empty(status.Result)

	// a finished job cannot be cancelled again
	_, err = env.APIClient.CancelJob(env.Context(), job.ID)
	var fiberErr *fiber.Error
	s.Require().True(errors.As(err, &fiberErr))
	s.Equal(http.StatusConflict, fiberErr.Code)
}

func (s *PipelineTestSuite) TestUploadRecording() {
	env := s.start()

	path := env.AudioFile("Weekly Sync.mp3")
	job, err := env.APIClient.UploadJob(env.Context(), path, types.SubmitJobRequest{Title: "Weekly sync", Language: "zh"})
	s.Require().NoError(err)
	s.Equal("Weekly Sync.mp3", job.Input.OriginalFilename)
	s.Equal("zh", job.Input.Language)
	s.Equal(env.Config.UploadDir, filepath.Dir(job.Input.AudioReference))

	s.assertSucceeded(env, env.WaitForTerminal(job.ID))

	// the prompt follows the requested language
	reqs := env.LLM.Requests()
	s.Require().Len(reqs, 1)
	prompt := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	s.True(strings.ContainsFunc(prompt, func(r rune) bool { return r > 127 }))

	formats, err := env.APIClient.GetUploadFormats(env.Context())
	s.Require().NoError(err)
	s.Equal(env.Config.AllowedFormats, formats.Formats)
	s.Contains(formats.EngineVariants, models.EngineVariantDefault)
}

func (s *PipelineTestSuite) TestRejectedSubmissions() {
	env := NewSuite(s.T())
	s.T().Cleanup(env.Cleanup)

	var fiberErr *fiber.Error
	_, err := env.APIClient.SubmitJob(env.Context(), types.SubmitJobRequest{})
	s.Require().True(errors.As(err, &fiberErr))
	s.Equal(http.StatusBadRequest, fiberErr.Code)

	_, err = env.APIClient.SubmitJob(env.Context(), types.SubmitJobRequest{AudioReference: "a.wav", EngineVariant: "gigantic"})
	s.Require().True(errors.As(err, &fiberErr))
	s.Equal(http.StatusBadRequest, fiberErr.Code)

	notes := filepath.Join(s.T().TempDir(), "notes.txt")
	s.Require().NoError(os.WriteFile(notes, []byte("not audio"), 0o600))
	_, err = env.APIClient.UploadJob(env.Context(), notes, types.SubmitJobRequest{})
	s.Require().True(errors.As(err, &fiberErr))
	s.Equal(http.StatusBadRequest, fiberErr.Code)

	_, err = env.APIClient.GetJob(env.Context(), "00000000-0000-0000-0000-000000000000")
	s.Require().True(errors.As(err, &fiberErr))
	s.Equal(http.StatusNotFound, fiberErr.Code)
}

func (s *PipelineTestSuite) TestListAndStats() {
	env := NewSuite(s.T())
	s.T().Cleanup(env.Cleanup)

	first := s.submit(env, types.SubmitJobRequest{Title: "first"})
	s.submit(env, types.SubmitJobRequest{Title: "second"})
	_, err := env.APIClient.CancelJob(env.Context(), first.ID)
	s.Require().NoError(err)

	stats, err := env.APIClient.GetJobStats(env.Context())
	s.Require().NoError(err)
	s.Equal(int64(2), stats.Total)
	s.Equal(int64(1), stats.ByState[models.JobStatePending.String()])
	s.Equal(int64(1), stats.ByState[models.JobStateCancelled.String()])
	s.Equal(int64(0), stats.ByState[models.JobStateRunning.String()])

	pending, err := env.APIClient.ListJobs(env.Context(), models.JobStatePending.String(), 1)
	s.Require().NoError(err)
	s.Require().Len(pending.Rows, 1)
	s.Equal("second", pending.Rows[0].Input.Title)

	s.Equal(1, pending.Pagination.Total)

	all, err := env.APIClient.ListJobs(env.Context(), "", 0)
	s.Require().NoError(err)
	s.Len(all.Rows, 2)
	s.Equal(2, all.Pagination.Total)

	// past the last page the total still counts every job
	beyond, err := env.APIClient.ListJobs(env.Context(), "", 2)
	s.Require().NoError(err)
	s.Empty(beyond.Rows)
	s.Equal(2, beyond.Pagination.Total)
	s.Equal(2, beyond.Pagination.Page)
}

func (s *PipelineTestSuite) TestHealthEndpoints() {
	env := NewSuite(s.T())
	s.T().Cleanup(env.Cleanup)

	basic, err := env.APIClient.HealthCheck(env.Context())
	s.Require().NoError(err)
	s.Equal("healthy", basic["status"])

	// degraded or not depends on the host disk, the dependency checks do not
	report, _ := env.APIClient.DetailedHealth(env.Context())
	s.Require().NotEmpty(report.Status)
	passed := map[string]bool{}
	for _, item := range report.Diagnostics.Items {
		passed[item.ID] = item.Status == "pass"
	}
	s.True(passed["job_store"])
	s.True(passed["broker"])
	s.True(passed["llm_credential"])
	s.False(passed["models_dir"], "no model is installed in the test models dir")

	probe, err := env.APIClient.LLMHealth(env.Context())
	s.Require().NoError(err)
	s.True(probe.Success)
	s.Len(env.LLM.Requests(), 1)
}
