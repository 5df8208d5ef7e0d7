package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/pkg/types"
)

// jobOutput represents the filtered output for a job
type jobOutput struct {
	ID       string                `json:"id"`
	State    models.JobState       `json:"state"`
	Stage    string                `json:"stage,omitempty"`
	Progress models.Progress       `json:"progress"`
	Title    string                `json:"title"`
	Error    *models.FailureRecord `json:"error,omitempty"`
}

// jobListOutput represents the filtered output for a list of jobs
type jobListOutput struct {
	Jobs []jobOutput `json:"jobs"`
	Page int         `json:"page"`
}

func newJobOutput(s types.JobStatus) jobOutput {
	return jobOutput{
		ID:       s.ID,
		State:    s.State,
		Stage:    s.Stage,
		Progress: s.Progress,
		Title:    s.Input.Title,
		Error:    s.Error,
	}
}

func init() {
	jobsCmd.AddCommand(submitJobCmd)
	jobsCmd.AddCommand(statusJobCmd)
	jobsCmd.AddCommand(cancelJobCmd)
	jobsCmd.AddCommand(listJobsCmd)
	jobsCmd.AddCommand(waitJobCmd)
	jobsCmd.AddCommand(statsJobsCmd)

	submitJobCmd.Flags().StringP("audio", "a", "", "Audio reference readable by the server")
	submitJobCmd.Flags().StringP("file", "f", "", "Local recording to upload")
	submitJobCmd.Flags().StringP("title", "t", "", "Meeting title")
	submitJobCmd.Flags().StringP("language", "l", models.LanguageAuto, "Language of the recording or auto")
	submitJobCmd.Flags().StringP("engine-variant", "e", models.EngineVariantDefault, "Speech recognition model")
	submitJobCmd.MarkFlagsMutuallyExclusive("audio", "file")
	submitJobCmd.MarkFlagsOneRequired("audio", "file")

	listJobsCmd.Flags().StringP("state", "S", "", "Filter jobs by state")
	listJobsCmd.Flags().IntP("page", "p", 1, "Page number for pagination")

	waitJobCmd.Flags().Duration("interval", 2*time.Second, "Polling interval")
	waitJobCmd.Flags().Duration("max-wait", time.Hour, "Give up after this long")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage pipeline jobs",
}

var submitJobCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a recording for transcription and summarization",
	RunE: func(cmd *cobra.Command, _ []string) error {
		audio, _ := cmd.Flags().GetString("audio")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		language, _ := cmd.Flags().GetString("language")
		variant, _ := cmd.Flags().GetString("engine-variant")

		req := types.SubmitJobRequest{
			AudioReference: audio,
			Title:          title,
			Language:       language,
			EngineVariant:  variant,
		}

		var (
			status types.JobStatus
			err    error
		)
		if file != "" {
			status, err = apiClient.UploadJob(cmd.Context(), file, req)
		} else {
			status, err = apiClient.SubmitJob(cmd.Context(), req)
		}
		if err != nil {
			return fmt.Errorf("error submitting job: %w", err)
		}
		return printJSON(cmd, newJobOutput(status))
	},
}

var statusJobCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the current status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient.GetJob(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error fetching job: %w", err)
		}
		return printJSON(cmd, status)
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error cancelling job: %w", err)
		}
		return printJSON(cmd, newJobOutput(status))
	},
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		state, _ := cmd.Flags().GetString("state")
		page, _ := cmd.Flags().GetInt("page")

		if state != "" {
			if _, err := models.ParseJobState(state); err != nil {
				return err
			}
		}

		response, err := apiClient.ListJobs(cmd.Context(), state, page)
		if err != nil {
			return fmt.Errorf("error fetching jobs: %w", err)
		}

		output := jobListOutput{
			Jobs: make([]jobOutput, len(response.Rows)),
			Page: response.Pagination.Page,
		}
		for i, job := range response.Rows {
			output.Jobs[i] = newJobOutput(job)
		}
		return printJSON(cmd, output)
	},
}

var statsJobsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs per state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		stats, err := apiClient.GetJobStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("error fetching job stats: %w", err)
		}
		return printJSON(cmd, stats)
	},
}

var waitJobCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Poll a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		maxWait, _ := cmd.Flags().GetDuration("max-wait")

		ctx, cancel := context.WithTimeout(cmd.Context(), maxWait)
		defer cancel()

		status, err := waitForJob(ctx, args[0], interval, func(s types.JobStatus) {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %d%% %s\n",
				s.State, s.Stage, s.Progress.Percent, s.Progress.CurrentStep)
		})
		if err != nil {
			return err
		}
		if err := printJSON(cmd, status); err != nil {
			return err
		}

		switch status.State {
		case models.JobStateFailed:
			return fmt.Errorf("job %s failed", status.ID)
		case models.JobStateCancelled:
			return fmt.Errorf("job %s was cancelled", status.ID)
		}
		return nil
	},
}

// waitForJob polls the job until it reaches a terminal state. onChange is called whenever
// the state, stage or progress changes.
func waitForJob(ctx context.Context, id string, interval time.Duration, onChange func(types.JobStatus)) (types.JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last jobOutput
	for {
		status, err := apiClient.GetJob(ctx, id)
		if err != nil {
			return types.JobStatus{}, fmt.Errorf("error fetching job: %w", err)
		}
		if out := newJobOutput(status); out.State != last.State || out.Stage != last.Stage ||
			out.Progress.Percent != last.Progress.Percent {
			onChange(status)
			last = out
		}
		if status.State.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, fmt.Errorf("stopped waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetJobsCmd returns the jobs command
func GetJobsCmd() *cobra.Command {
	return jobsCmd
}
