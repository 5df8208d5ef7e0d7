package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/llm"
	"github.com/meetmemo/pipeline/internal/pipeline"
)

// SummaryOutput is the persisted result of the summarization stage
type SummaryOutput struct {
	Title              string    `json:"title"`
	SummaryText        string    `json:"summary_text"`
	ModelID            string    `json:"model_id"`
	Usage              llm.Usage `json:"usage"`
	Language           string    `json:"language"`
	Template           Template  `json:"template"`
	OriginalTextLength int       `json:"original_text_length"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// Summarization turns the transcript into meeting minutes through the LLM
type Summarization struct {
	llm llm.Completer
	now func() time.Time
}

var _ pipeline.Executor = &Summarization{}

// NewSummarization creates the summarization executor
func NewSummarization(completer llm.Completer) *Summarization {
	return &Summarization{llm: completer, now: time.Now}
}

// Stage implements pipeline.Executor
func (s *Summarization) Stage() models.Stage {
	return models.StageSummarization
}

// Run implements pipeline.Executor. An empty transcript is still summarized;
// the template instructs the model to flag missing information.
func (s *Summarization) Run(ctx context.Context, in pipeline.StageInput, report pipeline.ProgressFunc) (json.RawMessage, error) {
	transcript, err := previousOutput[TranscriptionOutput](in.Previous, models.StageTranscription)
	if err != nil {
		return nil, err
	}

	report(20, "preparing summary request")
	title := in.Input.Title
	prompt, tmpl := BuildPrompt(transcript.Text, title, in.Input.Language)

	report(60, "calling language model")
	completion, err := s.llm.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, mapLLMError(ctx, err)
	}

	report(90, "processing model response")
	out := SummaryOutput{
		Title:              title,
		SummaryText:        completion.Text,
		ModelID:            completion.Model,
		Usage:              completion.Usage,
		Language:           in.Input.Language,
		Template:           tmpl,
		OriginalTextLength: utf8.RuneCountInString(transcript.Text),
		GeneratedAt:        s.now().UTC(),
	}
	return json.Marshal(out)
}

func mapLLMError(ctx context.Context, err error) error {
	var statusErr *llm.StatusError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, llm.ErrMissingCredential):
		return pipeline.Precondition(err)
	case errors.Is(err, llm.ErrMalformedResponse):
		return pipeline.Permanent(err)
	case errors.As(err, &statusErr):
		if statusErr.Temporary() {
			return pipeline.Transient(err)
		}
		return pipeline.Permanent(err)
	default:
		return pipeline.Transient(err)
	}
}

// previousOutput decodes the persisted output of an earlier stage
func previousOutput[T any](results models.StageResults, stage models.Stage) (*T, error) {
	res, ok := results.Get(stage)
	if !ok {
		return nil, pipeline.Permanent(fmt.Errorf("missing %s result", stage))
	}
	var out T
	if err := json.Unmarshal(res.Output, &out); err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("invalid %s result: %w", stage, err))
	}
	return &out, nil
}
