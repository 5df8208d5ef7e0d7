// Package executors implements the pipeline stages on top of their external collaborators
package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/meetmemo/pipeline/internal/asr"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/pipeline"
)

// TranscriptionOutput is the persisted result of the transcription stage
type TranscriptionOutput struct {
	Text             string        `json:"text"`
	DetectedLanguage string        `json:"detected_language"`
	Segments         []asr.Segment `json:"segments"`
	Duration         float64       `json:"duration"`
}

// ToolChecker resolves the external binaries a stage depends on
type ToolChecker interface {
	RequireTool(name string) (string, error)
}

// Progress within the transcription stage for each engine sub-step
var transcriptionSteps = map[string]int{
	"loading model":   25,
	"decoding audio":  40,
	"transcribing":    50,
	"post-processing": 90,
}

// Transcription runs the ASR engine on the job's audio
type Transcription struct {
	engine asr.Engine
	tools  ToolChecker
	// required binaries, checked before the engine is invoked
	required []string
	stat     func(string) (os.FileInfo, error)
}

var _ pipeline.Executor = &Transcription{}

// NewTranscription creates the transcription executor
func NewTranscription(engine asr.Engine, tools ToolChecker, requiredTools ...string) *Transcription {
	return &Transcription{
		engine:   engine,
		tools:    tools,
		required: requiredTools,
		stat:     os.Stat,
	}
}

// Stage implements pipeline.Executor
func (t *Transcription) Stage() models.Stage {
	return models.StageTranscription
}

// Run implements pipeline.Executor
func (t *Transcription) Run(ctx context.Context, in pipeline.StageInput, report pipeline.ProgressFunc) (json.RawMessage, error) {
	report(10, "initializing audio processing")

	for _, tool := range t.required {
		if _, err := t.tools.RequireTool(tool); err != nil {
			return nil, pipeline.Precondition(err)
		}
	}
	if _, err := t.stat(in.Input.AudioReference); err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("audio file unavailable: %w", err))
	}

	transcript, err := t.engine.Transcribe(ctx, asr.Request{
		AudioPath: in.Input.AudioReference,
		Language:  in.Input.Language,
		Model:     in.Input.EngineVariant,
	}, func(step string) {
		if pct, ok := transcriptionSteps[step]; ok {
			report(pct, step)
		}
	})
	if err != nil {
		return nil, mapEngineError(ctx, err)
	}

	out := TranscriptionOutput{
		Text:             transcript.Text,
		DetectedLanguage: transcript.Language,
		Segments:         transcript.Segments,
		Duration:         transcript.Duration,
	}
	if out.Segments == nil {
		out.Segments = []asr.Segment{}
	}
	report(100, "transcription complete")
	return json.Marshal(out)
}

func mapEngineError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, asr.ErrModelMissing):
		return pipeline.Precondition(err)
	case errors.Is(err, asr.ErrUnknownModel),
		errors.Is(err, asr.ErrDecode),
		errors.Is(err, asr.ErrMalformedOutput):
		return pipeline.Permanent(err)
	default:
		return pipeline.Transient(err)
	}
}
