package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/meetmemo/pipeline/internal/artifacts"
	"github.com/meetmemo/pipeline/internal/asr"
	asrmock "github.com/meetmemo/pipeline/internal/asr/mock"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/diagnostics"
	"github.com/meetmemo/pipeline/internal/llm"
	"github.com/meetmemo/pipeline/internal/pipeline"
)

type toolSet map[string]bool

func (s toolSet) RequireTool(name string) (string, error) {
	if !s[name] {
		return "", fmt.Errorf("%w: %s", diagnostics.ErrToolMissing, name)
	}
	return "/usr/bin/" + name, nil
}

type progress struct {
	percents []int
	steps    []string
}

func (p *progress) report(percent int, step string) {
	p.percents = append(p.percents, percent)
	p.steps = append(p.steps, step)
}

func audioFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "meeting.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o600))
	return path
}

func transcriptionInput(audio string) pipeline.StageInput {
	return pipeline.StageInput{
		JobID: "job-1",
		Input: models.JobInput{AudioReference: audio, Title: "Weekly sync", Language: "auto", EngineVariant: "default"},
	}
}

func TestTranscriptionRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := asrmock.NewMockEngine(ctrl)
	audio := audioFile(t)

	engine.EXPECT().
		Transcribe(gomock.Any(), asr.Request{AudioPath: audio, Language: "auto", Model: "default"}, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ asr.Request, onStep func(string)) (*asr.Transcript, error) {
			onStep("loading model")
			onStep("transcribing")
			return &asr.Transcript{
				Text:     "hello world",
				Language: "en",
				Segments: []asr.Segment{{Start: 0, End: 1.5, Text: "hello world"}},
				Duration: 1.5,
			}, nil
		})

	exec := NewTranscription(engine, toolSet{"ffmpeg": true, "whisper-cli": true}, "ffmpeg", "whisper-cli")
	p := &progress{}
	raw, err := exec.Run(context.Background(), transcriptionInput(audio), p.report)
	require.NoError(t, err)

	var out TranscriptionOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hello world", out.Text)
	assert.Equal(t, "en", out.DetectedLanguage)
	assert.Len(t, out.Segments, 1)
	assert.Equal(t, 1.5, out.Duration)
	assert.Equal(t, []int{10, 25, 50, 100}, p.percents)
	assert.Equal(t, models.StageTranscription, exec.Stage())
}

func TestTranscriptionPreconditionSkipsEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := asrmock.NewMockEngine(ctrl)
	engine.EXPECT().Transcribe(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	exec := NewTranscription(engine, toolSet{"whisper-cli": true}, "ffmpeg", "whisper-cli")
	_, err := exec.Run(context.Background(), transcriptionInput(audioFile(t)), func(int, string) {})

	assert.Equal(t, pipeline.KindPrecondition, pipeline.Classify(err))
	assert.ErrorIs(t, err, diagnostics.ErrToolMissing)
}

func TestTranscriptionMissingAudio(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := asrmock.NewMockEngine(ctrl)

	exec := NewTranscription(engine, toolSet{})
	_, err := exec.Run(context.Background(), transcriptionInput("/nowhere/meeting.mp3"), func(int, string) {})
	assert.Equal(t, pipeline.KindPermanent, pipeline.Classify(err))
}

func TestTranscriptionEngineErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind pipeline.FailureKind
	}{
		{"model missing", fmt.Errorf("%w: ggml-turbo.bin", asr.ErrModelMissing), pipeline.KindPrecondition},
		{"unknown model", asr.ErrUnknownModel, pipeline.KindPermanent},
		{"undecodable audio", asr.ErrDecode, pipeline.KindPermanent},
		{"malformed output", asr.ErrMalformedOutput, pipeline.KindPermanent},
		{"engine crash", asr.ErrEngine, pipeline.KindTransient},
		{"untyped", errors.New("boom"), pipeline.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			engine := asrmock.NewMockEngine(ctrl)
			engine.EXPECT().Transcribe(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, tt.err)

			exec := NewTranscription(engine, toolSet{})
			_, err := exec.Run(context.Background(), transcriptionInput(audioFile(t)), func(int, string) {})
			require.Error(t, err)
			assert.Equal(t, tt.kind, pipeline.Classify(err))
		})
	}
}

func TestTranscriptionTimeoutIsNotWrapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := asrmock.NewMockEngine(ctrl)
	engine.EXPECT().Transcribe(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ asr.Request, _ func(string)) (*asr.Transcript, error) {
			<-ctx.Done()
			return nil, asr.ErrEngine
		})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewTranscription(engine, toolSet{}).Run(ctx, transcriptionInput(audioFile(t)), func(int, string) {})
	assert.True(t, pipeline.IsTimeout(err))
}

type fakeCompleter struct {
	messages []llm.Message
	out      *llm.Completion
	err      error
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message) (*llm.Completion, error) {
	f.messages = messages
	return f.out, f.err
}

func withTranscript(t *testing.T, in pipeline.StageInput, text string) pipeline.StageInput {
	raw, err := json.Marshal(TranscriptionOutput{Text: text, DetectedLanguage: "en", Segments: []asr.Segment{}})
	require.NoError(t, err)
	in.Previous = append(in.Previous, models.StageResult{Stage: models.StageTranscription, Output: raw})
	return in
}

func TestSummarizationRun(t *testing.T) {
	completer := &fakeCompleter{out: &llm.Completion{
		Text:  "# Weekly sync\n\n## Meeting Minutes",
		Model: "deepseek-chat",
		Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}}
	exec := NewSummarization(completer)
	exec.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	in := transcriptionInput("a.mp3")
	in.Input.Language = "en"
	in = withTranscript(t, in, "We agreed to ship on Friday.")

	p := &progress{}
	raw, err := exec.Run(context.Background(), in, p.report)
	require.NoError(t, err)

	var out SummaryOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Weekly sync", out.Title)
	assert.Equal(t, "deepseek-chat", out.ModelID)
	assert.Equal(t, 120, out.Usage.TotalTokens)
	assert.Equal(t, TemplateEnglish, out.Template)
	assert.Equal(t, len("We agreed to ship on Friday."), out.OriginalTextLength)
	assert.Equal(t, []int{20, 60, 90}, p.percents)

	require.Len(t, completer.messages, 1)
	assert.Equal(t, "user", completer.messages[0].Role)
	assert.Contains(t, completer.messages[0].Content, "We agreed to ship on Friday.")
	assert.Contains(t, completer.messages[0].Content, "Meeting Title: Weekly sync")
}

func TestSummarizationEmptyTranscriptStillCallsModel(t *testing.T) {
	completer := &fakeCompleter{out: &llm.Completion{Text: "[信息不足]", Model: "deepseek-chat"}}
	raw, err := NewSummarization(completer).Run(context.Background(),
		withTranscript(t, transcriptionInput("a.mp3"), ""), func(int, string) {})
	require.NoError(t, err)

	var out SummaryOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "[信息不足]", out.SummaryText)
	assert.Equal(t, 0, out.OriginalTextLength)
	assert.Equal(t, TemplateChinese, out.Template)
	assert.NotEmpty(t, completer.messages)
}

func TestSummarizationErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind pipeline.FailureKind
	}{
		{"missing credential", llm.ErrMissingCredential, pipeline.KindPrecondition},
		{"rate limited", &llm.StatusError{Code: 429}, pipeline.KindTransient},
		{"server error", &llm.StatusError{Code: 503}, pipeline.KindTransient},
		{"bad request", &llm.StatusError{Code: 400}, pipeline.KindPermanent},
		{"malformed", fmt.Errorf("%w: no choices", llm.ErrMalformedResponse), pipeline.KindPermanent},
		{"network", errors.New("connection reset"), pipeline.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewSummarization(&fakeCompleter{err: tt.err})
			_, err := exec.Run(context.Background(), withTranscript(t, transcriptionInput("a.mp3"), "text"), func(int, string) {})
			assert.Equal(t, tt.kind, pipeline.Classify(err))
		})
	}
}

func TestSummarizationWithoutTranscript(t *testing.T) {
	_, err := NewSummarization(&fakeCompleter{}).Run(context.Background(), transcriptionInput("a.mp3"), func(int, string) {})
	assert.Equal(t, pipeline.KindPermanent, pipeline.Classify(err))
}

func TestSelectTemplate(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		language   string
		want       Template
	}{
		{"auto", "hello", "auto", TemplateChinese},
		{"zh", "hello", "zh", TemplateChinese},
		{"english text", "hello", "en", TemplateEnglish},
		{"non-ascii early", "café meeting", "fr", TemplateChinese},
		{"non-ascii after 100 characters", strings.Repeat("a", 100) + "é", "fr", TemplateEnglish},
		{"empty", "", "en", TemplateEnglish},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectTemplate(tt.transcript, tt.language))
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt, tmpl := BuildPrompt("今天讨论预算", "预算会议", "zh")
	assert.Equal(t, TemplateChinese, tmpl)
	assert.Contains(t, prompt, "会议标题：预算会议")
	assert.Contains(t, prompt, "今天讨论预算")
	assert.NotContains(t, prompt, "{title}")

	prompt, tmpl = BuildPrompt("uses {title} literally", "Sync", "en")
	assert.Equal(t, TemplateEnglish, tmpl)
	assert.Contains(t, prompt, "uses {title} literally")
}

func TestPersistenceRun(t *testing.T) {
	store, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	summary, err := json.Marshal(SummaryOutput{Title: "Weekly sync", SummaryText: "# Weekly sync\n- item"})
	require.NoError(t, err)
	in := withTranscript(t, transcriptionInput("a.mp3"), "hello")
	in.Previous = append(in.Previous, models.StageResult{Stage: models.StageSummarization, Output: summary})

	exec := NewPersistence(store)
	p := &progress{}
	raw, err := exec.Run(context.Background(), in, p.report)
	require.NoError(t, err)

	var out PersistenceOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, store.ResultPath("job-1"), out.ResultFile)
	assert.FileExists(t, out.SummaryDocument)

	rec, err := store.Load(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Weekly sync", rec.Input.Title)
	assert.JSONEq(t, string(summary), string(rec.Summary))
}

func TestPersistenceRequiresEarlierStages(t *testing.T) {
	store, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewPersistence(store).Run(context.Background(), withTranscript(t, transcriptionInput("a.mp3"), "x"), func(int, string) {})
	assert.Equal(t, pipeline.KindPermanent, pipeline.Classify(err))
}
