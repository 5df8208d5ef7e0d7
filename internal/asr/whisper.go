package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// modelFiles maps engine variants to whisper.cpp ggml model files
var modelFiles = map[string]string{
	"tiny":   "ggml-tiny.bin",
	"base":   "ggml-base.bin",
	"small":  "ggml-small.bin",
	"medium": "ggml-medium.bin",
	"large":  "ggml-large-v3.bin",
	"turbo":  "ggml-large-v3-turbo.bin",
}

// Models returns the supported engine variants
func Models() []string {
	return []string{"tiny", "base", "small", "medium", "large", "turbo"}
}

// Runner executes an external command and returns its stdout
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

// Run executes the command, folding stderr into the error
func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("command '%s' failed: %w\nstderr: %s", name, err, msg)
		}
		return "", fmt.Errorf("command '%s' failed: %w", name, err)
	}
	return stdout.String(), nil
}

// WhisperConfig locates the binaries and models used by Whisper
type WhisperConfig struct {
	Binary       string
	FFmpeg       string
	ModelsDir    string
	DefaultModel string
}

// Whisper runs whisper.cpp on audio normalised by ffmpeg
type Whisper struct {
	cfg       WhisperConfig
	runner    Runner
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	readFile  func(name string) ([]byte, error)
	stat      func(name string) (os.FileInfo, error)
}

// NewWhisper creates an engine backed by the real filesystem and processes
func NewWhisper(cfg WhisperConfig) *Whisper {
	return NewWhisperWithRunner(cfg, execRunner{})
}

// NewWhisperWithRunner creates an engine that runs commands through runner
func NewWhisperWithRunner(cfg WhisperConfig, runner Runner) *Whisper {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "base"
	}
	return &Whisper{
		cfg:       cfg,
		runner:    runner,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		readFile:  os.ReadFile,
		stat:      os.Stat,
	}
}

// ModelPath resolves the model file of variant; "default" and "" select the configured default
func (w *Whisper) ModelPath(variant string) (string, error) {
	if variant == "" || variant == "default" {
		variant = w.cfg.DefaultModel
	}
	file, ok := modelFiles[variant]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, variant)
	}
	path := filepath.Join(w.cfg.ModelsDir, file)
	if _, err := w.stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrModelMissing, path)
	}
	return path, nil
}

// Transcribe implements Engine
func (w *Whisper) Transcribe(ctx context.Context, req Request, onStep func(step string)) (*Transcript, error) {
	step := func(s string) {
		if onStep != nil {
			onStep(s)
		}
	}

	step("loading model")
	modelPath, err := w.ModelPath(req.Model)
	if err != nil {
		return nil, err
	}

	workDir, err := w.mkdirTemp("", "meetmemo-asr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() { _ = w.removeAll(workDir) }()

	step("decoding audio")
	wavPath := filepath.Join(workDir, "audio.wav")
	if _, err := w.runner.Run(ctx, w.cfg.FFmpeg, ffmpegArgs(req.AudioPath, wavPath)...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	step("transcribing")
	outBase := filepath.Join(workDir, "transcript")
	if _, err := w.runner.Run(ctx, w.cfg.Binary, whisperArgs(modelPath, wavPath, outBase, req.Language)...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	step("post-processing")
	raw, err := w.readFile(outBase + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return ParseWhisperJSON(raw, req.Language)
}

// ffmpegArgs converts any input to mono 16kHz PCM, the only format whisper.cpp reads
func ffmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

func whisperArgs(modelPath, audioPath, outBase, language string) []string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = "auto"
	}
	return []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
		"-l", lang,
	}
}

// whisperOutput is the subset of the whisper.cpp -oj document we read
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// ParseWhisperJSON normalizes a whisper.cpp JSON document. requested is used
// as the detected language when the engine does not report one.
func ParseWhisperJSON(raw []byte, requested string) (*Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if out.Transcription == nil {
		return nil, fmt.Errorf("%w: missing transcription", ErrMalformedOutput)
	}

	t := &Transcript{
		Language: out.Result.Language,
		Segments: make([]Segment, 0, len(out.Transcription)),
	}
	if t.Language == "" {
		t.Language = requested
	}

	var parts []string
	for _, seg := range out.Transcription {
		text := strings.TrimSpace(seg.Text)
		if seg.Offsets.To < seg.Offsets.From {
			return nil, fmt.Errorf("%w: segment ends before it starts", ErrMalformedOutput)
		}
		t.Segments = append(t.Segments, Segment{
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  text,
		})
		if text != "" {
			parts = append(parts, text)
		}
	}
	t.Text = strings.Join(parts, " ")
	if n := len(t.Segments); n > 0 {
		t.Duration = t.Segments[n-1].End
	}
	return t, nil
}
