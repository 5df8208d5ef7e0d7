package asr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeRunner records invocations and writes whisper output where whisper.cpp would
type fakeRunner struct {
	calls     []string
	output    string
	ffmpegErr error
	engineErr error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, name)
	if name == "ffmpeg" {
		return "", f.ffmpegErr
	}
	if f.engineErr != nil {
		return "", f.engineErr
	}
	for i, a := range args {
		if a == "-of" {
			return "", os.WriteFile(args[i+1]+".json", []byte(f.output), 0o600)
		}
	}
	return "", errors.New("missing -of")
}

const sampleOutput = `{
  "result": {"language": "en"},
  "transcription": [
    {"offsets": {"from": 0, "to": 2500}, "text": " Good morning everyone."},
    {"offsets": {"from": 2500, "to": 5200}, "text": " Let's start the review. "}
  ]
}`

func newTestWhisper(t *testing.T, runner Runner) *Whisper {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.bin"), []byte("model"), 0o600); err != nil {
		t.Fatal(err)
	}
	return NewWhisperWithRunner(WhisperConfig{
		Binary:    "whisper-cli",
		FFmpeg:    "ffmpeg",
		ModelsDir: dir,
	}, runner)
}

func TestWhisperTranscribe(t *testing.T) {
	Convey("Given a whisper engine with the base model installed", t, func() {
		runner := &fakeRunner{output: sampleOutput}
		w := newTestWhisper(t, runner)
		var steps []string
		onStep := func(s string) { steps = append(steps, s) }

		Convey("a successful run is normalized", func() {
			tr, err := w.Transcribe(context.Background(), Request{AudioPath: "a.mp3", Language: "auto", Model: "default"}, onStep)
			So(err, ShouldBeNil)
			So(tr.Text, ShouldEqual, "Good morning everyone. Let's start the review.")
			So(tr.Language, ShouldEqual, "en")
			So(tr.Segments, ShouldHaveLength, 2)
			So(tr.Segments[1].Start, ShouldEqual, 2.5)
			So(tr.Duration, ShouldEqual, 5.2)
			So(runner.calls, ShouldResemble, []string{"ffmpeg", "whisper-cli"})
			So(steps, ShouldResemble, []string{"loading model", "decoding audio", "transcribing", "post-processing"})
		})

		Convey("an unknown variant never starts a process", func() {
			_, err := w.Transcribe(context.Background(), Request{AudioPath: "a.mp3", Model: "huge"}, onStep)
			So(errors.Is(err, ErrUnknownModel), ShouldBeTrue)
			So(runner.calls, ShouldBeEmpty)
		})

		Convey("a variant without a model file is reported", func() {
			_, err := w.Transcribe(context.Background(), Request{AudioPath: "a.mp3", Model: "turbo"}, onStep)
			So(errors.Is(err, ErrModelMissing), ShouldBeTrue)
		})

		Convey("decoding failures are typed", func() {
			runner.ffmpegErr = errors.New("invalid data found when processing input")
			_, err := w.Transcribe(context.Background(), Request{AudioPath: "a.mp3"}, onStep)
			So(errors.Is(err, ErrDecode), ShouldBeTrue)
		})

		Convey("engine failures are typed", func() {
			runner.engineErr = errors.New("exit status 1")
			_, err := w.Transcribe(context.Background(), Request{AudioPath: "a.mp3"}, nil)
			So(errors.Is(err, ErrEngine), ShouldBeTrue)
		})
	})
}

func TestParseWhisperJSON(t *testing.T) {
	Convey("Parsing whisper output", t, func() {
		Convey("silence yields an empty transcript", func() {
			tr, err := ParseWhisperJSON([]byte(`{"result":{"language":"en"},"transcription":[]}`), "auto")
			So(err, ShouldBeNil)
			So(tr.Text, ShouldEqual, "")
			So(tr.Segments, ShouldBeEmpty)
			So(tr.Duration, ShouldEqual, 0)
		})

		Convey("the requested language fills a missing detection", func() {
			tr, err := ParseWhisperJSON([]byte(`{"transcription":[{"offsets":{"from":0,"to":1000},"text":"你好"}]}`), "zh")
			So(err, ShouldBeNil)
			So(tr.Language, ShouldEqual, "zh")
			So(tr.Text, ShouldEqual, "你好")
		})

		Convey("garbage is malformed", func() {
			_, err := ParseWhisperJSON([]byte(`not json`), "auto")
			So(errors.Is(err, ErrMalformedOutput), ShouldBeTrue)

			_, err = ParseWhisperJSON([]byte(`{"result":{}}`), "auto")
			So(errors.Is(err, ErrMalformedOutput), ShouldBeTrue)

			_, err = ParseWhisperJSON([]byte(`{"transcription":[{"offsets":{"from":10,"to":5},"text":"x"}]}`), "auto")
			So(errors.Is(err, ErrMalformedOutput), ShouldBeTrue)
		})
	})
}

func TestSupportsLanguage(t *testing.T) {
	Convey("Language hints are a closed set", t, func() {
		So(SupportsLanguage("auto"), ShouldBeTrue)
		So(SupportsLanguage("zh"), ShouldBeTrue)
		So(SupportsLanguage("pt"), ShouldBeFalse)
	})
}
