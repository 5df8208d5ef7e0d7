package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/meetmemo/pipeline/internal/asr"
)

// FakeASR is a scripted speech recognition engine
type FakeASR struct {
	// TranscribeFn replaces the default transcript when set
	TranscribeFn func(ctx context.Context, req asr.Request) (*asr.Transcript, error)

	calls atomic.Int32
}

var _ asr.Engine = &FakeASR{}

// Transcribe implements asr.Engine
func (f *FakeASR) Transcribe(ctx context.Context, req asr.Request, onStep func(string)) (*asr.Transcript, error) {
	f.calls.Add(1)
	onStep("loading model")
	onStep("transcribing")
	if f.TranscribeFn != nil {
		return f.TranscribeFn(ctx, req)
	}
	return &asr.Transcript{
		Text:     "Let's ship the release on Friday. Alice owns the changelog.",
		Language: "en",
		Segments: []asr.Segment{{Start: 0, End: 4.2, Text: "Let's ship the release on Friday."}},
		Duration: 4.2,
	}, nil
}

// Calls returns how often Transcribe ran
func (f *FakeASR) Calls() int {
	return int(f.calls.Load())
}

// ChatRequest is the body the LLM client sends
type ChatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens int  `json:"max_tokens"`
	Stream    bool `json:"stream"`
}

// FakeLLM is an httptest server speaking the chat completion protocol
type FakeLLM struct {
	Server *httptest.Server
	// RespondFn decides the answer to the n-th request, counting from 1
	RespondFn func(n int, req ChatRequest) (int, string)

	mu       sync.Mutex
	requests []ChatRequest
}

// NewFakeLLM starts a fake LLM service that answers with a fixed summary by default
func NewFakeLLM() *FakeLLM {
	f := &FakeLLM{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *FakeLLM) handle(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	respond := f.RespondFn
	f.mu.Unlock()

	status, body := http.StatusOK, CompletionBody("## Summary\n\nThe release ships on Friday.")
	if respond != nil {
		status, body = respond(n, req)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// Requests returns every request received so far
func (f *FakeLLM) Requests() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatRequest(nil), f.requests...)
}

// Close stops the server
func (f *FakeLLM) Close() {
	f.Server.Close()
}

// CompletionBody renders a successful chat completion with content
func CompletionBody(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"model": "deepseek-chat",
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
	})
	return string(b)
}

// ErrorBody renders an error answer of the chat completion API
func ErrorBody(msg string) string {
	return fmt.Sprintf(`{"error":{"message":%q}}`, msg)
}
