package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		Endpoint:    srv.URL + "/v1/chat/completions",
		Credential:  "secret",
		Model:       "deepseek-chat",
		MaxTokens:   4000,
		Temperature: 0.3,
		TopP:        0.9,
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestCompleteSendsRequest(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "deepseek-chat",
			"choices": [{"message": {"role": "assistant", "content": "# Minutes"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	})

	out, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "summarize"}})
	require.NoError(t, err)

	assert.Equal(t, "# Minutes", out.Text)
	assert.Equal(t, "deepseek-chat", out.Model)
	assert.Equal(t, 15, out.Usage.TotalTokens)

	assert.Equal(t, "deepseek-chat", got.Model)
	assert.Equal(t, 4000, got.MaxTokens)
	assert.InDelta(t, 0.3, got.Temperature, 1e-9)
	assert.InDelta(t, 0.9, got.TopP, 1e-9)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "summarize", got.Messages[0].Content)
}

func TestCompleteStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		temporary bool
		message   string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, true, "slow down"},
		{"server error", http.StatusBadGateway, `upstream`, true, "upstream"},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"context too long"}}`, false, "context too long"},
		{"unauthorized", http.StatusUnauthorized, `{}`, false, "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "x"}})
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.Code)
			assert.Equal(t, tt.temporary, statusErr.Temporary())
			assert.Equal(t, tt.message, statusErr.Message)
		})
	}
}

func TestCompleteMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   `<html>`,
		"no choices": `{"choices": []}`,
		"no message": `{"choices": [{}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.Complete(context.Background(), nil)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestCompleteMissingCredential(t *testing.T) {
	called := false
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) { called = true })
	c.opts.Credential = " "

	_, err := c.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.False(t, called)
	assert.False(t, c.HasCredential())
}

func TestCompleteTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, nil)
	require.Error(t, err)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestCompleteHonorsConfiguredTimeoutUnderLongerDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(time.Second)
		_, _ = w.Write([]byte(`{}`))
	})
	c.opts.Timeout = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.Complete(ctx, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 800*time.Millisecond)
}

func TestCompleteWithExpiredContext(t *testing.T) {
	called := false
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) { called = true })

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := c.Complete(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)

	timeout, err := c.callTimeout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, timeout)
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	_, err := NewClient(Options{Endpoint: "::not a url"})
	assert.Error(t, err)
}
