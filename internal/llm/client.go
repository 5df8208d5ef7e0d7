// Package llm is the client of the chat-completion service used for summaries
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	fiber "github.com/gofiber/fiber/v2"
)

// DefaultTimeout bounds a completion call when Options.Timeout is unset
const DefaultTimeout = 60 * time.Second

var (
	// ErrMissingCredential is returned before any request when no API key is configured
	ErrMissingCredential = errors.New("llm credential not configured")
	// ErrMalformedResponse is returned when a 2xx body does not carry a completion
	ErrMalformedResponse = errors.New("malformed llm response")
)

// StatusError is a non-2xx answer of the completion endpoint
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm api returned status %d: %s", e.Code, e.Message)
}

// Temporary reports whether the same request may succeed later
func (e *StatusError) Temporary() bool {
	return e.Code == fiber.StatusRequestTimeout || e.Code == fiber.StatusTooManyRequests || e.Code >= 500
}

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting reported by the service
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the answer to one chat request
type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Completer produces a completion for a conversation
type Completer interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// Options configures the client
type Options struct {
	Endpoint    string
	Credential  string
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Timeout     time.Duration
}

// Client talks to an OpenAI-compatible chat completion endpoint
type Client struct {
	opts Options
}

var _ Completer = &Client{}

// NewClient validates the endpoint and creates a client. A missing credential is
// reported per call so that it surfaces as a stage precondition failure.
func NewClient(opts Options) (*Client, error) {
	if _, err := url.ParseRequestURI(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid llm endpoint: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{opts: opts}, nil
}

// HasCredential reports whether an API key is configured
func (c *Client) HasCredential() bool {
	return strings.TrimSpace(c.opts.Credential) != ""
}

// Model returns the configured model id
func (c *Client) Model() string {
	return c.opts.Model
}

// Complete implements Completer
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	return c.complete(ctx, messages, c.opts.MaxTokens)
}

// Probe sends a minimal request to check that the service accepts our credential
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.complete(ctx, []Message{{Role: "user", Content: "ping"}}, 5)
	return err
}

// callTimeout is the smaller of the configured timeout and what is left of the ctx deadline
func (c *Client) callTimeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := c.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, context.DeadlineExceeded
		}
		if left < timeout {
			timeout = left
		}
	}
	return timeout, nil
}

func (c *Client) complete(ctx context.Context, messages []Message, maxTokens int) (*Completion, error) {
	if !c.HasCredential() {
		return nil, ErrMissingCredential
	}

	timeout, err := c.callTimeout(ctx)
	if err != nil {
		return nil, err
	}

	agent := fiber.Post(c.opts.Endpoint)
	agent.Timeout(timeout)
	agent.Set("Authorization", "Bearer "+c.opts.Credential)
	agent.Set("Accept", "application/json")
	agent.JSON(chatRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: c.opts.Temperature,
		TopP:        c.opts.TopP,
		Stream:      false,
	})

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("llm request failed: %w", errs[0])
	}
	if code < 200 || code >= 300 {
		msg := strings.TrimSpace(string(body))
		var apiErr errorResponse
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, &StatusError{Code: code, Message: msg}
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	if resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("%w: choice without message", ErrMalformedResponse)
	}

	model := resp.Model
	if model == "" {
		model = c.opts.Model
	}
	return &Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: model,
		Usage: resp.Usage,
	}, nil
}
