// Package client provides the API client for the meeting pipeline API
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/meetmemo/pipeline/internal/artifacts"
	"github.com/meetmemo/pipeline/internal/services"
	"github.com/meetmemo/pipeline/pkg/api/v1/routes"
	"github.com/meetmemo/pipeline/pkg/types"
)

// DefaultTimeout is the default timeout for API requests
const DefaultTimeout = 30 * time.Second

// Client is the interface for API client
type Client interface {
	// Health Checks
	HealthCheck(ctx context.Context) (map[string]string, error)
	DetailedHealth(ctx context.Context) (services.DetailedHealth, error)
	LLMHealth(ctx context.Context) (services.LLMHealth, error)

	// Job Endpoints
	SubmitJob(ctx context.Context, req types.SubmitJobRequest) (types.JobStatus, error)
	GetJob(ctx context.Context, id string) (types.JobStatus, error)
	CancelJob(ctx context.Context, id string) (types.JobStatus, error)
	ListJobs(ctx context.Context, state string, page int) (types.ListResponse[types.JobStatus], error)
	GetJobStats(ctx context.Context) (types.JobStatsResponse, error)
	GetJobResult(ctx context.Context, id string) (artifacts.Record, error)

	// Upload Endpoints
	UploadJob(ctx context.Context, filePath string, req types.SubmitJobRequest) (types.JobStatus, error)
	GetUploadFormats(ctx context.Context) (types.UploadFormatsResponse, error)
}

var _ Client = &APIClient{}

// Options contains configuration options for the API client
type Options struct {
	// BaseURL is the base URL of the API
	BaseURL string

	// Timeout is the request timeout
	Timeout time.Duration
}

// DefaultOptions returns the default client options
func DefaultOptions() *Options {
	return &Options{
		BaseURL: routes.DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// APIClient implements the Client interface
type APIClient struct {
	baseURL string
	timeout time.Duration
}

// NewClient creates a new API client with the given options
func NewClient(opts *Options) (Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL: %q", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &APIClient{
		baseURL: opts.BaseURL,
		timeout: timeout,
	}, nil
}

// createAgent creates a new Fiber Agent for the given method and endpoint
func (c *APIClient) createAgent(ctx context.Context, method, endpoint string, body interface{}) (*fiber.Agent, error) {
	fullURL := c.baseURL + endpoint

	var agent *fiber.Agent
	switch method {
	case http.MethodGet:
		agent = fiber.Get(fullURL)
	case http.MethodPost:
		agent = fiber.Post(fullURL)
	case http.MethodPut:
		agent = fiber.Put(fullURL)
	case http.MethodDelete:
		agent = fiber.Delete(fullURL)
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	// Set timeout from context or client default
	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(c.timeout)
	}

	agent.Set("Accept", "application/json")
	if body != nil {
		agent.JSON(body)
	}

	return agent, nil
}

// send executes the request and returns the status code and raw body
func (c *APIClient) send(agent *fiber.Agent) (int, []byte, error) {
	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return 0, nil, fmt.Errorf("error sending request: %w", errs[0])
	}
	return statusCode, body, nil
}

// doRequest sends the HTTP request and decodes the data of the slug envelope into v
func (c *APIClient) doRequest(agent *fiber.Agent, v interface{}) error {
	statusCode, body, err := c.send(agent)
	if err != nil {
		return err
	}
	if statusCode < 200 || statusCode >= 300 {
		return responseError(statusCode, body)
	}

	var envelope struct {
		Slug types.Slug      `json:"slug"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("error decoding slug response: %w", err)
	}
	if v == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// responseError turns a non-2xx response into a *fiber.Error carrying the API error message
func responseError(statusCode int, body []byte) error {
	msg := string(body)
	var slug types.SlugResponse
	if err := json.Unmarshal(body, &slug); err == nil && slug.Error != "" {
		msg = slug.Error
	}
	return &fiber.Error{Code: statusCode, Message: msg}
}

// executeRequest creates an agent, sends the request, and processes the response
func (c *APIClient) executeRequest(ctx context.Context, method, endpoint string, body, response interface{}) error {
	agent, err := c.createAgent(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	return c.doRequest(agent, response)
}

// executeRaw is executeRequest for endpoints that answer without the slug envelope
func (c *APIClient) executeRaw(ctx context.Context, endpoint string, response interface{}) (int, error) {
	agent, err := c.createAgent(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	statusCode, body, err := c.send(agent)
	if err != nil {
		return 0, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, response); err != nil {
			return statusCode, fmt.Errorf("error decoding response: %w", err)
		}
	}
	return statusCode, nil
}

// Health check implementation

// HealthCheck checks the liveness of the API
func (c *APIClient) HealthCheck(ctx context.Context) (map[string]string, error) {
	var response map[string]string
	statusCode, err := c.executeRaw(ctx, routes.HealthCheckURL(), &response)
	if err != nil {
		return map[string]string{}, err
	}
	if statusCode != fiber.StatusOK {
		return map[string]string{}, &fiber.Error{Code: statusCode, Message: "health check failed"}
	}
	return response, nil
}

// DetailedHealth runs every dependency check. A degraded report is returned together with an error.
func (c *APIClient) DetailedHealth(ctx context.Context) (services.DetailedHealth, error) {
	var response services.DetailedHealth
	statusCode, err := c.executeRaw(ctx, routes.DetailedHealthCheckURL(), &response)
	if err != nil {
		return services.DetailedHealth{}, err
	}
	if statusCode != fiber.StatusOK {
		return response, &fiber.Error{Code: statusCode, Message: "pipeline is " + response.Status}
	}
	return response, nil
}

// LLMHealth probes the LLM service through the API
func (c *APIClient) LLMHealth(ctx context.Context) (services.LLMHealth, error) {
	var response services.LLMHealth
	err := c.executeRequest(ctx, http.MethodGet, routes.LLMHealthCheckURL(), nil, &response)
	return response, err
}

// Job methods implementation

// SubmitJob submits a job for an audio reference the server can read
func (c *APIClient) SubmitJob(ctx context.Context, req types.SubmitJobRequest) (types.JobStatus, error) {
	var response types.JobStatus
	if err := c.executeRequest(ctx, http.MethodPost, routes.SubmitJobURL(), req, &response); err != nil {
		return types.JobStatus{}, err
	}
	return response, nil
}

// GetJob retrieves the current status of a job
func (c *APIClient) GetJob(ctx context.Context, id string) (types.JobStatus, error) {
	var response types.JobStatus
	if err := c.executeRequest(ctx, http.MethodGet, routes.GetJobURL(id), nil, &response); err != nil {
		return types.JobStatus{}, err
	}
	return response, nil
}

// CancelJob requests cancellation of a job
func (c *APIClient) CancelJob(ctx context.Context, id string) (types.JobStatus, error) {
	var response types.JobStatus
	if err := c.executeRequest(ctx, http.MethodPost, routes.CancelJobURL(id), nil, &response); err != nil {
		return types.JobStatus{}, err
	}
	return response, nil
}

// ListJobs lists jobs, optionally filtered by state
func (c *APIClient) ListJobs(ctx context.Context, state string, page int) (types.ListResponse[types.JobStatus], error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}

	var response types.ListResponse[types.JobStatus]
	if err := c.executeRequest(ctx, http.MethodGet, routes.GetJobsURL(q), nil, &response); err != nil {
		return types.ListResponse[types.JobStatus]{}, err
	}
	return response, nil
}

// GetJobStats retrieves the per state job counts
func (c *APIClient) GetJobStats(ctx context.Context) (types.JobStatsResponse, error) {
	var response types.JobStatsResponse
	if err := c.executeRequest(ctx, http.MethodGet, routes.GetJobStatsURL(), nil, &response); err != nil {
		return types.JobStatsResponse{}, err
	}
	return response, nil
}

// GetJobResult retrieves the stored result of a finished job
func (c *APIClient) GetJobResult(ctx context.Context, id string) (artifacts.Record, error) {
	var response artifacts.Record
	if err := c.executeRequest(ctx, http.MethodGet, routes.GetJobResultURL(id), nil, &response); err != nil {
		return artifacts.Record{}, err
	}
	return response, nil
}

// Upload methods implementation

// UploadJob uploads a local recording and submits it. AudioReference of req is ignored.
func (c *APIClient) UploadJob(ctx context.Context, filePath string, req types.SubmitJobRequest) (types.JobStatus, error) {
	agent, err := c.createAgent(ctx, http.MethodPost, routes.UploadJobURL(), nil)
	if err != nil {
		return types.JobStatus{}, err
	}

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	for key, value := range map[string]string{
		"title":          req.Title,
		"language":       req.Language,
		"engine_variant": req.EngineVariant,
	} {
		if value != "" {
			args.Set(key, value)
		}
	}
	agent.SendFile(filePath, "file").MultipartForm(args)

	var response types.JobStatus
	if err := c.doRequest(agent, &response); err != nil {
		return types.JobStatus{}, err
	}
	return response, nil
}

// GetUploadFormats lists the accepted upload formats
func (c *APIClient) GetUploadFormats(ctx context.Context) (types.UploadFormatsResponse, error) {
	var response types.UploadFormatsResponse
	if err := c.executeRequest(ctx, http.MethodGet, routes.GetUploadFormatsURL(), nil, &response); err != nil {
		return types.UploadFormatsResponse{}, err
	}
	return response, nil
}
