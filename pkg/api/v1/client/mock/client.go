// Package mock provides a function-field implementation of the API client for tests
package mock

import (
	"context"
	"sync"

	"github.com/meetmemo/pipeline/internal/artifacts"
	"github.com/meetmemo/pipeline/internal/services"
	"github.com/meetmemo/pipeline/pkg/api/v1/client"
	"github.com/meetmemo/pipeline/pkg/types"
)

// MockClient implements the Client interface for testing. A nil function field returns zero values.
type MockClient struct {
	HealthCheckFn      func(ctx context.Context) (map[string]string, error)
	DetailedHealthFn   func(ctx context.Context) (services.DetailedHealth, error)
	LLMHealthFn        func(ctx context.Context) (services.LLMHealth, error)
	SubmitJobFn        func(ctx context.Context, req types.SubmitJobRequest) (types.JobStatus, error)
	GetJobFn           func(ctx context.Context, id string) (types.JobStatus, error)
	CancelJobFn        func(ctx context.Context, id string) (types.JobStatus, error)
	ListJobsFn         func(ctx context.Context, state string, page int) (types.ListResponse[types.JobStatus], error)
	GetJobStatsFn      func(ctx context.Context) (types.JobStatsResponse, error)
	GetJobResultFn     func(ctx context.Context, id string) (artifacts.Record, error)
	UploadJobFn        func(ctx context.Context, filePath string, req types.SubmitJobRequest) (types.JobStatus, error)
	GetUploadFormatsFn func(ctx context.Context) (types.UploadFormatsResponse, error)

	mu sync.Mutex
	// Call tracking for verification
	SubmitJobCalls []types.SubmitJobRequest
	UploadJobCalls []string
	GetJobCalls    []string
	CancelJobCalls []string
	ListJobsCalls  []struct {
		State string
		Page  int
	}
}

// Ensure MockClient implements Client interface
var _ client.Client = (*MockClient)(nil)

// HealthCheck implements client.Client
func (m *MockClient) HealthCheck(ctx context.Context) (map[string]string, error) {
	if m.HealthCheckFn != nil {
		return m.HealthCheckFn(ctx)
	}
	return map[string]string{"status": "healthy"}, nil
}

// DetailedHealth implements client.Client
func (m *MockClient) DetailedHealth(ctx context.Context) (services.DetailedHealth, error) {
	if m.DetailedHealthFn != nil {
		return m.DetailedHealthFn(ctx)
	}
	return services.DetailedHealth{}, nil
}

// LLMHealth implements client.Client
func (m *MockClient) LLMHealth(ctx context.Context) (services.LLMHealth, error) {
	if m.LLMHealthFn != nil {
		return m.LLMHealthFn(ctx)
	}
	return services.LLMHealth{}, nil
}

// SubmitJob implements client.Client
func (m *MockClient) SubmitJob(ctx context.Context, req types.SubmitJobRequest) (types.JobStatus, error) {
	m.mu.Lock()
	m.SubmitJobCalls = append(m.SubmitJobCalls, req)
	m.mu.Unlock()
	if m.SubmitJobFn != nil {
		return m.SubmitJobFn(ctx, req)
	}
	return types.JobStatus{}, nil
}

// GetJob implements client.Client
func (m *MockClient) GetJob(ctx context.Context, id string) (types.JobStatus, error) {
	m.mu.Lock()
	m.GetJobCalls = append(m.GetJobCalls, id)
	m.mu.Unlock()
	if m.GetJobFn != nil {
		return m.GetJobFn(ctx, id)
	}
	return types.JobStatus{}, nil
}

// CancelJob implements client.Client
func (m *MockClient) CancelJob(ctx context.Context, id string) (types.JobStatus, error) {
	m.mu.Lock()
	m.CancelJobCalls = append(m.CancelJobCalls, id)
	m.mu.Unlock()
	if m.CancelJobFn != nil {
		return m.CancelJobFn(ctx, id)
	}
	return types.JobStatus{}, nil
}

// ListJobs implements client.Client
func (m *MockClient) ListJobs(ctx context.Context, state string, page int) (types.ListResponse[types.JobStatus], error) {
	m.mu.Lock()
	m.ListJobsCalls = append(m.ListJobsCalls, struct {
		State string
		Page  int
	}{state, page})
	m.mu.Unlock()
	if m.ListJobsFn != nil {
		return m.ListJobsFn(ctx, state, page)
	}
	return types.ListResponse[types.JobStatus]{}, nil
}

// GetJobStats implements client.Client
func (m *MockClient) GetJobStats(ctx context.Context) (types.JobStatsResponse, error) {
	if m.GetJobStatsFn != nil {
		return m.GetJobStatsFn(ctx)
	}
	return types.JobStatsResponse{}, nil
}

// GetJobResult implements client.Client
func (m *MockClient) GetJobResult(ctx context.Context, id string) (artifacts.Record, error) {
	if m.GetJobResultFn != nil {
		return m.GetJobResultFn(ctx, id)
	}
	return artifacts.Record{}, nil
}

// UploadJob implements client.Client
func (m *MockClient) UploadJob(ctx context.Context, filePath string, req types.SubmitJobRequest) (types.JobStatus, error) {
	m.mu.Lock()
	m.UploadJobCalls = append(m.UploadJobCalls, filePath)
	m.mu.Unlock()
	if m.UploadJobFn != nil {
		return m.UploadJobFn(ctx, filePath, req)
	}
	return types.JobStatus{}, nil
}

// GetUploadFormats implements client.Client
func (m *MockClient) GetUploadFormats(ctx context.Context) (types.UploadFormatsResponse, error) {
	if m.GetUploadFormatsFn != nil {
		return m.GetUploadFormatsFn(ctx)
	}
	return types.UploadFormatsResponse{}, nil
}
