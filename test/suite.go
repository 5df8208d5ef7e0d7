package test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/meetmemo/pipeline/config"
	"github.com/meetmemo/pipeline/internal/app"
	"github.com/meetmemo/pipeline/internal/broker"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/pkg/api/v1/client"
	"github.com/meetmemo/pipeline/pkg/types"
)

// DefaultTestTimeout is the default timeout for test suites.
const DefaultTestTimeout = 30 * time.Second

// Suite encapsulates all components needed for integration testing.
// It provides a complete test setup with:
//   - In-memory database and database broker
//   - Real API server
//   - Real API client
//   - Fake ASR engine and fake LLM service
type Suite struct {
	t *testing.T

	Config config.Config

	// Pipeline components
	App    *app.App
	DB     *gorm.DB
	Broker broker.Broker

	// Server components
	Server *httptest.Server

	// Client components
	APIClient client.Client

	// Collaborators
	ASR *FakeASR
	LLM *FakeLLM

	// Worker management
	workers       sync.WaitGroup
	stopWorkers   context.CancelFunc
	workersActive bool

	// Context management
	ctx        context.Context
	cancelFunc context.CancelFunc

	// Cleanup function
	cleanup func()
}

// Option adjusts the suite before the pipeline is wired
type Option func(*Suite)

// WithConfig lets a test change the pipeline configuration
func WithConfig(fn func(cfg *config.Config)) Option {
	return func(s *Suite) {
		fn(&s.Config)
	}
}

// TestConfig is the configuration of a suite: real defaults with short delays and temporary directories
func TestConfig(t *testing.T, llmEndpoint string) config.Config {
	root := t.TempDir()
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.StoreEndpoint = "sqlite://memory"
	cfg.LeaseTTL = 5 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.WorkersPerLane = 2
	cfg.LLMEndpoint = llmEndpoint
	cfg.LLMCredential = "test-key"
	cfg.WhisperModelsDir = filepath.Join(root, "models")
	cfg.UploadDir = filepath.Join(root, "uploads")
	cfg.ResultsDir = filepath.Join(root, "results")
	cfg.MaxFileSize = 1 << 20
	return cfg
}

// NewSuite creates a new test suite with the given options.
// The suite must be cleaned up after use by calling Cleanup.
func NewSuite(t *testing.T, opts ...Option) *Suite {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	s := &Suite{
		t:          t,
		ASR:        &FakeASR{},
		LLM:        NewFakeLLM(),
		ctx:        ctx,
		cancelFunc: cancel,
	}
	s.Config = TestConfig(t, s.LLM.Server.URL+"/v1/chat/completions")
	s.cleanup = func() {
		s.LLM.Close()
		if s.cancelFunc != nil {
			s.cancelFunc()
		}
	}
	for _, opt := range opts {
		opt(s)
	}

	// Setup database by default
	SetupTestDB(s)

	// Setup server by default
	SetupServer(s)

	return s
}

// StartWorkers launches the worker pool of the pipeline. Workers stop on Cleanup.
func (s *Suite) StartWorkers() {
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopWorkers = cancel
	s.workersActive = true
	s.App.StartWorkers(ctx, &s.workers)
}

// Cleanup tears down the test suite, releasing all resources.
// This should be deferred immediately after creating the suite.
func (s *Suite) Cleanup() {
	if s.workersActive {
		s.stopWorkers()
		s.workers.Wait()
		s.workersActive = false
	}
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Context returns the suite's context, which is automatically
// canceled when the suite is cleaned up.
func (s *Suite) Context() context.Context {
	return s.ctx
}

// T returns the testing.T instance for this suite
func (s *Suite) T() *testing.T {
	return s.t
}

// Require returns a require.Assertions instance for this suite.
func (s *Suite) Require() *require.Assertions {
	return require.New(s.t)
}

// AudioFile writes a small recording named name and returns its path
func (s *Suite) AudioFile(name string) string {
	path := filepath.Join(s.t.TempDir(), name)
	s.Require().NoError(os.WriteFile(path, []byte("RIFF....WAVEfmt "), 0o600))
	return path
}

// WaitForJob polls the API until the job satisfies done
func (s *Suite) WaitForJob(id string, done func(types.JobStatus) bool) types.JobStatus {
	var last types.JobStatus
	s.Require().Eventually(func() bool {
		status, err := s.APIClient.GetJob(s.ctx, id)
		if err != nil {
			return false
		}
		last = status
		return done(status)
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached the expected state", id)
	return last
}

// WaitForTerminal polls the API until the job is finished
func (s *Suite) WaitForTerminal(id string) types.JobStatus {
	return s.WaitForJob(id, func(st types.JobStatus) bool { return st.State.IsTerminal() })
}

// WaitForState polls the API until the job is in state
func (s *Suite) WaitForState(id string, state models.JobState) types.JobStatus {
	return s.WaitForJob(id, func(st types.JobStatus) bool { return st.State == state })
}

// Retry retries a function until it succeeds or the number of retries is reached.
func (s *Suite) Retry(fn func() error, retries int, interval time.Duration) (err error) {
	for i := 0; i < retries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		time.Sleep(interval)
	}
	return
}
