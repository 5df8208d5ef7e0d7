package test

import (
	"net/http/httptest"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/meetmemo/pipeline/internal/app"
	"github.com/meetmemo/pipeline/internal/diagnostics"
	"github.com/meetmemo/pipeline/internal/llm"
	"github.com/meetmemo/pipeline/pkg/api/v1/client"
)

// testClientTimeout is the timeout for test API client requests
const testClientTimeout = 5 * time.Second

// SetupServer wires the pipeline on the suite's store and serves the real API
func SetupServer(suite *Suite) {
	cfg := suite.Config

	llmClient, err := llm.NewClient(llm.Options{
		Endpoint:    cfg.LLMEndpoint,
		Credential:  cfg.LLMCredential,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		TopP:        cfg.LLMTopP,
		Timeout:     5 * time.Second,
	})
	suite.Require().NoError(err, "Failed to create LLM client")

	// Every native tool is reported as installed
	tools := diagnostics.NewCheckerWithLookPath(func(name string) (string, error) {
		return "/usr/bin/" + name, nil
	})

	suite.App, err = app.New(cfg, suite.DB, suite.Broker, app.Collaborators{
		ASR:   suite.ASR,
		LLM:   llmClient,
		Tools: tools,
	})
	suite.Require().NoError(err, "Failed to wire pipeline")

	// Create test server using adaptor to convert Fiber app to http.Handler
	suite.Server = httptest.NewServer(adaptor.FiberApp(suite.App.Fiber))

	apiClient, err := client.NewClient(&client.Options{
		BaseURL: suite.Server.URL,
		Timeout: testClientTimeout,
	})
	suite.Require().NoError(err, "Failed to create API client")
	suite.APIClient = apiClient

	originalCleanup := suite.cleanup
	suite.cleanup = func() {
		if suite.Server != nil {
			suite.Server.Close()
		}
		if originalCleanup != nil {
			originalCleanup()
		}
	}
}
