package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/meetmemo/pipeline/internal/broker"
	"github.com/meetmemo/pipeline/internal/db"
	"github.com/meetmemo/pipeline/internal/diagnostics"
)

// Health statuses
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// LLMProbe is the part of the LLM client the health checks use
type LLMProbe interface {
	HasCredential() bool
	Model() string
	Probe(ctx context.Context) error
}

// DetailedHealth is the result of every dependency check
type DetailedHealth struct {
	Status      string                  `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Diagnostics diagnostics.Report      `json:"diagnostics"`
	Host        diagnostics.HostMetrics `json:"host"`
}

// LLMHealth is the outcome of a connectivity probe of the LLM service
type LLMHealth struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Model     string    `json:"model"`
	CheckedAt time.Time `json:"checked_at"`
}

// Health checks the dependencies of the pipeline
type Health struct {
	db       *gorm.DB
	broker   broker.Broker
	checker  *diagnostics.Checker
	settings diagnostics.Settings
	llm      LLMProbe
}

// NewHealthService creates a new health service instance
func NewHealthService(gdb *gorm.DB, b broker.Broker, checker *diagnostics.Checker, settings diagnostics.Settings, probe LLMProbe) *Health {
	return &Health{db: gdb, broker: b, checker: checker, settings: settings, llm: probe}
}

// Detailed runs every check; any failing check degrades the status
func (s *Health) Detailed(ctx context.Context) DetailedHealth {
	items := []diagnostics.Item{
		pingItem("job_store", "Job store", db.Ping(ctx, s.db)),
		pingItem("broker", "Broker", s.broker.Ping(ctx)),
	}
	items = append(items, s.checker.Run(s.settings).Items...)

	if s.llm.HasCredential() {
		items = append(items, diagnostics.Pass("llm_credential", "LLM credential", "API key configured"))
	} else {
		items = append(items, diagnostics.Fail("llm_credential", "LLM credential", "API key not configured",
			"Set DEEPSEEK_API_KEY to enable summaries."))
	}

	host := diagnostics.CollectHostMetrics(ctx, s.settings.UploadDir)
	items = append(items, diagnostics.DiskItem(host, s.settings.UploadDir))

	report := diagnostics.NewReport(items)
	status := HealthHealthy
	if report.HasFailures {
		status = HealthDegraded
	}
	return DetailedHealth{Status: status, Timestamp: report.GeneratedAt, Diagnostics: report, Host: host}
}

// LLM performs a minimal completion to verify the LLM service is reachable
func (s *Health) LLM(ctx context.Context) LLMHealth {
	out := LLMHealth{Model: s.llm.Model(), CheckedAt: time.Now().UTC()}
	if err := s.llm.Probe(ctx); err != nil {
		out.Message = fmt.Sprintf("LLM connection failed: %v", err)
		return out
	}
	out.Success = true
	out.Message = "LLM connection ok"
	return out
}

func pingItem(id, name string, err error) diagnostics.Item {
	if err != nil {
		return diagnostics.Fail(id, name, err.Error(), "Check that the service is running and reachable.")
	}
	return diagnostics.Pass(id, name, "reachable")
}
