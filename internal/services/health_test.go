package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmemo/pipeline/internal/diagnostics"
)

type fakeProbe struct {
	credential bool
	err        error
}

func (p fakeProbe) HasCredential() bool { return p.credential }

func (p fakeProbe) Model() string { return "deepseek-chat" }

func (p fakeProbe) Probe(context.Context) error { return p.err }

func healthSettings(t *testing.T) diagnostics.Settings {
	root := t.TempDir()
	models := filepath.Join(root, "models")
	require.NoError(t, os.MkdirAll(models, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(models, "ggml-base.bin"), []byte("m"), 0o600))
	return diagnostics.Settings{
		Tools:      []string{"ffmpeg", "whisper-cli"},
		ModelsDir:  models,
		UploadDir:  filepath.Join(root, "uploads"),
		ResultsDir: filepath.Join(root, "results"),
	}
}

func TestHealthService_Detailed(t *testing.T) {
	ts := NewTestSetup(t)
	checker := diagnostics.NewCheckerWithLookPath(func(name string) (string, error) { return "/usr/bin/" + name, nil })

	h := NewHealthService(ts.DB, ts.Broker, checker, healthSettings(t), fakeProbe{credential: true})
	report := h.Detailed(ts.ctx)
	assert.Equal(t, HealthHealthy, report.Status, "%+v", report.Diagnostics.Items)
	assert.Positive(t, report.Host.CPUProcessors)

	ts.Broker.pingErr = errors.New("connection refused")
	h = NewHealthService(ts.DB, ts.Broker, checker, healthSettings(t), fakeProbe{})
	report = h.Detailed(ts.ctx)
	assert.Equal(t, HealthDegraded, report.Status)

	failed := map[string]bool{}
	for _, item := range report.Diagnostics.Items {
		if item.Status == diagnostics.StatusFail {
			failed[item.ID] = true
		}
	}
	assert.True(t, failed["broker"])
	assert.True(t, failed["llm_credential"])
	assert.False(t, failed["job_store"])
}

func TestHealthService_LLM(t *testing.T) {
	ts := NewTestSetup(t)
	checker := diagnostics.NewChecker()

	ok := NewHealthService(ts.DB, ts.Broker, checker, diagnostics.Settings{}, fakeProbe{credential: true}).LLM(ts.ctx)
	assert.True(t, ok.Success)
	assert.Equal(t, "deepseek-chat", ok.Model)

	bad := NewHealthService(ts.DB, ts.Broker, checker, diagnostics.Settings{}, fakeProbe{err: errors.New("401")}).LLM(ts.ctx)
	assert.False(t, bad.Success)
	assert.Contains(t, bad.Message, "401")
}
