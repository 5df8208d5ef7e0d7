package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmemo/pipeline/internal/db/models"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Stage(models.StageTranscription).RetryCeiling)
	assert.Equal(t, time.Hour, cfg.Stage(models.StageTranscription).Timeout)
	assert.Equal(t, 60*time.Second, cfg.Stage(models.StageSummarization).Timeout)
	assert.Equal(t, "deepseek-chat", cfg.LLMModel)
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meetmemo.yaml")
	content := `
listen_address: ":9000"
broker_endpoint: "redis://localhost:6379/0"
retry_backoff: 2s
stages:
  summarization:
    retry_ceiling: 5
    timeout: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvListenAddress, ":9100")
	t.Setenv(EnvWorkersPerLane, "4")
	t.Setenv(EnvChainStages, "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.ListenAddress)
	assert.Equal(t, "redis://localhost:6379/0", cfg.BrokerEndpoint)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 5, cfg.Stage(models.StageSummarization).RetryCeiling)
	assert.Equal(t, 90*time.Second, cfg.Stage(models.StageSummarization).Timeout)
	// untouched stages keep their defaults
	assert.Equal(t, time.Hour, cfg.Stage(models.StageTranscription).Timeout)
	assert.Equal(t, 4, cfg.WorkersPerLane)
	assert.True(t, cfg.ChainStages)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv(EnvWorkersPerLane, "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.BrokerEndpoint = "amqp://localhost"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.VisibilityTimeout = 10 * time.Minute
	assert.Error(t, cfg.Validate())

	cfg = Default()
	delete(cfg.Stages, models.StagePersistence.String())
	assert.Error(t, cfg.Validate())
}

func TestValidateChainedStagesShareOneVisibilityWindow(t *testing.T) {
	cfg := Default()
	cfg.VisibilityTimeout = 75 * time.Minute
	cfg.Stages[models.StageTranscription.String()] = StageSettings{RetryCeiling: 3, Timeout: 70 * time.Minute}
	cfg.Stages[models.StageSummarization.String()] = StageSettings{RetryCeiling: 3, Timeout: 10 * time.Minute}

	// every stage fits on its own lane
	require.NoError(t, cfg.Validate())

	cfg.ChainStages = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum of all stage timeouts")

	cfg.VisibilityTimeout = 90 * time.Minute
	assert.NoError(t, cfg.Validate())
}
