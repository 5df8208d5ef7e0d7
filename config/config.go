// Package config loads the runtime configuration of the pipeline.
// Values are layered: built-in defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meetmemo/pipeline/internal/db/models"
)

// Environment variable names
const (
	// EnvConfigFile points at an optional YAML configuration file
	EnvConfigFile = "MEETMEMO_CONFIG"
	// EnvListenAddress overrides the HTTP listen address
	EnvListenAddress = "MEETMEMO_LISTEN_ADDRESS"
	// EnvStoreEndpoint overrides the job store DSN
	EnvStoreEndpoint = "MEETMEMO_STORE_ENDPOINT"
	// EnvBrokerEndpoint overrides the broker endpoint
	EnvBrokerEndpoint = "MEETMEMO_BROKER_ENDPOINT"
	// EnvLLMEndpoint overrides the LLM completion endpoint
	EnvLLMEndpoint = "MEETMEMO_LLM_ENDPOINT"
	// EnvLLMCredential carries the LLM API key
	EnvLLMCredential = "DEEPSEEK_API_KEY"
	// EnvLLMModel overrides the LLM model id
	EnvLLMModel = "MEETMEMO_LLM_MODEL"
	// EnvWhisperBinary overrides the ASR binary path
	EnvWhisperBinary = "MEETMEMO_WHISPER_BINARY"
	// EnvWhisperModelsDir overrides the ASR models directory
	EnvWhisperModelsDir = "MEETMEMO_WHISPER_MODELS_DIR"
	// EnvFFmpegBinary overrides the ffmpeg binary path
	EnvFFmpegBinary = "MEETMEMO_FFMPEG_BINARY"
	// EnvUploadDir overrides the upload directory
	EnvUploadDir = "MEETMEMO_UPLOAD_DIR"
	// EnvResultsDir overrides the results directory
	EnvResultsDir = "MEETMEMO_RESULTS_DIR"
	// EnvInboxDir enables the inbox watcher on the given directory
	EnvInboxDir = "MEETMEMO_INBOX_DIR"
	// EnvWorkersPerLane overrides the number of workers started on every lane
	EnvWorkersPerLane = "MEETMEMO_WORKERS_PER_LANE"
	// EnvChainStages runs all stages of a job inline on one worker
	EnvChainStages = "MEETMEMO_CHAIN_STAGES"
	// EnvLogLevel overrides the log level
	EnvLogLevel = "LOG_LEVEL"
)

// BrokerDatabase selects the broker that stores messages in the job store database
const BrokerDatabase = "database"

// StageSettings bounds the execution of one stage
type StageSettings struct {
	RetryCeiling int           `yaml:"retry_ceiling"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Config is the full runtime configuration
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	LogLevel      string `yaml:"log_level"`

	StoreEndpoint     string        `yaml:"store_endpoint"`
	BrokerEndpoint    string        `yaml:"broker_endpoint"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	WorkersPerLane    int           `yaml:"workers_per_lane"`
	ChainStages       bool          `yaml:"chain_stages"`

	Stages map[string]StageSettings `yaml:"stages"`

	LLMEndpoint    string  `yaml:"llm_endpoint"`
	LLMCredential  string  `yaml:"llm_credential"`
	LLMModel       string  `yaml:"llm_model"`
	LLMMaxTokens   int     `yaml:"llm_max_tokens"`
	LLMTemperature float64 `yaml:"llm_temperature"`
	LLMTopP        float64 `yaml:"llm_top_p"`

	WhisperBinary       string `yaml:"whisper_binary"`
	WhisperModelsDir    string `yaml:"whisper_models_dir"`
	WhisperDefaultModel string `yaml:"whisper_default_model"`
	FFmpegBinary        string `yaml:"ffmpeg_binary"`

	UploadDir      string   `yaml:"upload_dir"`
	ResultsDir     string   `yaml:"results_dir"`
	InboxDir       string   `yaml:"inbox_dir"`
	MaxFileSize    int64    `yaml:"max_file_size"`
	AllowedFormats []string `yaml:"allowed_formats"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		ListenAddress:     ":8000",
		LogLevel:          "info",
		StoreEndpoint:     "host=localhost user=postgres password=postgres dbname=meetmemo port=5432 sslmode=disable",
		BrokerEndpoint:    BrokerDatabase,
		LeaseTTL:          2 * time.Minute,
		VisibilityTimeout: 75 * time.Minute,
		PollInterval:      time.Second,
		RetryBackoff:      5 * time.Second,
		WorkersPerLane:    2,
		Stages: map[string]StageSettings{
			models.StageTranscription.String(): {RetryCeiling: 3, Timeout: time.Hour},
			models.StageSummarization.String(): {RetryCeiling: 3, Timeout: 60 * time.Second},
			models.StagePersistence.String():   {RetryCeiling: 3, Timeout: 30 * time.Second},
		},
		LLMEndpoint:         "https://api.deepseek.com/v1/chat/completions",
		LLMModel:            "deepseek-chat",
		LLMMaxTokens:        4000,
		LLMTemperature:      0.3,
		LLMTopP:             0.9,
		WhisperBinary:       "whisper-cli",
		WhisperModelsDir:    "models",
		WhisperDefaultModel: "base",
		FFmpegBinary:        "ffmpeg",
		UploadDir:           "uploads",
		ResultsDir:          "results",
		MaxFileSize:         500 * 1024 * 1024,
		AllowedFormats:      []string{"mp3", "wav", "m4a", "flac", "ogg"},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// MEETMEMO_CONFIG and the environment
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defaults := c.Stages
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	// stage entries missing from the file keep their defaults
	for name, settings := range defaults {
		if _, ok := c.Stages[name]; !ok {
			c.Stages[name] = settings
		}
	}
	return nil
}

func (c *Config) mergeEnv() error {
	c.ListenAddress = GetEnv(EnvListenAddress, c.ListenAddress)
	c.LogLevel = GetEnv(EnvLogLevel, c.LogLevel)
	c.StoreEndpoint = GetEnv(EnvStoreEndpoint, c.StoreEndpoint)
	c.BrokerEndpoint = GetEnv(EnvBrokerEndpoint, c.BrokerEndpoint)
	c.LLMEndpoint = GetEnv(EnvLLMEndpoint, c.LLMEndpoint)
	c.LLMCredential = GetEnv(EnvLLMCredential, c.LLMCredential)
	c.LLMModel = GetEnv(EnvLLMModel, c.LLMModel)
	c.WhisperBinary = GetEnv(EnvWhisperBinary, c.WhisperBinary)
	c.WhisperModelsDir = GetEnv(EnvWhisperModelsDir, c.WhisperModelsDir)
	c.FFmpegBinary = GetEnv(EnvFFmpegBinary, c.FFmpegBinary)
	c.UploadDir = GetEnv(EnvUploadDir, c.UploadDir)
	c.ResultsDir = GetEnv(EnvResultsDir, c.ResultsDir)
	c.InboxDir = GetEnv(EnvInboxDir, c.InboxDir)

	if v, ok := os.LookupEnv(EnvWorkersPerLane); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWorkersPerLane, err)
		}
		c.WorkersPerLane = n
	}
	if v, ok := os.LookupEnv(EnvChainStages); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvChainStages, err)
		}
		c.ChainStages = b
	}
	return nil
}

// Validate reports configuration that would break the pipeline guarantees
func (c Config) Validate() error {
	var errs []error
	if c.StoreEndpoint == "" {
		errs = append(errs, errors.New("store endpoint is required"))
	}
	if c.BrokerEndpoint != BrokerDatabase && !strings.HasPrefix(c.BrokerEndpoint, "redis://") {
		errs = append(errs, fmt.Errorf("unsupported broker endpoint %q", c.BrokerEndpoint))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease ttl must be positive"))
	}
	if c.WorkersPerLane < 1 {
		errs = append(errs, errors.New("workers per lane must be at least 1"))
	}
	var chained time.Duration
	for _, stage := range models.Stages() {
		s, ok := c.Stages[stage.String()]
		if !ok {
			errs = append(errs, fmt.Errorf("missing settings for stage %s", stage))
			continue
		}
		if s.Timeout <= 0 || s.RetryCeiling < 0 {
			errs = append(errs, fmt.Errorf("invalid settings for stage %s", stage))
		}
		// a redelivered message must not reach another worker while the stage can still be running
		if s.Timeout >= c.VisibilityTimeout {
			errs = append(errs, fmt.Errorf("visibility timeout %s must exceed the %s timeout %s", c.VisibilityTimeout, stage, s.Timeout))
		}
		chained += s.Timeout
	}
	// a chained delivery stays in flight across every stage
	if c.ChainStages && chained >= c.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("visibility timeout %s must exceed the sum of all stage timeouts %s when stages are chained", c.VisibilityTimeout, chained))
	}
	return errors.Join(errs...)
}

// Stage returns the settings of stage
func (c Config) Stage(stage models.Stage) StageSettings {
	return c.Stages[stage.String()]
}

// GetEnv retrieves the value of an environment variable with a fallback value if not set
func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
