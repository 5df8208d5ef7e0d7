// Package diagnostics checks the external tools, paths and host resources the pipeline depends on
package diagnostics

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Status of a single check
type Status string

// Check statuses
const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// ErrToolMissing is returned by RequireTool when a binary is not on PATH
var ErrToolMissing = errors.New("required tool not found")

// Item is the outcome of one check
type Item struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Report is the combined outcome of a Run
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	HasFailures bool      `json:"has_failures"`
	Items       []Item    `json:"items"`
}

// Settings lists what Run has to verify
type Settings struct {
	Tools      []string
	ModelsDir  string
	UploadDir  string
	ResultsDir string
}

// Checker validates external tools and required filesystem paths.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	readDir    func(string) ([]os.DirEntry, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		readDir:    os.ReadDir,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// NewCheckerWithLookPath creates a checker that resolves binaries through lookPath
// and uses the real filesystem for everything else.
func NewCheckerWithLookPath(lookPath func(string) (string, error)) *Checker {
	c := NewChecker()
	c.lookPath = lookPath
	return c
}

// RequireTool resolves a binary on PATH
func (c *Checker) RequireTool(name string) (string, error) {
	path, err := c.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	return path, nil
}

// Run executes all checks and returns a combined report.
func (c *Checker) Run(settings Settings) Report {
	items := make([]Item, 0, len(settings.Tools)+3)
	for _, tool := range settings.Tools {
		items = append(items, c.checkTool(tool))
	}
	items = append(items,
		c.checkModelsDir(settings.ModelsDir),
		c.checkWritableDir("upload_dir", "Upload directory", settings.UploadDir),
		c.checkWritableDir("results_dir", "Results directory", settings.ResultsDir),
	)

	return NewReport(items)
}

// NewReport aggregates items into a report
func NewReport(items []Item) Report {
	report := Report{GeneratedAt: time.Now().UTC(), Items: items}
	for _, item := range items {
		if item.Status == StatusFail {
			report.HasFailures = true
			break
		}
	}
	return report
}

// Pass builds a passing item
func Pass(id, name, message string) Item {
	return Item{ID: id, Name: name, Status: StatusPass, Message: message}
}

// Fail builds a failing item
func Fail(id, name, message, hint string) Item {
	return Item{ID: id, Name: name, Status: StatusFail, Message: message, Hint: hint}
}

func (c *Checker) checkTool(name string) Item {
	id := "tool_" + filepath.Base(name)
	path, err := c.RequireTool(name)
	if err != nil {
		return Fail(id, name, fmt.Sprintf("Tool not found in PATH: %s", name),
			"Install it and ensure the binary is available on PATH before processing jobs.")
	}
	return Pass(id, name, fmt.Sprintf("Found at %s", path))
}

func (c *Checker) checkModelsDir(dir string) Item {
	const id, name = "models_dir", "Models directory"
	if strings.TrimSpace(dir) == "" {
		return Fail(id, name, "Models directory is empty.", "Set the whisper models directory.")
	}
	info, err := c.stat(dir)
	if err != nil || !info.IsDir() {
		return Fail(id, name, fmt.Sprintf("Models directory does not exist: %s", dir),
			"Download a whisper.cpp model into this directory.")
	}
	entries, err := c.readDir(dir)
	if err != nil {
		return Fail(id, name, fmt.Sprintf("Cannot read models directory: %s", dir),
			"Check permissions for the models directory.")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			return Pass(id, name, fmt.Sprintf("Models directory is valid: %s", dir))
		}
	}
	return Fail(id, name, fmt.Sprintf("No model files found in directory: %s", dir),
		"Place a ggml .bin model file in this directory.")
}

func (c *Checker) checkWritableDir(id, name, dir string) Item {
	if strings.TrimSpace(dir) == "" {
		return Fail(id, name, name+" is empty.", "Configure a writable directory.")
	}
	if err := c.mkdirAll(dir, 0o755); err != nil {
		return Fail(id, name, fmt.Sprintf("Cannot create directory: %s", dir),
			"Choose a writable location or adjust filesystem permissions.")
	}
	tmp, err := c.createTemp(dir, ".write-check-*")
	if err != nil {
		return Fail(id, name, fmt.Sprintf("Directory is not writable: %s", dir),
			"Choose a writable location or adjust filesystem permissions.")
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	_ = c.remove(tmpPath)
	return Pass(id, name, fmt.Sprintf("Writable directory: %s", dir))
}
