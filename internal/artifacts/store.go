// Package artifacts stores the durable per-job result files
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meetmemo/pipeline/internal/db/models"
)

// ErrNotFound is returned by Load when no artifact exists for a job
var ErrNotFound = errors.New("artifact not found")

// Record is the durable result of a completed job
type Record struct {
	JobID         string          `json:"job_id"`
	Input         models.JobInput `json:"input"`
	Transcription json.RawMessage `json:"transcription"`
	Summary       json.RawMessage `json:"summary"`
	CreatedAt     time.Time       `json:"created_at"`
	PersistedAt   time.Time       `json:"persisted_at"`
}

// Document is the human readable rendering of a summary
type Document struct {
	Title    string
	Markdown string
}

// Location tells where the artifacts of a job were written
type Location struct {
	ResultFile      string `json:"result_file"`
	SummaryDocument string `json:"summary_document,omitempty"`
}

// Store persists job artifacts addressable by job id
type Store interface {
	Save(ctx context.Context, rec *Record, doc *Document) (*Location, error)
	Load(ctx context.Context, jobID string) (*Record, error)
}

// LocalStore keeps artifacts in a directory on local disk
type LocalStore struct {
	dir string
}

var _ Store = &LocalStore{}

// NewLocalStore creates the results directory if needed
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// ResultPath is the path of the JSON record of jobID
func (s *LocalStore) ResultPath(jobID string) string {
	return filepath.Join(s.dir, jobID+"_result.json")
}

// DocumentPath is the path of the summary document of jobID
func (s *LocalStore) DocumentPath(jobID string) string {
	return filepath.Join(s.dir, jobID+"_summary.docx")
}

// Save writes the JSON record and, when doc is given, the summary document.
// Saving the same job twice overwrites the previous files.
func (s *LocalStore) Save(ctx context.Context, rec *Record, doc *Document) (*Location, error) {
	if rec.JobID == "" {
		return nil, errors.New("record has no job id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	loc := &Location{ResultFile: s.ResultPath(rec.JobID)}
	if err := writeFileAtomic(loc.ResultFile, data); err != nil {
		return nil, err
	}

	if doc != nil {
		loc.SummaryDocument = s.DocumentPath(rec.JobID)
		if err := markdownToDocx(doc.Title, doc.Markdown, loc.SummaryDocument); err != nil {
			return nil, fmt.Errorf("failed to write summary document: %w", err)
		}
	}
	return loc, nil
}

// Load reads the JSON record of jobID
func (s *LocalStore) Load(_ context.Context, jobID string) (*Record, error) {
	data, err := os.ReadFile(s.ResultPath(filepath.Base(jobID)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &rec, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
